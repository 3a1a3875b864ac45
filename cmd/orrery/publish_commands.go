package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"orrery/internal/publish"
)

func newPublishCommand(ctx *commandContext) *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Inspect and steer data record publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	publishCmd.AddCommand(newPublishListCommand(ctx))
	publishCmd.AddCommand(newPublishRetryCommand(ctx))
	publishCmd.AddCommand(newPublishManualCommand(ctx))
	publishCmd.AddCommand(newPublishAutoCommand(ctx, true))
	publishCmd.AddCommand(newPublishAutoCommand(ctx, false))
	return publishCmd
}

func parseRecordID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", arg)
	}
	return id, nil
}

func newPublishListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List data records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recordStore, err := ctx.recordStore()
			if err != nil {
				return err
			}
			list, err := recordStore.List(cmd.Context(), publish.Status(statusFlag), limitFlag)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(list))
			for _, record := range list {
				auto := "off"
				if record.AutoPublishEnabled {
					auto = "on"
				}
				rows = append(rows, []string{
					fmt.Sprintf("%d", record.ID),
					record.DataType,
					string(record.Status),
					string(record.QAStatus),
					string(record.ValidationStatus),
					auto,
					fmt.Sprintf("%d", record.PublishAttempts),
					record.LastError,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "TYPE", "STATUS", "QA", "VALIDATION", "AUTO", "ATTEMPTS", "LAST ERROR"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (staging|publishing|published|failed)")
	cmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum records to list")
	return cmd
}

func newPublishRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <record-id>",
		Short: "Reset attempt bookkeeping and publish again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			engine, err := ctx.publishEngine()
			if err != nil {
				return err
			}
			published, err := engine.Retry(cmd.Context(), id)
			if err != nil {
				return err
			}
			if published {
				fmt.Fprintf(cmd.OutOrStdout(), "record %d published\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "record %d not published (check its gate status)\n", id)
			}
			return nil
		},
	}
}

func newPublishManualCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "manual <record-id>",
		Short: "Publish a record, bypassing the QA gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			engine, err := ctx.publishEngine()
			if err != nil {
				return err
			}
			published, err := engine.PublishManual(cmd.Context(), id)
			if err != nil {
				return err
			}
			if published {
				fmt.Fprintf(cmd.OutOrStdout(), "record %d published manually\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "record %d already published or claimed elsewhere\n", id)
			}
			return nil
		},
	}
}

func newPublishAutoCommand(ctx *commandContext, enable bool) *cobra.Command {
	use, short := "enable-auto <record-id>", "Enable auto-publish for a record"
	if !enable {
		use, short = "disable-auto <record-id>", "Disable auto-publish for a record"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			engine, err := ctx.publishEngine()
			if err != nil {
				return err
			}
			if enable {
				err = engine.EnableAutoPublish(cmd.Context(), id)
			} else {
				err = engine.DisableAutoPublish(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			state := "enabled"
			if !enable {
				state = "disabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auto-publish %s for record %d\n", state, id)
			return nil
		},
	}
}
