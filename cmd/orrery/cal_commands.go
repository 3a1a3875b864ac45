package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const calTimeFormat = "2006-01-02T15:04:05Z"

func newCalCommand(ctx *commandContext) *cobra.Command {
	calCmd := &cobra.Command{
		Use:   "cal",
		Short: "Manage calibration artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	calCmd.AddCommand(newCalListCommand(ctx))
	calCmd.AddCommand(newCalRegisterCommand(ctx))
	calCmd.AddCommand(newCalRetireCommand(ctx))
	return calCmd
}

func newCalListCommand(ctx *commandContext) *cobra.Command {
	var kindFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List calibration artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.calRegistry()
			if err != nil {
				return err
			}
			artifacts, err := registry.List(cmd.Context(), kindFlag)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(artifacts))
			for _, artifact := range artifacts {
				state := "active"
				if !artifact.Active() {
					state = "retired"
				}
				rows = append(rows, []string{
					fmt.Sprintf("%d", artifact.ID),
					artifact.Kind,
					artifact.ValidFrom.Format(calTimeFormat),
					artifact.ValidTo.Format(calTimeFormat),
					state,
					artifact.Path,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "KIND", "VALID FROM", "VALID TO", "STATE", "PATH"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft}))
			return nil
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", "", "Filter by artifact kind")
	return cmd
}

func newCalRegisterCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "register <kind> <path> <valid-from> <valid-to>",
		Short: "Register an artifact with its validity window",
		Long: "Register a calibration artifact. Times use the layout " + calTimeFormat +
			" and the window is half-open: an artifact covers valid-from up to but not including valid-to.",
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse(calTimeFormat, args[2])
			if err != nil {
				return fmt.Errorf("parse valid-from: %w", err)
			}
			to, err := time.Parse(calTimeFormat, args[3])
			if err != nil {
				return fmt.Errorf("parse valid-to: %w", err)
			}
			registry, err := ctx.calRegistry()
			if err != nil {
				return err
			}
			id, err := registry.Register(cmd.Context(), args[0], args[1], from, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "artifact %d registered\n", id)
			return nil
		},
	}
}

func newCalRetireCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retire <artifact-id>",
		Short: "Retire an artifact, freeing its validity window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return fmt.Errorf("invalid artifact id %q", args[0])
			}
			registry, err := ctx.calRegistry()
			if err != nil {
				return err
			}
			if err := registry.Retire(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "artifact %d retired\n", id)
			return nil
		},
	}
}
