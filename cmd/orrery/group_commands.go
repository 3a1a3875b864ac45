package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"orrery/internal/calreg"
	"orrery/internal/groups"
	"orrery/internal/logging"
	"orrery/internal/pipeline"
	"orrery/internal/pipeline/execcmd"
	"orrery/internal/publish"
	"orrery/internal/storage"
)

func newGroupCommand(ctx *commandContext) *cobra.Command {
	groupCmd := &cobra.Command{
		Use:   "group",
		Short: "Inspect and steer processing groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	groupCmd.AddCommand(newGroupListCommand(ctx))
	groupCmd.AddCommand(newGroupShowCommand(ctx))
	groupCmd.AddCommand(newGroupRetryCommand(ctx))
	groupCmd.AddCommand(newGroupAdvanceCommand(ctx))
	return groupCmd
}

func newGroupListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processing groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			groupStore, err := ctx.groupStore()
			if err != nil {
				return err
			}
			list, err := groupStore.List(cmd.Context(), groups.Status(statusFlag), limitFlag)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(list))
			for _, group := range list {
				rows = append(rows, []string{
					group.ID,
					string(group.Stage),
					string(group.Status),
					fmt.Sprintf("%d", len(group.Members)),
					fmt.Sprintf("%d", group.Attempts),
					group.LastError,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "STAGE", "STATUS", "MEMBERS", "ATTEMPTS", "LAST ERROR"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (pending|in_progress|done|failed)")
	cmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum groups to list")
	return cmd
}

func newGroupShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <group-id>",
		Short: "Show one group in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupStore, err := ctx.groupStore()
			if err != nil {
				return err
			}
			group, err := groupStore.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Group:    %s\n", group.ID)
			fmt.Fprintf(out, "Stage:    %s\n", group.Stage)
			fmt.Fprintf(out, "Status:   %s\n", group.Status)
			fmt.Fprintf(out, "Window:   %s .. %s\n",
				group.WindowStart.Format("2006-01-02 15:04:05"),
				group.WindowEnd.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Attempts: %d\n", group.Attempts)
			if group.OutputPath != "" {
				fmt.Fprintf(out, "Output:   %s\n", group.OutputPath)
			}
			if group.LastError != "" {
				fmt.Fprintf(out, "Error:    %s\n", group.LastError)
			}
			fmt.Fprintf(out, "Members:  %s\n", strings.Join(group.Members, "\n          "))
			for _, stage := range groups.Stages() {
				if ts, ok := group.StageTimestamps[stage]; ok {
					fmt.Fprintf(out, "%-10s %s\n", string(stage)+":", ts.Format("2006-01-02 15:04:05"))
				}
			}
			return nil
		},
	}
}

func newGroupRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <group-id>",
		Short: "Reset a failed group for a fresh retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupStore, err := ctx.groupStore()
			if err != nil {
				return err
			}
			if err := groupStore.ResetForRetry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s queued for retry\n", args[0])
			return nil
		},
	}
}

func newGroupAdvanceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <group-id>",
		Short: "Run the group's next unfinished stage now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			machine, err := buildMachine(ctx)
			if err != nil {
				return err
			}
			if err := machine.Advance(cmd.Context(), args[0]); err != nil {
				return err
			}
			groupStore, err := ctx.groupStore()
			if err != nil {
				return err
			}
			group, err := groupStore.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s now at %s (%s)\n", group.ID, group.Stage, group.Status)
			return nil
		},
	}
}

// buildMachine assembles a stage machine with the configured external stage
// commands, mirroring the daemon's wiring.
func buildMachine(ctx *commandContext) (*pipeline.Machine, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	db, err := ctx.openStore()
	if err != nil {
		return nil, err
	}

	registry := pipeline.NewRegistry()
	if err := execcmd.FromConfig(registry, cfg.Pipeline.StageCommands, logging.NewNop()); err != nil {
		return nil, err
	}
	return pipeline.NewMachine(
		db,
		groups.NewStore(db),
		registry,
		calreg.NewRegistry(db, logging.NewNop()),
		publish.NewStore(db),
		storage.NewAdapter(cfg, logging.NewNop()),
		cfg.Pipeline,
		logging.NewNop(),
	), nil
}
