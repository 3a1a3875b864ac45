package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"orrery/internal/batch"
	"orrery/internal/logging"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit, run, and inspect batch jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	batchCmd.AddCommand(newBatchSubmitCommand(ctx))
	batchCmd.AddCommand(newBatchRunCommand(ctx))
	batchCmd.AddCommand(newBatchListCommand(ctx))
	batchCmd.AddCommand(newBatchShowCommand(ctx))
	return batchCmd
}

func (c *commandContext) batchTracker() (*batch.Tracker, error) {
	db, err := c.openStore()
	if err != nil {
		return nil, err
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return batch.NewTracker(db, cfg.Batch, logging.NewNop()), nil
}

func newBatchSubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <job-type> <group-id>...",
		Short: "Create a batch over a set of groups",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := ctx.batchTracker()
			if err != nil {
				return err
			}
			specs := make([]batch.ItemSpec, 0, len(args)-1)
			for _, groupID := range args[1:] {
				specs = append(specs, batch.ItemSpec{Label: groupID, GroupID: groupID})
			}
			id, err := tracker.CreateBatch(cmd.Context(), args[0], specs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s created with %d items\n", id, len(specs))
			return nil
		},
	}
}

func newBatchRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <batch-id>",
		Short: "Drive a batch's groups to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := ctx.batchTracker()
			if err != nil {
				return err
			}
			machine, err := buildMachine(ctx)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runner := batch.NewRunner(tracker, machine, cfg.Batch, logging.NewNop())
			status, err := runner.RunBatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s finished %s\n", args[0], status)
			return nil
		},
	}
}

func newBatchListCommand(ctx *commandContext) *cobra.Command {
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batch jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := ctx.batchTracker()
			if err != nil {
				return err
			}
			jobs, err := tracker.ListBatches(cmd.Context(), limitFlag)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.ID,
					job.JobType,
					string(job.Status),
					job.AggregationPolicy,
					job.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "TYPE", "STATUS", "POLICY", "CREATED"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft}))
			return nil
		},
	}
	cmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum batches to list")
	return cmd
}

func newBatchShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch and its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := ctx.batchTracker()
			if err != nil {
				return err
			}
			job, err := tracker.GetBatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			items, err := tracker.Items(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch:  %s\n", job.ID)
			fmt.Fprintf(out, "Type:   %s\n", job.JobType)
			fmt.Fprintf(out, "Status: %s (%s)\n", job.Status, job.AggregationPolicy)

			rows := make([][]string, 0, len(items))
			for _, item := range items {
				detail := item.Result
				if item.Status == batch.StatusFailed {
					detail = item.LastError
				}
				rows = append(rows, []string{
					item.Label,
					item.GroupID,
					string(item.Status),
					detail,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"LABEL", "GROUP", "STATUS", "DETAIL"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft}))
			return nil
		},
	}
}
