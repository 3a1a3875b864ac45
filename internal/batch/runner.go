package batch

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"orrery/internal/config"
	"orrery/internal/logging"
)

// GroupDriver runs one group end to end. Satisfied by the pipeline machine.
type GroupDriver interface {
	Run(ctx context.Context, groupID string) error
}

// Runner executes a batch by driving each item's group through the shared
// stage machinery with a bounded worker pool.
type Runner struct {
	tracker *Tracker
	driver  GroupDriver
	cfg     config.Batch
	logger  *slog.Logger
}

// NewRunner assembles a Runner over a tracker and a group driver.
func NewRunner(tracker *Tracker, driver GroupDriver, cfg config.Batch, logger *slog.Logger) *Runner {
	return &Runner{
		tracker: tracker,
		driver:  driver,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "batch"),
	}
}

// RunBatch drives every pending item of a batch to a terminal status and
// returns the final aggregate. Item failures are recorded on the item, not
// returned; only infrastructure errors (lost database, cancelled context)
// abort the run.
func (r *Runner) RunBatch(ctx context.Context, batchID string) (Status, error) {
	items, err := r.tracker.Items(ctx, batchID)
	if err != nil {
		return "", err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Workers)
	for _, item := range items {
		if item.Status.Terminal() {
			continue
		}
		eg.Go(func() error {
			return r.runItem(egCtx, item)
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}
	return r.tracker.GetBatchStatus(ctx, batchID)
}

func (r *Runner) runItem(ctx context.Context, item *Item) error {
	logger := r.logger.With(
		logging.String(logging.FieldBatchID, item.BatchID),
		logging.String("label", item.Label))

	if err := r.tracker.UpdateItem(ctx, item.BatchID, item.Label, StatusRunning, ""); err != nil {
		return err
	}

	runErr := r.driver.Run(ctx, item.GroupID)
	if runErr != nil {
		if ctx.Err() != nil {
			// Cancelled mid-run; leave the item running for the next attempt.
			return ctx.Err()
		}
		logger.Warn("batch item failed",
			logging.String(logging.FieldGroupID, item.GroupID),
			logging.Error(runErr))
		return r.tracker.UpdateItem(ctx, item.BatchID, item.Label, StatusFailed, runErr.Error())
	}

	logger.Info("batch item complete", logging.String(logging.FieldGroupID, item.GroupID))
	return r.tracker.UpdateItem(ctx, item.BatchID, item.Label, StatusDone, item.GroupID)
}
