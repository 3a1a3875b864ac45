package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"orrery/internal/calreg"
	"orrery/internal/config"
	"orrery/internal/fileutil"
	"orrery/internal/groups"
	"orrery/internal/logging"
	"orrery/internal/publish"
	"orrery/internal/services"
	"orrery/internal/storage"
	"orrery/internal/store"
)

const (
	heartbeatInterval = 30 * time.Second
	runPollInterval   = 2 * time.Second
)

// Machine advances groups through the stage ladder.
type Machine struct {
	db       *store.Store
	groups   *groups.Store
	registry *Registry
	calreg   *calreg.Registry
	records  *publish.Store
	storage  *storage.Adapter
	cfg      config.Pipeline
	logger   *slog.Logger

	// How long Run waits before re-polling a group claimed elsewhere.
	pollInterval time.Duration
}

// NewMachine assembles a Machine over the shared stores.
func NewMachine(db *store.Store, groupStore *groups.Store, registry *Registry, calRegistry *calreg.Registry, records *publish.Store, adapter *storage.Adapter, cfg config.Pipeline, logger *slog.Logger) *Machine {
	return &Machine{
		db:       db,
		groups:   groupStore,
		registry: registry,
		calreg:   calRegistry,
		records:  records,
		storage:  adapter,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "pipeline"),

		pollInterval: runPollInterval,
	}
}

// Advance runs the next unfinished stage of a group. It claims the group,
// executes the stage under the configured timeout, and commits the transition
// only after the stage output is verified on disk. Retryable failures mark the
// group failed with a reason and burn one attempt; the same stage reruns on
// the next eligible pass. Non-retryable failures park the group at the attempt
// cap until an operator resets it. Advancing a terminal group is a no-op.
func (m *Machine) Advance(ctx context.Context, groupID string) error {
	group, err := m.groups.GetByID(ctx, groupID)
	if err != nil {
		return err
	}
	if group.Terminal() {
		return nil
	}

	next, ok := groups.NextStage(group.Stage)
	if !ok {
		return services.Wrap(services.ErrValidation, string(group.Stage), "advance",
			fmt.Sprintf("Group %s has no next stage", groupID), nil)
	}

	claimed, err := m.groups.Claim(ctx, groupID, m.cfg.MaxStageAttempts)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	group.Status = groups.StatusInProgress

	operation := OperationForStage(group.Stage)
	stageCtx := services.WithGroupID(ctx, groupID)
	stageCtx = services.WithStage(stageCtx, operation)
	logger := logging.WithContext(stageCtx, m.logger)

	stopHeartbeat := m.startHeartbeat(stageCtx, groupID)
	defer stopHeartbeat()

	if operation == "" {
		// mosaicked→done: no executor, register the product for publishing.
		return m.completeFinal(stageCtx, logger, group)
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("attempt", group.Attempts+1))

	result, err := m.runStage(stageCtx, group, operation)
	if err != nil {
		return m.fail(stageCtx, logger, group, err)
	}

	err = m.db.InTxChecked(stageCtx, func(tx *sql.Tx) error {
		return m.groups.CompleteStageTx(stageCtx, tx, group, next, result.OutputPath)
	}, func() error {
		if !fileutil.Exists(result.OutputPath) {
			return services.Wrap(services.ErrExternalTool, operation, "verify output",
				fmt.Sprintf("Stage output %s missing on disk", result.OutputPath), nil)
		}
		return nil
	})
	if err != nil {
		return m.fail(stageCtx, logger, group, err)
	}

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("next_stage", string(next)),
		logging.String("output", result.OutputPath))
	return nil
}

// Run keeps advancing a group until it is terminal, parked for attempts, or
// the context ends. Used by batch runners that want a group driven end to end.
func (m *Machine) Run(ctx context.Context, groupID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		group, err := m.groups.GetByID(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Terminal() {
			return nil
		}
		if group.Status == groups.StatusFailed && group.Attempts >= m.cfg.MaxStageAttempts {
			return services.Wrap(services.ErrTransient, string(group.Stage), "run group",
				fmt.Sprintf("Group %s exhausted %d attempts: %s", groupID, group.Attempts, group.LastError), nil)
		}
		if group.Status == groups.StatusInProgress {
			// Another worker holds the claim; wait for the stage to finish
			// instead of spinning on the store.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.pollInterval):
			}
			continue
		}
		if err := m.Advance(ctx, groupID); err != nil {
			if !services.Retryable(err) {
				return err
			}
		}
	}
}

func (m *Machine) runStage(ctx context.Context, group *groups.Group, operation string) (Result, error) {
	executor, err := m.registry.Lookup(operation)
	if err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, operation, "lookup executor", "Stage executor not registered", err)
	}

	resources, err := m.resolveResources(ctx, group, operation)
	if err != nil {
		return Result{}, err
	}

	req := Request{
		GroupID:    group.ID,
		Operation:  operation,
		Members:    group.Members,
		InputPath:  group.OutputPath,
		OutputPath: m.storage.StagingPath(fmt.Sprintf("%s-%s", operation, group.ID)),
		Resources:  resources,
	}

	timeout := time.Duration(m.cfg.StageTimeoutSeconds) * time.Second
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := executor.Execute(stageCtx, req)
	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return Result{}, services.Wrap(services.ErrTimeout, operation, "execute",
				fmt.Sprintf("Stage exceeded %s timeout", timeout), err)
		}
		return Result{}, services.Wrap(services.ErrExternalTool, operation, "execute", "Stage executor failed", err)
	}
	if result.OutputPath == "" {
		result.OutputPath = req.OutputPath
	}
	return result, nil
}

// resolveResources looks up the calibration artifacts configured for the
// operation at the midpoint of the group's acquisition window. A coverage gap
// surfaces immediately as a non-retryable error: it needs a fresh solve, not a
// rerun.
func (m *Machine) resolveResources(ctx context.Context, group *groups.Group, operation string) (map[string]string, error) {
	kinds := m.cfg.StageResources[operation]
	if len(kinds) == 0 {
		return nil, nil
	}
	midpoint := group.WindowStart.Add(group.WindowEnd.Sub(group.WindowStart) / 2)
	resolved, err := m.calreg.Resolve(ctx, kinds, midpoint)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// completeFinal commits the mosaicked→done transition together with the
// product registration, verified against the staged output.
func (m *Machine) completeFinal(ctx context.Context, logger *slog.Logger, group *groups.Group) error {
	if group.OutputPath == "" {
		return m.fail(ctx, logger, group, services.Wrap(services.ErrValidation, "finalize", "register product",
			fmt.Sprintf("Group %s reached the final stage without an output", group.ID), nil))
	}

	record := &publish.DataRecord{
		GroupID:            group.ID,
		DataType:           "mosaic",
		StagingPath:        group.OutputPath,
		AutoPublishEnabled: true,
	}
	err := m.db.InTxChecked(ctx, func(tx *sql.Tx) error {
		if err := m.records.InsertTx(ctx, tx, record); err != nil {
			return err
		}
		return m.groups.CompleteStageTx(ctx, tx, group, groups.StageDone, group.OutputPath)
	}, func() error {
		if !fileutil.Exists(group.OutputPath) {
			return services.Wrap(services.ErrExternalTool, "finalize", "verify output",
				fmt.Sprintf("Final product %s missing on disk", group.OutputPath), nil)
		}
		return nil
	})
	if err != nil {
		return m.fail(ctx, logger, group, err)
	}

	logger.Info("group complete, product registered",
		logging.String(logging.FieldEventType, "group_done"),
		logging.Int64("record_id", record.ID))
	return nil
}

func (m *Machine) fail(ctx context.Context, logger *slog.Logger, group *groups.Group, cause error) error {
	retryable := services.Retryable(cause)
	var markErr error
	if retryable {
		markErr = m.groups.MarkFailed(ctx, group.ID, cause.Error())
	} else {
		// A rerun cannot fix this; park the group for an operator retry.
		markErr = m.groups.MarkFailedPermanent(ctx, group.ID, cause.Error(), m.cfg.MaxStageAttempts)
	}
	if markErr != nil {
		return errors.Join(cause, markErr)
	}
	logging.ErrorWithContext(logger, "stage failed", "stage_failed",
		logging.Int("attempt", group.Attempts+1),
		logging.Bool("retryable", retryable),
		logging.Error(cause))
	return cause
}

func (m *Machine) startHeartbeat(ctx context.Context, groupID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.groups.UpdateHeartbeat(ctx, groupID); err != nil {
					m.logger.Warn("heartbeat update failed",
						logging.String(logging.FieldGroupID, groupID),
						logging.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}
