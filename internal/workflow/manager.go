package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"orrery/internal/config"
	"orrery/internal/groups"
	"orrery/internal/logging"
	"orrery/internal/pipeline"
	"orrery/internal/publish"
	"orrery/internal/services"
	"orrery/internal/store"
	"orrery/internal/units"
)

// Lane names used for log annotation.
const (
	laneIngest  = "ingest"
	laneStage   = "stage"
	lanePublish = "publish"
)

const publishRetryBatch = 10

// Manager owns the daemon's polling lanes. The ingest lane discovers input
// units and forms groups, the stage lane advances runnable groups, and the
// publish lane retries deferred publishes. All three share the persistent
// store; the database carries every hand-off between lanes.
type Manager struct {
	cfg      *config.Config
	db       *store.Store
	units    *units.Store
	groups   *groups.Store
	detector *units.Detector
	machine  *pipeline.Machine
	engine   *publish.Engine
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager assembles a Manager over the shared stores and engines.
func NewManager(cfg *config.Config, db *store.Store, unitStore *units.Store, groupStore *groups.Store, detector *units.Detector, machine *pipeline.Machine, engine *publish.Engine, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		db:       db,
		units:    unitStore,
		groups:   groupStore,
		detector: detector,
		machine:  machine,
		engine:   engine,
		logger:   logging.NewComponentLogger(logger, "workflow"),
	}
}

// Start recovers interrupted state, runs a bootstrap scan of the incoming
// directory, and launches the polling lanes. It returns once the lanes are
// running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("workflow manager already started")
	}

	reset, err := m.groups.ResetStuckInProgress(ctx)
	if err != nil {
		return fmt.Errorf("reset interrupted groups: %w", err)
	}
	if reset > 0 {
		m.logger.Info("reset interrupted groups from previous run", logging.Int64("count", reset))
	}

	if err := m.scanIncoming(ctx); err != nil {
		m.logger.Warn("bootstrap scan failed", logging.Error(err))
	}

	laneCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.startLane(laneCtx, laneIngest, m.cfg.Workflow.IngestPollInterval, m.ingestTick)
	m.startLane(laneCtx, laneStage, m.cfg.Workflow.GroupPollInterval, m.stageTick)
	m.startLane(laneCtx, lanePublish, m.cfg.Workflow.PublishPollInterval, m.publishTick)

	m.logger.Info("workflow manager started",
		logging.String("incoming_dir", m.cfg.Paths.IncomingDir),
		logging.Int("ingest_poll_s", m.cfg.Workflow.IngestPollInterval),
		logging.Int("group_poll_s", m.cfg.Workflow.GroupPollInterval),
		logging.Int("publish_poll_s", m.cfg.Workflow.PublishPollInterval))
	return nil
}

// Stop cancels the lanes and waits for them to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("workflow manager stopped")
}

// startLane runs fn in a loop. The normal poll interval applies after a
// clean tick; a failed tick waits the error-retry interval instead so a
// persistent fault does not spin the lane.
func (m *Manager) startLane(ctx context.Context, name string, intervalSeconds int, fn func(context.Context) error) {
	interval := time.Duration(intervalSeconds) * time.Second
	errorRetry := time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second
	laneCtx := services.WithLane(ctx, name)
	logger := logging.WithContext(laneCtx, m.logger)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-laneCtx.Done():
				return
			case <-timer.C:
			}
			next := interval
			if err := fn(laneCtx); err != nil {
				logger.Warn("lane tick failed", logging.Error(err))
				next = errorRetry
			}
			timer.Reset(next)
		}
	}()
}

// ingestTick scans the incoming spool for new units and sweeps stale
// ungrouped ones per the partial-group policy.
func (m *Manager) ingestTick(ctx context.Context) error {
	if err := m.scanIncoming(ctx); err != nil {
		return err
	}
	formed, err := m.detector.Sweep(ctx)
	if err != nil {
		return err
	}
	for _, id := range formed {
		m.logger.Info("partial group formed from stale units",
			logging.String(logging.FieldGroupID, id))
	}
	return nil
}

// scanIncoming indexes files matching the configured pattern. Already known
// paths are skipped, so re-scans are cheap and idempotent.
func (m *Manager) scanIncoming(ctx context.Context) error {
	pattern := filepath.Join(m.cfg.Paths.IncomingDir, m.cfg.Ingest.FilePattern)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("scan incoming %s: %w", pattern, err)
	}

	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		known, err := m.units.GetByPath(ctx, path)
		if err != nil {
			return err
		}
		if known != nil {
			continue
		}
		if err := m.indexUnit(ctx, path); err != nil {
			m.logger.Warn("index unit failed",
				logging.String(logging.FieldUnitPath, path),
				logging.Error(err))
		}
	}
	return nil
}

// indexUnit records one newly seen file and offers it to the group detector.
func (m *Manager) indexUnit(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}

	acquiredAt := m.acquisitionTime(path, info.ModTime())
	if err := m.units.RecordDone(ctx, path, acquiredAt, info.Size()); err != nil {
		return err
	}
	m.logger.Info("unit indexed",
		logging.String(logging.FieldUnitPath, path),
		logging.Time("acquired_at", acquiredAt),
		logging.Int64("size_bytes", info.Size()))

	groupID, err := m.detector.FindOrFormGroup(ctx, path)
	if err != nil {
		return err
	}
	if groupID != "" {
		m.logger.Info("group formed", logging.String(logging.FieldGroupID, groupID))
	}
	return nil
}

// acquisitionTime parses the acquisition timestamp out of the file name,
// falling back to the file's mtime when the name does not carry one.
func (m *Manager) acquisitionTime(path string, mtime time.Time) time.Time {
	layout := m.cfg.Ingest.TimestampLayout
	if layout == "" {
		return mtime.UTC()
	}
	base := filepath.Base(path)
	base = base[:len(base)-len(filepath.Ext(base))]
	if idx := len(base) - len(layout); idx > 0 {
		// Timestamps sit at the end of the name, e.g. scan_20260830T120000.
		if ts, err := time.Parse(layout, base[idx:]); err == nil {
			return ts.UTC()
		}
	}
	if ts, err := time.Parse(layout, base); err == nil {
		return ts.UTC()
	}
	return mtime.UTC()
}

// stageTick reclaims stale in_progress groups and advances every runnable
// group once. Repeated ticks walk a group up the ladder stage by stage.
func (m *Manager) stageTick(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.Workflow.StaleProcessingTimeout) * time.Second)
	reclaimed, err := m.groups.ReclaimStale(ctx, cutoff)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		m.logger.Warn("reclaimed stale groups", logging.Int64("count", reclaimed))
	}

	// The runnable set is fixed at the top of the tick: every eligible group
	// gets exactly one stage per tick, so no group starves behind an older
	// one and a failing group cannot burn its whole attempt budget in one
	// pass. Advance re-checks eligibility through its claim, so groups that
	// turn ineligible mid-tick no-op.
	runnable, err := m.groups.Runnable(ctx, m.cfg.Pipeline.MaxStageAttempts, 0)
	if err != nil {
		return err
	}
	for _, group := range runnable {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.machine.Advance(ctx, group.ID); err != nil {
			// Recorded on the group; the attempt bound decides its fate.
			m.logger.Warn("stage advance failed",
				logging.String(logging.FieldGroupID, group.ID),
				logging.String(logging.FieldStage, string(group.Stage)),
				logging.Error(err))
		}
	}
	return nil
}

// publishTick reclaims interrupted publishes and retries records whose
// backoff has elapsed.
func (m *Manager) publishTick(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.Workflow.StaleProcessingTimeout) * time.Second)
	reclaimed, err := m.engine.ReclaimStalePublishing(ctx, cutoff)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		m.logger.Warn("reclaimed interrupted publishes", logging.Int64("count", reclaimed))
	}

	due, err := m.engine.DueForRetry(ctx, publishRetryBatch)
	if err != nil {
		return err
	}
	for _, record := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		published, err := m.engine.Publish(ctx, record.ID)
		if err != nil {
			m.logger.Warn("publish retry failed",
				logging.Int64(logging.FieldRecordID, record.ID),
				logging.Error(err))
			continue
		}
		if published {
			m.logger.Info("deferred record published",
				logging.Int64(logging.FieldRecordID, record.ID),
				logging.String("data_type", record.DataType))
		}
	}
	return nil
}
