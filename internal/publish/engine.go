package publish

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"orrery/internal/config"
	"orrery/internal/logging"
	"orrery/internal/services"
	"orrery/internal/storage"
	"orrery/internal/store"
)

// Engine evaluates quality gates and promotes records into the archive.
type Engine struct {
	db      *store.Store
	records *Store
	storage *storage.Adapter
	cfg     config.Publish
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine builds an Engine over the shared store and storage adapter.
func NewEngine(db *store.Store, records *Store, adapter *storage.Adapter, cfg config.Publish, logger *slog.Logger) *Engine {
	return &Engine{
		db:      db,
		records: records,
		storage: adapter,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "publish"),
		now:     time.Now,
	}
}

// Register creates a staging record for a freshly produced product.
func (e *Engine) Register(ctx context.Context, groupID, dataType, stagingPath string) (*DataRecord, error) {
	record := &DataRecord{
		GroupID:            groupID,
		DataType:           dataType,
		StagingPath:        stagingPath,
		AutoPublishEnabled: true,
	}
	if err := e.records.Insert(ctx, record); err != nil {
		return nil, err
	}
	e.logger.Info("record registered",
		logging.Int64("record_id", record.ID),
		logging.String("data_type", dataType),
		logging.String(logging.FieldGroupID, groupID))
	return record, nil
}

// Finalize applies QA and validation verdicts and, when the auto-publish gate
// passes, immediately attempts the publish. Returns true when the record ended
// up published. A qa_status of warning deliberately blocks the automatic path
// while leaving manual publish available.
func (e *Engine) Finalize(ctx context.Context, id int64, qa QAStatus, validation ValidationStatus) (bool, error) {
	_, err := e.records.GetByID(ctx, id)
	if err != nil {
		return false, err
	}

	if _, err := e.db.Exec(ctx,
		`UPDATE data_records
         SET qa_status = ?, validation_status = ?, finalization_status = 'finalized', updated_at = ?
         WHERE id = ?`,
		string(qa), string(validation), store.FormatTime(e.now().UTC()), id,
	); err != nil {
		return false, fmt.Errorf("finalize record %d: %w", id, err)
	}

	record, err := e.records.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !record.GatePassed() || !e.autoPublishType(record.DataType) {
		e.logger.Info("record finalized without auto publish",
			logging.Int64("record_id", id),
			logging.String("qa_status", string(qa)),
			logging.String("validation_status", string(validation)))
		return false, nil
	}

	return e.publish(ctx, record, ModeAuto)
}

// Publish runs the automatic publish path on demand. The gate still applies.
func (e *Engine) Publish(ctx context.Context, id int64) (bool, error) {
	record, err := e.records.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !record.GatePassed() || !e.autoPublishType(record.DataType) {
		return false, nil
	}
	return e.publish(ctx, record, ModeAuto)
}

// PublishManual bypasses the quality gate but keeps the locking and atomicity
// guarantees. It also restarts records parked in the failed state.
func (e *Engine) PublishManual(ctx context.Context, id int64) (bool, error) {
	record, err := e.records.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return e.publish(ctx, record, ModeManual)
}

// Retry resets attempt bookkeeping on a record and re-runs the automatic
// publish path.
func (e *Engine) Retry(ctx context.Context, id int64) (bool, error) {
	if _, err := e.db.Exec(ctx,
		`UPDATE data_records
         SET publish_attempts = 0, next_attempt_at = NULL, last_error = NULL,
             status = CASE WHEN status = ? THEN ? ELSE status END, updated_at = ?
         WHERE id = ?`,
		string(StatusFailed), string(StatusStaging), store.FormatTime(e.now().UTC()), id,
	); err != nil {
		return false, fmt.Errorf("reset record %d for retry: %w", id, err)
	}
	return e.Publish(ctx, id)
}

// DueForRetry returns records whose automatic publish should run now: gate
// satisfied, still staging, attempt budget left, and past any backoff delay.
func (e *Engine) DueForRetry(ctx context.Context, limit int) ([]*DataRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := e.db.Query(ctx,
		`SELECT `+recordColumns+` FROM data_records
         WHERE status = ? AND finalization_status = 'finalized'
           AND qa_status = ? AND validation_status = ? AND auto_publish_enabled = 1
           AND publish_attempts < ?
           AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
         ORDER BY created_at ASC
         LIMIT ?`,
		string(StatusStaging),
		string(QAPassed),
		string(ValidationValidated),
		e.cfg.MaxAttempts,
		store.FormatTime(e.now().UTC()),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list records due for publish: %w", err)
	}
	defer rows.Close()

	var out []*DataRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if e.autoPublishType(record.DataType) {
			out = append(out, record)
		}
	}
	return out, rows.Err()
}

// ReclaimStalePublishing returns records stuck in the publishing state back to
// staging after a crash mid-move. The staging copy is authoritative: Promote
// never leaves a half-written archive entry behind.
func (e *Engine) ReclaimStalePublishing(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := e.db.Exec(ctx,
		`UPDATE data_records
         SET status = ?, last_error = ?, updated_at = ?
         WHERE status = ? AND updated_at < ?`,
		string(StatusStaging),
		"Reclaimed after interrupted publish",
		store.FormatTime(e.now().UTC()),
		string(StatusPublishing),
		store.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale publishing records: %w", err)
	}
	return res.RowsAffected()
}

// EnableAutoPublish re-enables the automatic path for a record.
func (e *Engine) EnableAutoPublish(ctx context.Context, id int64) error {
	return e.records.SetAutoPublish(ctx, id, true)
}

// DisableAutoPublish pins a record to manual-only publishing.
func (e *Engine) DisableAutoPublish(ctx context.Context, id int64) error {
	return e.records.SetAutoPublish(ctx, id, false)
}

func (e *Engine) autoPublishType(dataType string) bool {
	if len(e.cfg.QATypes) == 0 {
		return true
	}
	for _, t := range e.cfg.QATypes {
		if t == dataType {
			return true
		}
	}
	return false
}

// publish performs the locked staging→archive move. The intent lock is the
// transient publishing status, taken with a conditional update inside an
// immediate transaction; exactly one caller wins when finalize races itself.
func (e *Engine) publish(ctx context.Context, record *DataRecord, mode Mode) (bool, error) {
	if record.Status == StatusPublished {
		return false, nil
	}

	eligible := []any{string(StatusStaging)}
	condition := "status = ?"
	if mode == ModeManual {
		condition = "status IN (?, ?)"
		eligible = append(eligible, string(StatusFailed))
	}

	now := e.now().UTC()
	args := append([]any{string(StatusPublishing), string(mode), store.FormatTime(now), record.ID}, eligible...)
	res, err := e.db.Exec(ctx,
		`UPDATE data_records SET status = ?, publish_mode = ?, updated_at = ? WHERE id = ? AND `+condition,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("lock record %d for publish: %w", record.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock record %d for publish: %w", record.ID, err)
	}
	if affected != 1 {
		// Another worker holds the lock or already published.
		return false, nil
	}

	archivePath, moveErr := e.storage.Promote(record.StagingPath)
	if moveErr != nil {
		if recordErr := e.recordFailure(ctx, record, moveErr); recordErr != nil {
			return false, recordErr
		}
		return false, moveErr
	}

	err = e.db.InTxChecked(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE data_records
             SET status = ?, published_path = ?, published_at = ?, last_error = NULL,
                 next_attempt_at = NULL, updated_at = ?
             WHERE id = ? AND status = ?`,
			string(StatusPublished),
			archivePath,
			store.FormatTime(e.now().UTC()),
			store.FormatTime(e.now().UTC()),
			record.ID,
			string(StatusPublishing),
		)
		return err
	}, func() error {
		if !e.storage.Exists(archivePath) {
			return services.Wrap(services.ErrTransient, "", "verify publish", "Archive copy missing after move", nil)
		}
		if e.storage.Exists(record.StagingPath) {
			return services.Wrap(services.ErrTransient, "", "verify publish", "Staging copy still present after move", nil)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	e.logger.Info("record published",
		logging.Int64("record_id", record.ID),
		logging.String("mode", string(mode)),
		logging.String("published_path", archivePath))
	return true, nil
}

// recordFailure books a failed move: bump the counter, schedule the next
// attempt with capped exponential backoff, and park the record in failed once
// the budget is spent.
func (e *Engine) recordFailure(ctx context.Context, record *DataRecord, cause error) error {
	attempts := record.PublishAttempts + 1
	status := StatusStaging
	var nextAttempt any
	if attempts >= e.cfg.MaxAttempts {
		status = StatusFailed
	} else {
		nextAttempt = store.FormatTime(e.now().UTC().Add(e.backoff(attempts)))
	}

	if _, err := e.db.Exec(ctx,
		`UPDATE data_records
         SET status = ?, publish_attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(status),
		attempts,
		nextAttempt,
		cause.Error(),
		store.FormatTime(e.now().UTC()),
		record.ID,
		string(StatusPublishing),
	); err != nil {
		return fmt.Errorf("record publish failure for %d: %w", record.ID, err)
	}

	logging.ErrorWithContext(e.logger, "publish attempt failed", "publish_failed",
		logging.Int64("record_id", record.ID),
		logging.Int("attempts", attempts),
		logging.Error(cause))
	return nil
}

func (e *Engine) backoff(attempts int) time.Duration {
	delay := time.Duration(e.cfg.BackoffSeconds) * time.Second
	limit := time.Duration(e.cfg.BackoffMaxSeconds) * time.Second
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
