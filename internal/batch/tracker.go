package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"orrery/internal/config"
	"orrery/internal/logging"
	"orrery/internal/services"
	"orrery/internal/store"
)

// Tracker manages batch jobs and recomputes the parent aggregate after every
// item update.
type Tracker struct {
	db     *store.Store
	cfg    config.Batch
	logger *slog.Logger
}

// NewTracker binds a tracker to the shared database.
func NewTracker(db *store.Store, cfg config.Batch, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:     db,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "batch"),
	}
}

const (
	jobColumns  = "id, job_type, status, aggregation_policy, created_at, updated_at"
	itemColumns = "id, batch_id, group_id, label, status, result, last_error, updated_at"
)

// CreateBatch records a new batch with its items and returns the batch id.
// The batch starts pending and moves to running on the first item update.
func (t *Tracker) CreateBatch(ctx context.Context, jobType string, items []ItemSpec) (string, error) {
	if jobType == "" {
		return "", services.Wrap(services.ErrValidation, "", "create batch", "Batch job type is required", nil)
	}
	if len(items) == 0 {
		return "", services.Wrap(services.ErrValidation, "", "create batch", "Batch needs at least one item", nil)
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Label == "" {
			return "", services.Wrap(services.ErrValidation, "", "create batch", "Item label is required", nil)
		}
		if _, dup := seen[item.Label]; dup {
			return "", services.Wrap(services.ErrValidation, "", "create batch", fmt.Sprintf("Duplicate item label %q", item.Label), nil)
		}
		seen[item.Label] = struct{}{}
	}

	id := uuid.NewString()
	now := store.FormatTime(time.Now().UTC())
	err := t.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batch_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			id, jobType, string(StatusPending), t.cfg.AggregationPolicy, now, now)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for _, item := range items {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO batch_job_items (batch_id, group_id, label, status, updated_at)
                 VALUES (?, ?, ?, ?, ?)`,
				id, nullableString(item.GroupID), item.Label, string(StatusPending), now)
			if err != nil {
				return fmt.Errorf("insert batch item %q: %w", item.Label, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	t.logger.Info("batch created",
		logging.String(logging.FieldBatchID, id),
		logging.String("job_type", jobType),
		logging.Int("items", len(items)))
	return id, nil
}

// UpdateItem records an item's new status and recomputes the batch aggregate
// in the same transaction. Terminal items are immutable; updating one is an
// error.
func (t *Tracker) UpdateItem(ctx context.Context, batchID, label string, status Status, resultOrError string) error {
	switch status {
	case StatusRunning, StatusDone, StatusFailed:
	default:
		return services.Wrap(services.ErrValidation, "", "update item", fmt.Sprintf("Unsupported item status %q", status), nil)
	}

	now := store.FormatTime(time.Now().UTC())
	return t.db.InTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM batch_job_items WHERE batch_id = ? AND label = ?`,
			batchID, label).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "", "update item",
				fmt.Sprintf("Batch %s has no item %q", batchID, label), nil)
		}
		if err != nil {
			return fmt.Errorf("load batch item: %w", err)
		}
		if Status(current).Terminal() {
			return services.Wrap(services.ErrValidation, "", "update item",
				fmt.Sprintf("Item %q is already %s", label, current), nil)
		}

		result, lastError := "", ""
		if status == StatusFailed {
			lastError = resultOrError
		} else {
			result = resultOrError
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE batch_job_items
             SET status = ?, result = ?, last_error = ?, updated_at = ?
             WHERE batch_id = ? AND label = ?`,
			string(status), nullableString(result), nullableString(lastError), now, batchID, label)
		if err != nil {
			return fmt.Errorf("update batch item: %w", err)
		}
		return t.recomputeAggregateTx(ctx, tx, batchID, now)
	})
}

// recomputeAggregateTx derives the parent status from the item statuses under
// the batch's aggregation policy.
func (t *Tracker) recomputeAggregateTx(ctx context.Context, tx *sql.Tx, batchID, now string) error {
	var policy string
	err := tx.QueryRowContext(ctx, `SELECT aggregation_policy FROM batch_jobs WHERE id = ?`, batchID).Scan(&policy)
	if errors.Is(err, sql.ErrNoRows) {
		return services.Wrap(services.ErrNotFound, "", "recompute batch", fmt.Sprintf("Batch %s not found", batchID), nil)
	}
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}

	var total, done, failed int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*),
                COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
         FROM batch_job_items WHERE batch_id = ?`,
		string(StatusDone), string(StatusFailed), batchID).Scan(&total, &done, &failed)
	if err != nil {
		return fmt.Errorf("count batch items: %w", err)
	}

	aggregate := StatusRunning
	if done+failed == total {
		switch policy {
		case config.AggregationAllSuccess:
			if failed == 0 {
				aggregate = StatusDone
			} else {
				aggregate = StatusFailed
			}
		default:
			if done > 0 {
				aggregate = StatusDone
			} else {
				aggregate = StatusFailed
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE batch_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(aggregate), now, batchID)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	return nil
}

// GetBatchStatus returns the current aggregate status of a batch.
func (t *Tracker) GetBatchStatus(ctx context.Context, batchID string) (Status, error) {
	var status string
	err := t.db.QueryRow(ctx, `SELECT status FROM batch_jobs WHERE id = ?`, batchID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", services.Wrap(services.ErrNotFound, "", "load batch", fmt.Sprintf("Batch %s not found", batchID), nil)
	}
	if err != nil {
		return "", fmt.Errorf("load batch %s: %w", batchID, err)
	}
	return Status(status), nil
}

// GetBatch loads a batch job.
func (t *Tracker) GetBatch(ctx context.Context, batchID string) (*Job, error) {
	row := t.db.QueryRow(ctx, "SELECT "+jobColumns+" FROM batch_jobs WHERE id = ?", batchID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "load batch", fmt.Sprintf("Batch %s not found", batchID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	return job, nil
}

// ListBatches returns batches ordered newest first.
func (t *Tracker) ListBatches(ctx context.Context, limit int) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM batch_jobs ORDER BY created_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := t.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Items returns a batch's items in label order, failed ones included so a
// caller can report per-item errors.
func (t *Tracker) Items(ctx context.Context, batchID string) ([]*Item, error) {
	rows, err := t.db.Query(ctx,
		"SELECT "+itemColumns+" FROM batch_job_items WHERE batch_id = ? ORDER BY label", batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status, createdAt, updatedAt string
	if err := row.Scan(&job.ID, &job.JobType, &status, &job.AggregationPolicy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	var err error
	if job.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var status, updatedAt string
	var groupID, result, lastError sql.NullString
	if err := row.Scan(&item.ID, &item.BatchID, &groupID, &item.Label, &status, &result, &lastError, &updatedAt); err != nil {
		return nil, err
	}
	item.GroupID = groupID.String
	item.Status = Status(status)
	item.Result = result.String
	item.LastError = lastError.String
	var err error
	if item.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
