package groups

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orrery/internal/services"
	"orrery/internal/store"
)

// Store persists groups in the shared pipeline database.
type Store struct {
	db *store.Store
}

// NewStore binds a group store to the shared database.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

const groupColumns = "id, members_json, window_start, window_end, stage, status, attempts, last_error, output_path, stage_timestamps_json, stage_started_at, last_heartbeat, created_at, updated_at"

// InsertTx writes a freshly formed group inside an existing transaction so
// formation and member assignment commit together.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, group *Group) error {
	if group.ID == "" {
		return services.Wrap(services.ErrValidation, "", "insert group", "Group id is required", nil)
	}
	if len(group.Members) == 0 {
		return services.Wrap(services.ErrValidation, "", "insert group", "Group must have members", nil)
	}
	members, err := json.Marshal(group.Members)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	timestamps, err := marshalStageTimestamps(group.StageTimestamps)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	group.UpdatedAt = now
	if group.Stage == "" {
		group.Stage = StageFormed
	}
	if group.Status == "" {
		group.Status = StatusPending
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO groups (`+groupColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		group.ID,
		string(members),
		store.FormatTime(group.WindowStart),
		store.FormatTime(group.WindowEnd),
		string(group.Stage),
		string(group.Status),
		group.Attempts,
		nullableString(group.LastError),
		nullableString(group.OutputPath),
		timestamps,
		nullableTime(group.StageStartedAt),
		nullableTime(group.LastHeartbeat),
		store.FormatTime(group.CreatedAt),
		store.FormatTime(group.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// GetByID loads one group.
func (s *Store) GetByID(ctx context.Context, id string) (*Group, error) {
	row := s.db.QueryRow(ctx, "SELECT "+groupColumns+" FROM groups WHERE id = ?", id)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "load group", fmt.Sprintf("Group %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", id, err)
	}
	return group, nil
}

// List returns groups ordered newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Group, error) {
	query := "SELECT " + groupColumns + " FROM groups"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

// Runnable lists groups eligible for stage work, oldest first: pending, or
// failed with fewer than maxAttempts attempts. limit <= 0 means no limit.
func (s *Store) Runnable(ctx context.Context, maxAttempts, limit int) ([]*Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups
         WHERE status = ? OR (status = ? AND attempts < ?)
         ORDER BY created_at ASC`
	args := []any{string(StatusPending), string(StatusFailed), maxAttempts}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runnable groups: %w", err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runnable group: %w", err)
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

// NextRunnable returns the oldest group eligible for stage work, or nil when
// none qualify.
func (s *Store) NextRunnable(ctx context.Context, maxAttempts int) (*Group, error) {
	runnable, err := s.Runnable(ctx, maxAttempts, 1)
	if err != nil {
		return nil, err
	}
	if len(runnable) == 0 {
		return nil, nil
	}
	return runnable[0], nil
}

// Claim moves an eligible group into in_progress. Returns false when another
// worker claimed it first or the group is no longer eligible.
func (s *Store) Claim(ctx context.Context, id string, maxAttempts int) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(ctx,
		`UPDATE groups
         SET status = ?, stage_started_at = ?, last_heartbeat = ?, updated_at = ?
         WHERE id = ? AND (status = ? OR (status = ? AND attempts < ?))`,
		string(StatusInProgress),
		store.FormatTime(now),
		store.FormatTime(now),
		store.FormatTime(now),
		id,
		string(StatusPending), string(StatusFailed), maxAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("claim group %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim group %s: %w", id, err)
	}
	return affected == 1, nil
}

// CompleteStageTx advances a claimed group to nextStage inside an existing
// transaction. The group returns to pending (or done when the ladder is
// finished), records the stage completion timestamp, and clears the error.
func (s *Store) CompleteStageTx(ctx context.Context, tx *sql.Tx, group *Group, nextStage Stage, outputPath string) error {
	if !ValidStage(nextStage) {
		return services.Wrap(services.ErrValidation, string(group.Stage), "complete stage", fmt.Sprintf("Unknown stage %q", nextStage), nil)
	}

	now := time.Now().UTC()
	if group.StageTimestamps == nil {
		group.StageTimestamps = map[Stage]time.Time{}
	}
	group.StageTimestamps[nextStage] = now
	timestamps, err := marshalStageTimestamps(group.StageTimestamps)
	if err != nil {
		return err
	}

	status := StatusPending
	if nextStage == StageDone {
		status = StatusDone
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE groups
         SET stage = ?, status = ?, output_path = ?, stage_timestamps_json = ?,
             last_error = NULL, stage_started_at = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE id = ? AND status = ? AND stage = ?`,
		string(nextStage),
		string(status),
		nullableString(outputPath),
		timestamps,
		store.FormatTime(now),
		group.ID,
		string(StatusInProgress),
		string(group.Stage),
	)
	if err != nil {
		return fmt.Errorf("complete stage for group %s: %w", group.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete stage for group %s: %w", group.ID, err)
	}
	if affected != 1 {
		return services.Wrap(services.ErrTransient, string(group.Stage), "complete stage", "Group state changed underneath the stage run", nil)
	}

	group.Stage = nextStage
	group.Status = status
	group.OutputPath = outputPath
	group.UpdatedAt = now
	return nil
}

// MarkFailed records a stage failure, bumping the attempt counter.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	now := store.FormatTime(time.Now().UTC())
	_, err := s.db.Exec(ctx,
		`UPDATE groups
         SET status = ?, attempts = attempts + 1, last_error = ?,
             stage_started_at = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		string(StatusFailed), reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark group %s failed: %w", id, err)
	}
	return nil
}

// ResetForRetry clears attempt bookkeeping so a failed group becomes runnable
// again regardless of how many attempts it burned.
// MarkFailedPermanent records a failure that a rerun cannot fix. The attempt
// counter jumps to the cap so the group stays parked until an operator resets
// it with ResetForRetry.
func (s *Store) MarkFailedPermanent(ctx context.Context, id, reason string, maxAttempts int) error {
	now := store.FormatTime(time.Now().UTC())
	_, err := s.db.Exec(ctx,
		`UPDATE groups
         SET status = ?, attempts = MAX(attempts + 1, ?), last_error = ?,
             stage_started_at = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		string(StatusFailed), maxAttempts, reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark group %s failed permanently: %w", id, err)
	}
	return nil
}

func (s *Store) ResetForRetry(ctx context.Context, id string) error {
	now := store.FormatTime(time.Now().UTC())
	res, err := s.db.Exec(ctx,
		`UPDATE groups
         SET status = ?, attempts = 0, last_error = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(StatusPending), now, id, string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("reset group %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset group %s: %w", id, err)
	}
	if affected != 1 {
		return services.Wrap(services.ErrValidation, "", "retry group", "Only failed groups can be retried", nil)
	}
	return nil
}

// UpdateHeartbeat refreshes the liveness timestamp for an in-flight group.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := store.FormatTime(time.Now().UTC())
	_, err := s.db.Exec(ctx,
		`UPDATE groups SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, string(StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("update heartbeat for group %s: %w", id, err)
	}
	return nil
}

// ReclaimStale returns in_progress groups whose heartbeat expired before
// cutoff back to pending so the unfinished stage reruns after a crash.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := store.FormatTime(time.Now().UTC())
	res, err := s.db.Exec(ctx,
		`UPDATE groups
         SET status = ?, last_error = ?, stage_started_at = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		string(StatusPending),
		"Reclaimed after stale processing",
		now,
		string(StatusInProgress),
		store.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale groups: %w", err)
	}
	return res.RowsAffected()
}

// ResetStuckInProgress runs at daemon startup: anything still marked
// in_progress did not survive the previous process and reruns its stage.
func (s *Store) ResetStuckInProgress(ctx context.Context) (int64, error) {
	now := store.FormatTime(time.Now().UTC())
	res, err := s.db.Exec(ctx,
		`UPDATE groups
         SET status = ?, last_error = ?, stage_started_at = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status = ?`,
		string(StatusPending), DaemonStopReason, now, string(StatusInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck groups: %w", err)
	}
	return res.RowsAffected()
}

// Health returns aggregated group counts.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	rows, err := s.db.Query(ctx, "SELECT status, COUNT(1) FROM groups GROUP BY status")
	if err != nil {
		return HealthSummary{}, fmt.Errorf("group health: %w", err)
	}
	defer rows.Close()

	var summary HealthSummary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return HealthSummary{}, fmt.Errorf("scan group health: %w", err)
		}
		summary.Total += count
		switch Status(status) {
		case StatusPending:
			summary.Pending = count
		case StatusInProgress:
			summary.InProgress = count
		case StatusDone:
			summary.Done = count
		case StatusFailed:
			summary.Failed = count
		}
	}
	return summary, rows.Err()
}

func scanGroup(scanner interface{ Scan(dest ...any) error }) (*Group, error) {
	var (
		id             string
		membersJSON    string
		windowStartRaw string
		windowEndRaw   string
		stageStr       string
		statusStr      string
		attempts       int
		lastError      sql.NullString
		outputPath     sql.NullString
		timestampsJSON sql.NullString
		stageStarted   sql.NullString
		heartbeat      sql.NullString
		createdRaw     string
		updatedRaw     string
	)

	if err := scanner.Scan(
		&id,
		&membersJSON,
		&windowStartRaw,
		&windowEndRaw,
		&stageStr,
		&statusStr,
		&attempts,
		&lastError,
		&outputPath,
		&timestampsJSON,
		&stageStarted,
		&heartbeat,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	group := &Group{
		ID:         id,
		Stage:      Stage(stageStr),
		Status:     Status(statusStr),
		Attempts:   attempts,
		LastError:  lastError.String,
		OutputPath: outputPath.String,
	}

	if err := json.Unmarshal([]byte(membersJSON), &group.Members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	if timestampsJSON.Valid && timestampsJSON.String != "" {
		timestamps, err := unmarshalStageTimestamps(timestampsJSON.String)
		if err != nil {
			return nil, err
		}
		group.StageTimestamps = timestamps
	}

	var err error
	if group.WindowStart, err = store.ParseTime(windowStartRaw); err != nil {
		return nil, fmt.Errorf("decode window_start: %w", err)
	}
	if group.WindowEnd, err = store.ParseTime(windowEndRaw); err != nil {
		return nil, fmt.Errorf("decode window_end: %w", err)
	}
	if group.StageStartedAt, err = store.ParseTime(stageStarted.String); err != nil {
		return nil, fmt.Errorf("decode stage_started_at: %w", err)
	}
	if group.LastHeartbeat, err = store.ParseTime(heartbeat.String); err != nil {
		return nil, fmt.Errorf("decode last_heartbeat: %w", err)
	}
	if group.CreatedAt, err = store.ParseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if group.UpdatedAt, err = store.ParseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}

	return group, nil
}

func marshalStageTimestamps(timestamps map[Stage]time.Time) (string, error) {
	if len(timestamps) == 0 {
		return "{}", nil
	}
	encoded := make(map[string]string, len(timestamps))
	for stage, ts := range timestamps {
		encoded[string(stage)] = store.FormatTime(ts)
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("marshal stage timestamps: %w", err)
	}
	return string(data), nil
}

func unmarshalStageTimestamps(raw string) (map[Stage]time.Time, error) {
	var encoded map[string]string
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		return nil, fmt.Errorf("decode stage timestamps: %w", err)
	}
	if len(encoded) == 0 {
		return nil, nil
	}
	out := make(map[Stage]time.Time, len(encoded))
	for stage, value := range encoded {
		ts, err := store.ParseTime(value)
		if err != nil {
			return nil, fmt.Errorf("decode stage timestamp %s: %w", stage, err)
		}
		out[Stage(stage)] = ts
	}
	return out, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return store.FormatTime(value)
}
