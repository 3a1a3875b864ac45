package units

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"orrery/internal/store"
)

// Store persists input units in the shared pipeline database.
type Store struct {
	db *store.Store
}

// NewStore binds a unit store to the shared database.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

const unitColumns = "path, acquired_at, status, group_id, size_bytes, created_at, updated_at"

// RecordDone upserts a completed unit into the index. Units already assigned
// to a group are left untouched, so re-scans after a restart are harmless.
func (s *Store) RecordDone(ctx context.Context, path string, acquiredAt time.Time, sizeBytes int64) error {
	now := store.FormatTime(time.Now().UTC())
	_, err := s.db.Exec(ctx,
		`INSERT INTO input_units (path, acquired_at, status, size_bytes, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (path) DO UPDATE SET
             acquired_at = excluded.acquired_at,
             size_bytes = excluded.size_bytes,
             status = CASE WHEN input_units.status IN (?, ?) THEN input_units.status ELSE ? END,
             updated_at = excluded.updated_at`,
		path,
		store.FormatTime(acquiredAt),
		string(StatusDone),
		sizeBytes,
		now,
		now,
		string(StatusAssigned), string(StatusFailed), string(StatusDone),
	)
	if err != nil {
		return fmt.Errorf("record unit %s: %w", path, err)
	}
	return nil
}

// GetByPath loads one unit. Returns nil when the path is not indexed.
func (s *Store) GetByPath(ctx context.Context, path string) (*Unit, error) {
	row := s.db.QueryRow(ctx, "SELECT "+unitColumns+" FROM input_units WHERE path = ?", path)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load unit %s: %w", path, err)
	}
	return unit, nil
}

// ListUngrouped returns done, unassigned units ordered oldest first.
func (s *Store) ListUngrouped(ctx context.Context) ([]*Unit, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+unitColumns+` FROM input_units
         WHERE status = ? AND group_id IS NULL
         ORDER BY acquired_at ASC`,
		string(StatusDone),
	)
	if err != nil {
		return nil, fmt.Errorf("list ungrouped units: %w", err)
	}
	defer rows.Close()

	var out []*Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		out = append(out, unit)
	}
	return out, rows.Err()
}

// AssignTx marks units as members of a group inside an existing transaction.
// Every path must still be done and unassigned or the assignment fails,
// keeping a unit out of two groups under concurrent detectors.
func (s *Store) AssignTx(ctx context.Context, tx *sql.Tx, paths []string, groupID string) error {
	if len(paths) == 0 {
		return errors.New("no units to assign")
	}
	placeholders := strings.Repeat("?,", len(paths)-1) + "?"
	args := make([]any, 0, len(paths)+4)
	args = append(args, string(StatusAssigned), groupID, store.FormatTime(time.Now().UTC()))
	for _, path := range paths {
		args = append(args, path)
	}
	args = append(args, string(StatusDone))

	res, err := tx.ExecContext(ctx,
		`UPDATE input_units
         SET status = ?, group_id = ?, updated_at = ?
         WHERE path IN (`+placeholders+`) AND status = ? AND group_id IS NULL`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("assign units to group %s: %w", groupID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign units to group %s: %w", groupID, err)
	}
	if affected != int64(len(paths)) {
		return fmt.Errorf("assign units to group %s: expected %d assignments, got %d", groupID, len(paths), affected)
	}
	return nil
}

// MarkFailed flags units that aged out without siblings so they stay visible
// instead of being silently discarded.
func (s *Store) MarkFailed(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(paths)-1) + "?"
	args := make([]any, 0, len(paths)+2)
	args = append(args, string(StatusFailed), store.FormatTime(time.Now().UTC()))
	for _, path := range paths {
		args = append(args, path)
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE input_units SET status = ?, updated_at = ? WHERE path IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("mark units failed: %w", err)
	}
	return nil
}

// CountByStatus returns per-status unit counts.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.Query(ctx, "SELECT status, COUNT(1) FROM input_units GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count units: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan unit count: %w", err)
		}
		out[Status(status)] = count
	}
	return out, rows.Err()
}

func scanUnit(scanner interface{ Scan(dest ...any) error }) (*Unit, error) {
	var (
		path        string
		acquiredRaw string
		statusStr   string
		groupID     sql.NullString
		sizeBytes   int64
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(&path, &acquiredRaw, &statusStr, &groupID, &sizeBytes, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	unit := &Unit{
		Path:      path,
		Status:    Status(statusStr),
		GroupID:   groupID.String,
		SizeBytes: sizeBytes,
	}
	var err error
	if unit.AcquiredAt, err = store.ParseTime(acquiredRaw); err != nil {
		return nil, fmt.Errorf("decode acquired_at: %w", err)
	}
	if unit.CreatedAt, err = store.ParseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if unit.UpdatedAt, err = store.ParseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return unit, nil
}
