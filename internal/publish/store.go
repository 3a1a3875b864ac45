package publish

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orrery/internal/services"
	"orrery/internal/store"
)

// Store persists data records in the shared pipeline database.
type Store struct {
	db *store.Store
}

// NewStore binds a record store to the shared database.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

const recordColumns = "id, group_id, data_type, staging_path, published_path, status, qa_status, validation_status, finalization_status, auto_publish_enabled, publish_mode, publish_attempts, next_attempt_at, last_error, published_at, created_at, updated_at"

const insertRecordSQL = `INSERT INTO data_records (group_id, data_type, staging_path, status, qa_status, validation_status, finalization_status, auto_publish_enabled, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *Store) prepareInsert(record *DataRecord) ([]any, error) {
	if record.DataType == "" || record.StagingPath == "" {
		return nil, services.Wrap(services.ErrValidation, "", "register record", "Data type and staging path are required", nil)
	}
	now := time.Now().UTC()
	record.Status = StatusStaging
	if record.QAStatus == "" {
		record.QAStatus = QAPending
	}
	if record.ValidationStatus == "" {
		record.ValidationStatus = ValidationPending
	}
	if record.FinalizationStatus == "" {
		record.FinalizationStatus = "pending"
	}
	record.CreatedAt = now
	record.UpdatedAt = now

	return []any{
		nullableString(record.GroupID),
		record.DataType,
		record.StagingPath,
		string(record.Status),
		string(record.QAStatus),
		string(record.ValidationStatus),
		record.FinalizationStatus,
		boolToInt(record.AutoPublishEnabled),
		store.FormatTime(record.CreatedAt),
		store.FormatTime(record.UpdatedAt),
	}, nil
}

// Insert registers a new product in the staging tier.
func (s *Store) Insert(ctx context.Context, record *DataRecord) error {
	args, err := s.prepareInsert(record)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(ctx, insertRecordSQL, args...)
	if err != nil {
		return fmt.Errorf("insert data record: %w", err)
	}
	record.ID, err = res.LastInsertId()
	return err
}

// InsertTx registers a record inside an existing transaction so product
// registration can commit together with the stage transition that produced it.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, record *DataRecord) error {
	args, err := s.prepareInsert(record)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, insertRecordSQL, args...)
	if err != nil {
		return fmt.Errorf("insert data record: %w", err)
	}
	record.ID, err = res.LastInsertId()
	return err
}

// GetByID loads one record.
func (s *Store) GetByID(ctx context.Context, id int64) (*DataRecord, error) {
	row := s.db.QueryRow(ctx, "SELECT "+recordColumns+" FROM data_records WHERE id = ?", id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "load record", fmt.Sprintf("Data record %d not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load data record %d: %w", id, err)
	}
	return record, nil
}

// List returns records newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*DataRecord, error) {
	query := "SELECT " + recordColumns + " FROM data_records"
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
		return nil, fmt.Errorf("list data records: %w", err)
	}
	defer rows.Close()

	var out []*DataRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// SetAutoPublish toggles the auto-publish flag on a record.
func (s *Store) SetAutoPublish(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.Exec(ctx,
		`UPDATE data_records SET auto_publish_enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), store.FormatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("set auto publish on record %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set auto publish on record %d: %w", id, err)
	}
	if affected != 1 {
		return services.Wrap(services.ErrNotFound, "", "set auto publish", fmt.Sprintf("Data record %d not found", id), nil)
	}
	return nil
}

// AddLink records a lineage edge between two records.
func (s *Store) AddLink(ctx context.Context, parentID, childID int64, linkType string) error {
	if linkType == "" {
		linkType = "derived_from"
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO data_links (parent_id, child_id, link_type, created_at) VALUES (?, ?, ?, ?)`,
		parentID, childID, linkType, store.FormatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("link records %d -> %d: %w", parentID, childID, err)
	}
	return nil
}

// Lineage returns the parent and child record ids linked to id.
func (s *Store) Lineage(ctx context.Context, id int64) (parents, children []int64, err error) {
	rows, err := s.db.Query(ctx,
		`SELECT parent_id, child_id FROM data_links WHERE parent_id = ? OR child_id = ?`, id, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load lineage for record %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var parent, child int64
		if err := rows.Scan(&parent, &child); err != nil {
			return nil, nil, fmt.Errorf("scan lineage: %w", err)
		}
		if child == id {
			parents = append(parents, parent)
		}
		if parent == id {
			children = append(children, child)
		}
	}
	return parents, children, rows.Err()
}

// CountByStatus returns per-status record counts.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.Query(ctx, "SELECT status, COUNT(1) FROM data_records GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count data records: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan record count: %w", err)
		}
		out[Status(status)] = count
	}
	return out, rows.Err()
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*DataRecord, error) {
	var (
		record        DataRecord
		groupID       sql.NullString
		publishedPath sql.NullString
		statusStr     string
		qaStr         string
		validationStr string
		finalization  string
		autoPublish   int
		mode          sql.NullString
		nextAttempt   sql.NullString
		lastError     sql.NullString
		publishedRaw  sql.NullString
		createdRaw    string
		updatedRaw    string
	)
	if err := scanner.Scan(
		&record.ID,
		&groupID,
		&record.DataType,
		&record.StagingPath,
		&publishedPath,
		&statusStr,
		&qaStr,
		&validationStr,
		&finalization,
		&autoPublish,
		&mode,
		&record.PublishAttempts,
		&nextAttempt,
		&lastError,
		&publishedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	record.GroupID = groupID.String
	record.PublishedPath = publishedPath.String
	record.Status = Status(statusStr)
	record.QAStatus = QAStatus(qaStr)
	record.ValidationStatus = ValidationStatus(validationStr)
	record.FinalizationStatus = finalization
	record.AutoPublishEnabled = autoPublish != 0
	record.PublishMode = Mode(mode.String)
	record.LastError = lastError.String

	var err error
	if record.NextAttemptAt, err = store.ParseTime(nextAttempt.String); err != nil {
		return nil, fmt.Errorf("decode next_attempt_at: %w", err)
	}
	if record.PublishedAt, err = store.ParseTime(publishedRaw.String); err != nil {
		return nil, fmt.Errorf("decode published_at: %w", err)
	}
	if record.CreatedAt, err = store.ParseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if record.UpdatedAt, err = store.ParseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &record, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
