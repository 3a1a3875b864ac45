package calreg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"orrery/internal/fileutil"
	"orrery/internal/logging"
	"orrery/internal/services"
	"orrery/internal/store"
)

// ErrOverlap rejects a registration whose window collides with an active
// artifact of the same kind. It classifies as a validation failure: callers
// must not retry on the same inputs.
var ErrOverlap = fmt.Errorf("%w: validity window overlap", services.ErrValidation)

// Artifact is one registered calibration product.
type Artifact struct {
	ID           int64
	Kind         string
	Path         string
	ValidFrom    time.Time
	ValidTo      time.Time
	RegisteredAt time.Time
	RetiredAt    time.Time
}

// Active reports whether the artifact has not been retired.
func (a *Artifact) Active() bool {
	return a.RetiredAt.IsZero()
}

// Covers reports whether at falls inside the half-open validity window.
func (a *Artifact) Covers(at time.Time) bool {
	return !at.Before(a.ValidFrom) && at.Before(a.ValidTo)
}

// Registry persists calibration artifacts in the shared pipeline database.
type Registry struct {
	db     *store.Store
	logger *slog.Logger
}

// NewRegistry binds a Registry to the shared database.
func NewRegistry(db *store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		db:     db,
		logger: logging.NewComponentLogger(logger, "calreg"),
	}
}

const artifactColumns = "id, kind, path, valid_from, valid_to, registered_at, retired_at"

// Register records a new artifact after checking its window against every
// active artifact of the same kind and verifying the file on disk. The
// database row and the disk check commit together: if the artifact is missing
// the registration rolls back entirely.
func (r *Registry) Register(ctx context.Context, kind, path string, validFrom, validTo time.Time) (int64, error) {
	if kind == "" || path == "" {
		return 0, services.Wrap(services.ErrValidation, "", "register artifact", "Kind and path are required", nil)
	}
	if !validFrom.Before(validTo) {
		return 0, services.Wrap(services.ErrValidation, "", "register artifact",
			fmt.Sprintf("Validity window [%s, %s) is empty", store.FormatTime(validFrom), store.FormatTime(validTo)), nil)
	}

	var id int64
	err := r.db.InTxChecked(ctx, func(tx *sql.Tx) error {
		var conflicts int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM calibration_artifacts
             WHERE kind = ? AND retired_at IS NULL
               AND valid_from < ? AND ? < valid_to`,
			kind,
			store.FormatTime(validTo),
			store.FormatTime(validFrom),
		).Scan(&conflicts)
		if err != nil {
			return fmt.Errorf("check window overlap: %w", err)
		}
		if conflicts > 0 {
			return fmt.Errorf("%w: kind %s window [%s, %s)", ErrOverlap,
				kind, store.FormatTime(validFrom), store.FormatTime(validTo))
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO calibration_artifacts (kind, path, valid_from, valid_to, registered_at)
             VALUES (?, ?, ?, ?, ?)`,
			kind,
			path,
			store.FormatTime(validFrom),
			store.FormatTime(validTo),
			store.FormatTime(time.Now().UTC()),
		)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	}, func() error {
		if !fileutil.Exists(path) {
			return services.Wrap(services.ErrValidation, "", "verify artifact",
				fmt.Sprintf("Artifact %s not found on disk", path), nil)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.Info("artifact registered",
		logging.String("kind", kind),
		logging.String("path", path),
		logging.Int64("artifact_id", id))
	return id, nil
}

// ActiveArtifacts resolves, per requested kind, the active artifact whose
// window contains at. Kinds without coverage are absent from the result; the
// caller decides whether that is a hard coverage gap.
func (r *Registry) ActiveArtifacts(ctx context.Context, kinds []string, at time.Time) (map[string]string, error) {
	out := make(map[string]string, len(kinds))
	encoded := store.FormatTime(at)
	for _, kind := range kinds {
		var path string
		err := r.db.QueryRow(ctx,
			`SELECT path FROM calibration_artifacts
             WHERE kind = ? AND retired_at IS NULL
               AND valid_from <= ? AND ? < valid_to
             ORDER BY registered_at DESC
             LIMIT 1`,
			kind, encoded, encoded,
		).Scan(&path)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve artifact for kind %s: %w", kind, err)
		}
		out[kind] = path
	}
	return out, nil
}

// Resolve is like ActiveArtifacts but treats any uncovered kind as a coverage
// gap error, for callers that require the full set.
func (r *Registry) Resolve(ctx context.Context, kinds []string, at time.Time) (map[string]string, error) {
	resolved, err := r.ActiveArtifacts(ctx, kinds, at)
	if err != nil {
		return nil, err
	}
	for _, kind := range kinds {
		if _, ok := resolved[kind]; !ok {
			return nil, services.Wrap(services.ErrNotFound, "", "resolve artifacts",
				fmt.Sprintf("No active %s artifact covers %s", kind, store.FormatTime(at)), nil)
		}
	}
	return resolved, nil
}

// Retire marks an artifact superseded without deleting it.
func (r *Registry) Retire(ctx context.Context, id int64) error {
	res, err := r.db.Exec(ctx,
		`UPDATE calibration_artifacts SET retired_at = ? WHERE id = ? AND retired_at IS NULL`,
		store.FormatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("retire artifact %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retire artifact %d: %w", id, err)
	}
	if affected != 1 {
		return services.Wrap(services.ErrNotFound, "", "retire artifact",
			fmt.Sprintf("Artifact %d not found or already retired", id), nil)
	}
	r.logger.Info("artifact retired", logging.Int64("artifact_id", id))
	return nil
}

// List returns artifacts of a kind, newest registration first. An empty kind
// returns everything.
func (r *Registry) List(ctx context.Context, kind string) ([]*Artifact, error) {
	query := "SELECT " + artifactColumns + " FROM calibration_artifacts"
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY registered_at DESC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, artifact)
	}
	return out, rows.Err()
}

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*Artifact, error) {
	var (
		artifact   Artifact
		fromRaw    string
		toRaw      string
		regRaw     string
		retiredRaw sql.NullString
	)
	if err := scanner.Scan(&artifact.ID, &artifact.Kind, &artifact.Path, &fromRaw, &toRaw, &regRaw, &retiredRaw); err != nil {
		return nil, err
	}
	var err error
	if artifact.ValidFrom, err = store.ParseTime(fromRaw); err != nil {
		return nil, fmt.Errorf("decode valid_from: %w", err)
	}
	if artifact.ValidTo, err = store.ParseTime(toRaw); err != nil {
		return nil, fmt.Errorf("decode valid_to: %w", err)
	}
	if artifact.RegisteredAt, err = store.ParseTime(regRaw); err != nil {
		return nil, fmt.Errorf("decode registered_at: %w", err)
	}
	if artifact.RetiredAt, err = store.ParseTime(retiredRaw.String); err != nil {
		return nil, fmt.Errorf("decode retired_at: %w", err)
	}
	return &artifact, nil
}
