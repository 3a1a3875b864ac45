package units

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"orrery/internal/config"
	"orrery/internal/groups"
	"orrery/internal/logging"
	"orrery/internal/store"
)

// Detector assembles time-contiguous groups out of done units.
type Detector struct {
	db     *store.Store
	units  *Store
	groups *groups.Store
	cfg    config.Grouping
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector builds a Detector over the shared stores.
func NewDetector(db *store.Store, unitStore *Store, groupStore *groups.Store, cfg config.Grouping, logger *slog.Logger) *Detector {
	return &Detector{
		db:     db,
		units:  unitStore,
		groups: groupStore,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "detector"),
		now:    time.Now,
	}
}

// FindOrFormGroup checks whether the newly completed unit at path lets a full
// group form. It scans all ungrouped done units and forms a group as soon as
// the target size fits inside one detection window, always anchoring on the
// oldest candidate so long-waiting units cannot starve. Returns the new group
// id, or "" when no group formed.
func (d *Detector) FindOrFormGroup(ctx context.Context, path string) (string, error) {
	unit, err := d.units.GetByPath(ctx, path)
	if err != nil {
		return "", err
	}
	if unit == nil || unit.Status != StatusDone {
		return "", nil
	}

	candidates, err := d.units.ListUngrouped(ctx)
	if err != nil {
		return "", err
	}
	if len(candidates) < d.cfg.TargetSize {
		return "", nil
	}

	width := d.windowWidth()
	for anchor := 0; anchor+d.cfg.TargetSize <= len(candidates); anchor++ {
		members := unitsInWindow(candidates, anchor, width)
		if len(members) < d.cfg.TargetSize {
			continue
		}
		group, err := d.form(ctx, members[:d.cfg.TargetSize])
		if err != nil {
			return "", err
		}
		return group.ID, nil
	}
	return "", nil
}

// Sweep resolves units that aged past the staleness threshold without enough
// siblings to fill a group. Depending on policy, a partial group of at least
// MinPartialSize is emitted, or stale units wait for more arrivals. Under the
// emit policy, stale units below the partial minimum are marked failed so they
// stay queryable. Returns the ids of any groups formed.
func (d *Detector) Sweep(ctx context.Context) ([]string, error) {
	cutoff := d.now().Add(-time.Duration(d.cfg.StalenessMinutes) * time.Minute)
	width := d.windowWidth()

	var formed []string
	for {
		candidates, err := d.units.ListUngrouped(ctx)
		if err != nil {
			return formed, err
		}
		if len(candidates) == 0 {
			return formed, nil
		}

		oldest := candidates[0]
		if !oldest.AcquiredAt.Before(cutoff) {
			return formed, nil
		}

		members := unitsInWindow(candidates, 0, width)
		if len(members) > d.cfg.TargetSize {
			members = members[:d.cfg.TargetSize]
		}

		switch {
		case d.cfg.PartialPolicy == config.PartialPolicyWait:
			d.logger.Debug("stale unit waiting for siblings",
				logging.String(logging.FieldUnitPath, oldest.Path),
				logging.Int("window_members", len(members)))
			return formed, nil
		case len(members) >= d.cfg.MinPartialSize:
			group, err := d.form(ctx, members)
			if err != nil {
				return formed, err
			}
			d.logger.Info("emitted partial group for stale units",
				logging.String(logging.FieldGroupID, group.ID),
				logging.Int("members", len(members)))
			formed = append(formed, group.ID)
		default:
			paths := unitPaths(members)
			if err := d.units.MarkFailed(ctx, paths); err != nil {
				return formed, err
			}
			d.logger.Warn("stale units below partial minimum marked failed",
				logging.Int("units", len(paths)),
				logging.String(logging.FieldErrorHint, "retry ingest or lower min_partial_size"))
		}
	}
}

func (d *Detector) form(ctx context.Context, members []*Unit) (*groups.Group, error) {
	group := &groups.Group{
		ID:          uuid.NewString(),
		Members:     unitPaths(members),
		WindowStart: members[0].AcquiredAt,
		WindowEnd:   members[len(members)-1].AcquiredAt,
		Stage:       groups.StageFormed,
		Status:      groups.StatusPending,
	}

	err := d.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := d.groups.InsertTx(ctx, tx, group); err != nil {
			return err
		}
		return d.units.AssignTx(ctx, tx, group.Members, group.ID)
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("group formed",
		logging.String(logging.FieldGroupID, group.ID),
		logging.Int("members", len(group.Members)),
		logging.Time("window_start", group.WindowStart),
		logging.Time("window_end", group.WindowEnd))
	return group, nil
}

func (d *Detector) windowWidth() time.Duration {
	return 2 * time.Duration(d.cfg.HalfWindowMinutes) * time.Minute
}

// unitsInWindow returns the run of candidates starting at anchor whose
// acquisition times fit within width of the anchor. Candidates must be sorted
// oldest first.
func unitsInWindow(candidates []*Unit, anchor int, width time.Duration) []*Unit {
	start := candidates[anchor].AcquiredAt
	end := start.Add(width)
	members := []*Unit{candidates[anchor]}
	for _, unit := range candidates[anchor+1:] {
		if unit.AcquiredAt.After(end) {
			break
		}
		members = append(members, unit)
	}
	return members
}

func unitPaths(units []*Unit) []string {
	paths := make([]string, len(units))
	for i, unit := range units {
		paths[i] = unit.Path
	}
	return paths
}
