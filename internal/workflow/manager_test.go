package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orrery/internal/calreg"
	"orrery/internal/config"
	"orrery/internal/fileutil"
	"orrery/internal/groups"
	"orrery/internal/logging"
	"orrery/internal/pipeline"
	"orrery/internal/publish"
	"orrery/internal/storage"
	"orrery/internal/testsupport"
	"orrery/internal/units"
)

type managerFixture struct {
	cfg     *config.Config
	manager *Manager
	units   *units.Store
	groups  *groups.Store
	records *publish.Store
	engine  *publish.Engine
	adapter *storage.Adapter
	calreg  *calreg.Registry
}

func newManagerFixture(t *testing.T, mutate func(*config.Config)) *managerFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithGrouping(2, 25))
	cfg.Pipeline.StageResources = map[string][]string{}
	cfg.Publish.BackoffSeconds = 0
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	db := testsupport.MustOpenStore(t, cfg)

	unitStore := units.NewStore(db)
	groupStore := groups.NewStore(db)
	detector := units.NewDetector(db, unitStore, groupStore, cfg.Grouping, logging.NewNop())
	registry := pipeline.NewRegistry()
	for _, op := range []string{pipeline.OpCalibrate, pipeline.OpImage, pipeline.OpMosaic} {
		registry.Register(op, pipeline.ExecutorFunc(
			func(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
				if !fileutil.Exists(req.OutputPath) {
					testsupport.WriteFile(t, req.OutputPath, 64)
				}
				return pipeline.Result{OutputPath: req.OutputPath}, nil
			}))
	}
	calRegistry := calreg.NewRegistry(db, logging.NewNop())
	records := publish.NewStore(db)
	adapter := storage.NewAdapter(cfg, logging.NewNop())
	machine := pipeline.NewMachine(db, groupStore, registry, calRegistry, records, adapter, cfg.Pipeline, logging.NewNop())
	engine := publish.NewEngine(db, records, adapter, cfg.Publish, logging.NewNop())

	return &managerFixture{
		cfg:     cfg,
		manager: NewManager(cfg, db, unitStore, groupStore, detector, machine, engine, logging.NewNop()),
		units:   unitStore,
		groups:  groupStore,
		records: records,
		engine:  engine,
		adapter: adapter,
		calreg:  calRegistry,
	}
}

func (f *managerFixture) writeIncoming(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.cfg.Paths.IncomingDir, name)
	testsupport.WriteFile(t, path, 32)
	return path
}

func TestScanIncomingIndexesAndForms(t *testing.T) {
	fixture := newManagerFixture(t, nil)
	ctx := context.Background()

	fixture.writeIncoming(t, "scan_20260830T120000.h5")
	fixture.writeIncoming(t, "scan_20260830T120500.h5")
	fixture.writeIncoming(t, "notes.txt") // outside the file pattern

	if err := fixture.manager.scanIncoming(ctx); err != nil {
		t.Fatal(err)
	}

	counts, err := fixture.units.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[units.StatusAssigned] != 2 {
		t.Fatalf("expected both units assigned to a group, got %+v", counts)
	}

	formed, err := fixture.groups.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(formed) != 1 {
		t.Fatalf("expected one formed group, got %d", len(formed))
	}

	// Re-scans must not duplicate units or groups.
	if err := fixture.manager.scanIncoming(ctx); err != nil {
		t.Fatal(err)
	}
	formed, err = fixture.groups.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(formed) != 1 {
		t.Fatalf("re-scan formed extra groups, got %d", len(formed))
	}
}

func TestAcquisitionTimeFromFileName(t *testing.T) {
	fixture := newManagerFixture(t, nil)
	mtime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		file string
		want time.Time
	}{
		{"suffix timestamp", "scan_20260830T120000.h5", time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)},
		{"bare timestamp", "20260830T120000.h5", time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)},
		{"no timestamp", "calibration-dump.h5", mtime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fixture.manager.acquisitionTime(tt.file, mtime)
			if !got.Equal(tt.want) {
				t.Fatalf("acquisitionTime(%s) = %v, want %v", tt.file, got, tt.want)
			}
		})
	}
}

func TestStageTickWalksLadder(t *testing.T) {
	fixture := newManagerFixture(t, nil)
	ctx := context.Background()

	fixture.writeIncoming(t, "scan_20260830T120000.h5")
	fixture.writeIncoming(t, "scan_20260830T120500.h5")
	if err := fixture.manager.scanIncoming(ctx); err != nil {
		t.Fatal(err)
	}

	// One stage per tick: formed through done needs one tick per rung.
	for i := 0; i < len(groups.Stages()); i++ {
		if err := fixture.manager.stageTick(ctx); err != nil {
			t.Fatal(err)
		}
	}

	formed, err := fixture.groups.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(formed) != 1 || !formed[0].Terminal() {
		t.Fatalf("expected the group driven to done, got %+v", formed)
	}

	recordList, err := fixture.records.List(ctx, publish.StatusStaging, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recordList) != 1 {
		t.Fatalf("expected the product registered for publishing, got %d records", len(recordList))
	}
}

func TestStageTickAdvancesEveryRunnableGroup(t *testing.T) {
	fixture := newManagerFixture(t, nil)
	ctx := context.Background()

	// Two groups in well separated acquisition windows.
	fixture.writeIncoming(t, "scan_20260830T120000.h5")
	fixture.writeIncoming(t, "scan_20260830T120500.h5")
	fixture.writeIncoming(t, "scan_20260830T180000.h5")
	fixture.writeIncoming(t, "scan_20260830T180500.h5")
	if err := fixture.manager.scanIncoming(ctx); err != nil {
		t.Fatal(err)
	}

	formed, err := fixture.groups.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(formed) != 2 {
		t.Fatalf("expected two groups, got %d", len(formed))
	}

	// One tick moves both up a rung; neither waits for the other to finish
	// the whole ladder.
	if err := fixture.manager.stageTick(ctx); err != nil {
		t.Fatal(err)
	}
	for _, group := range formed {
		reloaded, err := fixture.groups.GetByID(ctx, group.ID)
		if err != nil {
			t.Fatal(err)
		}
		if reloaded.Stage != groups.StageCalibrated {
			t.Fatalf("group %s stuck at %s after the tick", group.ID, reloaded.Stage)
		}
	}
}

func TestStageTickParksNonRetryableFailure(t *testing.T) {
	fixture := newManagerFixture(t, func(cfg *config.Config) {
		cfg.Pipeline.StageResources = map[string][]string{
			pipeline.OpCalibrate: {"bandpass"},
		}
	})
	ctx := context.Background()

	fixture.writeIncoming(t, "scan_20260830T120000.h5")
	fixture.writeIncoming(t, "scan_20260830T120500.h5")
	if err := fixture.manager.scanIncoming(ctx); err != nil {
		t.Fatal(err)
	}

	// No bandpass artifact covers the window, so calibration cannot start.
	// The gap parks the group on the first tick; later ticks must not rerun it.
	for i := 0; i < 3; i++ {
		if err := fixture.manager.stageTick(ctx); err != nil {
			t.Fatal(err)
		}
		failed, err := fixture.groups.List(ctx, groups.StatusFailed, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(failed) != 1 {
			t.Fatalf("expected one failed group after tick %d, got %d", i+1, len(failed))
		}
		if failed[0].Attempts != fixture.cfg.Pipeline.MaxStageAttempts {
			t.Fatalf("expected the group parked at %d attempts after tick %d, got %d",
				fixture.cfg.Pipeline.MaxStageAttempts, i+1, failed[0].Attempts)
		}
		if failed[0].LastError == "" {
			t.Fatal("expected the coverage gap recorded on the group")
		}
	}

	// Registering coverage plus an operator retry puts it back on the ladder.
	failed, err := fixture.groups.List(ctx, groups.StatusFailed, 0)
	if err != nil {
		t.Fatal(err)
	}
	path := fixture.adapter.StagingPath("bandpass.tbl")
	testsupport.WriteFile(t, path, 64)
	_, err = fixture.calreg.Register(ctx, "bandpass", path,
		time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if err := fixture.groups.ResetForRetry(ctx, failed[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := fixture.manager.stageTick(ctx); err != nil {
		t.Fatal(err)
	}
	reloaded, err := fixture.groups.GetByID(ctx, failed[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Stage != groups.StageCalibrated {
		t.Fatalf("expected calibrated after retry, got %s/%s", reloaded.Stage, reloaded.Status)
	}
}

func TestPublishTickRetriesDeferredRecord(t *testing.T) {
	fixture := newManagerFixture(t, nil)
	ctx := context.Background()

	staging := fixture.adapter.StagingPath("mosaic-retry.fits")
	record, err := fixture.engine.Register(ctx, "g-1", "mosaic", staging)
	if err != nil {
		t.Fatal(err)
	}

	// First publish attempt fails: the staging file does not exist yet.
	if _, err := fixture.engine.Finalize(ctx, record.ID, publish.QAPassed, publish.ValidationValidated); err == nil {
		t.Fatal("expected publish to fail with staging file missing")
	}

	// Zero backoff makes the record due immediately; the file now exists.
	testsupport.WriteFile(t, staging, 64)
	if err := fixture.manager.publishTick(ctx); err != nil {
		t.Fatal(err)
	}

	reloaded, err := fixture.records.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != publish.StatusPublished {
		t.Fatalf("expected published after retry tick, got %s", reloaded.Status)
	}
	if !fileutil.Exists(reloaded.PublishedPath) {
		t.Fatalf("archive copy missing at %s", reloaded.PublishedPath)
	}
}

func TestStartRecoversInterruptedGroups(t *testing.T) {
	fixture := newManagerFixture(t, func(cfg *config.Config) {
		cfg.Workflow.IngestPollInterval = 3600
		cfg.Workflow.GroupPollInterval = 3600
		cfg.Workflow.PublishPollInterval = 3600
	})
	ctx := context.Background()

	fixture.writeIncoming(t, "scan_20260830T120000.h5")
	fixture.writeIncoming(t, "scan_20260830T120500.h5")
	if err := fixture.manager.scanIncoming(ctx); err != nil {
		t.Fatal(err)
	}
	formed, err := fixture.groups.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(formed) != 1 {
		t.Fatal("expected one group")
	}
	claimed, err := fixture.groups.Claim(ctx, formed[0].ID, fixture.cfg.Pipeline.MaxStageAttempts)
	if err != nil || !claimed {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	if err := fixture.manager.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fixture.manager.Stop()

	reloaded, err := fixture.groups.GetByID(ctx, formed[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != groups.StatusPending {
		t.Fatalf("expected interrupted group reset to pending, got %s", reloaded.Status)
	}

	if err := fixture.manager.Start(ctx); err == nil {
		t.Fatal("expected second Start to be rejected")
	}
}

func TestIngestTickSweepsStaleUnits(t *testing.T) {
	fixture := newManagerFixture(t, func(cfg *config.Config) {
		cfg.Grouping.TargetSize = 5
		cfg.Grouping.StalenessMinutes = 1
		cfg.Grouping.PartialPolicy = config.PartialPolicyEmit
		cfg.Grouping.MinPartialSize = 2
	})
	ctx := context.Background()

	// Two units, far too old to ever see more siblings.
	old := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("scan_%s.h5", old.Add(time.Duration(i)*time.Minute).Format("20060102T150405"))
		path := fixture.writeIncoming(t, name)
		when := old.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, when, when); err != nil {
			t.Fatal(err)
		}
	}

	if err := fixture.manager.ingestTick(ctx); err != nil {
		t.Fatal(err)
	}

	formed, err := fixture.groups.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(formed) != 1 {
		t.Fatalf("expected a partial group from the sweep, got %d", len(formed))
	}
	if len(formed[0].Members) != 2 {
		t.Fatalf("expected both stale units in the partial group, got %d members", len(formed[0].Members))
	}
}
