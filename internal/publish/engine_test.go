package publish_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"orrery/internal/config"
	"orrery/internal/logging"
	"orrery/internal/publish"
	"orrery/internal/storage"
	"orrery/internal/store"
	"orrery/internal/testsupport"
)

type engineFixture struct {
	cfg     *config.Config
	db      *store.Store
	records *publish.Store
	engine  *publish.Engine
	adapter *storage.Adapter
}

func newEngineFixture(t *testing.T, mutate func(*config.Config)) *engineFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	db := testsupport.MustOpenStore(t, cfg)
	adapter := storage.NewAdapter(cfg, logging.NewNop())
	records := publish.NewStore(db)
	return &engineFixture{
		cfg:     cfg,
		db:      db,
		records: records,
		engine:  publish.NewEngine(db, records, adapter, cfg.Publish, logging.NewNop()),
		adapter: adapter,
	}
}

func (f *engineFixture) stagedRecord(t *testing.T, name string) *publish.DataRecord {
	t.Helper()
	path := f.adapter.StagingPath(name)
	testsupport.WriteFile(t, path, 512)
	record, err := f.engine.Register(context.Background(), "g-1", "mosaic", path)
	if err != nil {
		t.Fatalf("register record: %v", err)
	}
	return record
}

func TestFinalizePassingGatePublishes(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()
	record := fixture.stagedRecord(t, "mosaic-100.fits")

	published, err := fixture.engine.Finalize(ctx, record.ID, publish.QAPassed, publish.ValidationValidated)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !published {
		t.Fatal("expected record to publish")
	}

	loaded, err := fixture.records.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != publish.StatusPublished {
		t.Fatalf("expected status published, got %s", loaded.Status)
	}
	if loaded.PublishedPath == "" || loaded.PublishedAt.IsZero() {
		t.Fatal("expected published path and timestamp")
	}
	if loaded.PublishMode != publish.ModeAuto {
		t.Fatalf("expected auto mode, got %s", loaded.PublishMode)
	}
	if fixture.adapter.Exists(record.StagingPath) {
		t.Fatal("staging copy should be gone after publish")
	}
	if !fixture.adapter.Exists(loaded.PublishedPath) {
		t.Fatal("archive copy should exist after publish")
	}
}

func TestWarningBlocksAutoButNotManual(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()
	record := fixture.stagedRecord(t, "mosaic-101.fits")

	published, err := fixture.engine.Finalize(ctx, record.ID, publish.QAWarning, publish.ValidationValidated)
	if err != nil {
		t.Fatal(err)
	}
	if published {
		t.Fatal("warning must block auto publish")
	}

	loaded, err := fixture.records.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != publish.StatusStaging {
		t.Fatalf("expected record to stay staging, got %s", loaded.Status)
	}

	published, err = fixture.engine.PublishManual(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !published {
		t.Fatal("manual publish must bypass the warning gate")
	}
}

func TestFailedValidationBlocksAuto(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	record := fixture.stagedRecord(t, "mosaic-102.fits")

	published, err := fixture.engine.Finalize(context.Background(), record.ID, publish.QAPassed, publish.ValidationFailed)
	if err != nil {
		t.Fatal(err)
	}
	if published {
		t.Fatal("failed validation must block auto publish")
	}
}

func TestDisabledAutoPublishBlocksUntilEnabled(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()
	record := fixture.stagedRecord(t, "mosaic-103.fits")

	if err := fixture.engine.DisableAutoPublish(ctx, record.ID); err != nil {
		t.Fatal(err)
	}
	published, err := fixture.engine.Finalize(ctx, record.ID, publish.QAPassed, publish.ValidationValidated)
	if err != nil {
		t.Fatal(err)
	}
	if published {
		t.Fatal("disabled auto publish must block the gate")
	}

	if err := fixture.engine.EnableAutoPublish(ctx, record.ID); err != nil {
		t.Fatal(err)
	}
	published, err = fixture.engine.Publish(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !published {
		t.Fatal("expected publish after re-enabling")
	}
}

func TestConcurrentFinalizePublishesOnce(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()
	record := fixture.stagedRecord(t, "mosaic-104.fits")

	var published atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := fixture.engine.Finalize(ctx, record.ID, publish.QAPassed, publish.ValidationValidated)
			if err != nil {
				t.Errorf("Finalize: %v", err)
				return
			}
			if ok {
				published.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := published.Load(); got != 1 {
		t.Fatalf("expected exactly one publish, got %d", got)
	}

	loaded, err := fixture.records.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != publish.StatusPublished {
		t.Fatalf("expected published, got %s", loaded.Status)
	}
}

func TestPublishFailureSchedulesBackoff(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()

	// Register a record whose staging artifact never existed.
	record, err := fixture.engine.Register(ctx, "g-1", "mosaic", fixture.adapter.StagingPath("ghost.fits"))
	if err != nil {
		t.Fatal(err)
	}

	published, err := fixture.engine.Finalize(ctx, record.ID, publish.QAPassed, publish.ValidationValidated)
	if published {
		t.Fatal("expected publish to fail")
	}
	if err == nil {
		t.Fatal("expected move error to surface")
	}

	loaded, err := fixture.records.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != publish.StatusStaging {
		t.Fatalf("expected record back in staging for retry, got %s", loaded.Status)
	}
	if loaded.PublishAttempts != 1 {
		t.Fatalf("expected one attempt recorded, got %d", loaded.PublishAttempts)
	}
	if loaded.NextAttemptAt.IsZero() || !loaded.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatalf("expected future next_attempt_at, got %v", loaded.NextAttemptAt)
	}
	if loaded.LastError == "" {
		t.Fatal("expected failure reason recorded")
	}

	// Backoff keeps it out of the due list for now.
	due, err := fixture.engine.DueForRetry(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due records during backoff, got %d", len(due))
	}
}

func TestExhaustedAttemptsParkRecordFailed(t *testing.T) {
	fixture := newEngineFixture(t, func(cfg *config.Config) {
		cfg.Publish.MaxAttempts = 1
	})
	ctx := context.Background()

	record, err := fixture.engine.Register(ctx, "g-1", "mosaic", fixture.adapter.StagingPath("ghost.fits"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fixture.engine.Finalize(ctx, record.ID, publish.QAPassed, publish.ValidationValidated); err == nil {
		t.Fatal("expected move error")
	}

	loaded, err := fixture.records.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != publish.StatusFailed {
		t.Fatalf("expected terminal failed state, got %s", loaded.Status)
	}

	// Manual publish restarts a failed record once the artifact exists.
	testsupport.WriteFile(t, record.StagingPath, 256)
	published, err := fixture.engine.PublishManual(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !published {
		t.Fatal("expected manual publish of failed record")
	}
}

func TestRetryResetsBookkeeping(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()

	record, err := fixture.engine.Register(ctx, "g-1", "mosaic", fixture.adapter.StagingPath("late.fits"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fixture.engine.Finalize(ctx, record.ID, publish.QAPassed, publish.ValidationValidated); err == nil {
		t.Fatal("expected first publish to fail")
	}

	// The artifact shows up late; Retry clears the backoff and publishes.
	testsupport.WriteFile(t, record.StagingPath, 256)
	published, err := fixture.engine.Retry(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !published {
		t.Fatal("expected retry to publish")
	}

	loaded, err := fixture.records.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != publish.StatusPublished || loaded.LastError != "" {
		t.Fatalf("expected clean published record, got %s %q", loaded.Status, loaded.LastError)
	}
}

func TestReclaimStalePublishing(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()
	record := fixture.stagedRecord(t, "mosaic-105.fits")

	// Simulate a crash mid-move: the intent lock is held but nothing advances.
	old := store.FormatTime(time.Now().UTC().Add(-time.Hour))
	if _, err := fixture.db.Exec(ctx,
		"UPDATE data_records SET status = ?, updated_at = ? WHERE id = ?",
		string(publish.StatusPublishing), old, record.ID,
	); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := fixture.engine.ReclaimStalePublishing(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected one reclaimed record, got %d", reclaimed)
	}

	loaded, err := fixture.records.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != publish.StatusStaging {
		t.Fatalf("expected reclaimed record staging, got %s", loaded.Status)
	}
}

func TestTypeOutsideQAListStaysManual(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()

	path := fixture.adapter.StagingPath("diag.log")
	testsupport.WriteFile(t, path, 64)
	record, err := fixture.engine.Register(ctx, "g-1", "diagnostic", path)
	if err != nil {
		t.Fatal(err)
	}

	published, err := fixture.engine.Finalize(ctx, record.ID, publish.QAPassed, publish.ValidationValidated)
	if err != nil {
		t.Fatal(err)
	}
	if published {
		t.Fatal("types outside qa_types must not auto publish")
	}

	published, err = fixture.engine.PublishManual(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !published {
		t.Fatal("manual publish must still work")
	}
}

func TestLineageLinks(t *testing.T) {
	fixture := newEngineFixture(t, nil)
	ctx := context.Background()

	parent := fixture.stagedRecord(t, "image-1.fits")
	child := fixture.stagedRecord(t, "mosaic-1.fits")

	if err := fixture.records.AddLink(ctx, parent.ID, child.ID, ""); err != nil {
		t.Fatal(err)
	}

	parents, children, err := fixture.records.Lineage(ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(parents) != 1 || parents[0] != parent.ID {
		t.Fatalf("expected parent %d, got %v", parent.ID, parents)
	}
	if len(children) != 0 {
		t.Fatalf("expected no children, got %v", children)
	}

	_, children, err = fixture.records.Lineage(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0] != child.ID {
		t.Fatalf("expected child %d, got %v", child.ID, children)
	}
}
