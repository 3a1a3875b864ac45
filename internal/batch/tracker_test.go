package batch_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"orrery/internal/batch"
	"orrery/internal/config"
	"orrery/internal/logging"
	"orrery/internal/services"
	"orrery/internal/testsupport"
)

func newTracker(t *testing.T, policy string) *batch.Tracker {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if policy != "" {
		cfg.Batch.AggregationPolicy = policy
	}
	db := testsupport.MustOpenStore(t, cfg)
	return batch.NewTracker(db, cfg.Batch, logging.NewNop())
}

func fiveItems() []batch.ItemSpec {
	items := make([]batch.ItemSpec, 0, 5)
	for i := 1; i <= 5; i++ {
		items = append(items, batch.ItemSpec{Label: fmt.Sprintf("obs-%02d", i)})
	}
	return items
}

func TestAggregateAnySuccess(t *testing.T) {
	tracker := newTracker(t, "")
	ctx := context.Background()

	batchID, err := tracker.CreateBatch(ctx, "reprocess", fiveItems())
	if err != nil {
		t.Fatal(err)
	}
	status, err := tracker.GetBatchStatus(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if status != batch.StatusPending {
		t.Fatalf("expected pending before any update, got %s", status)
	}

	// Four succeed, one fails. Under any_success the batch still completes.
	for i := 1; i <= 4; i++ {
		label := fmt.Sprintf("obs-%02d", i)
		if err := tracker.UpdateItem(ctx, batchID, label, batch.StatusDone, "ok"); err != nil {
			t.Fatalf("update %s: %v", label, err)
		}
		status, err := tracker.GetBatchStatus(ctx, batchID)
		if err != nil {
			t.Fatal(err)
		}
		if status != batch.StatusRunning {
			t.Fatalf("expected running with items outstanding, got %s", status)
		}
	}
	if err := tracker.UpdateItem(ctx, batchID, "obs-05", batch.StatusFailed, "calibration diverged"); err != nil {
		t.Fatal(err)
	}

	status, err = tracker.GetBatchStatus(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if status != batch.StatusDone {
		t.Fatalf("expected done with 4/5 succeeded, got %s", status)
	}

	// The failed item stays individually queryable with its error.
	items, err := tracker.Items(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	var failed *batch.Item
	for _, item := range items {
		if item.Status == batch.StatusFailed {
			failed = item
		}
	}
	if failed == nil || failed.Label != "obs-05" {
		t.Fatalf("expected obs-05 recorded as failed, items %+v", items)
	}
	if !strings.Contains(failed.LastError, "calibration diverged") {
		t.Fatalf("expected failure reason on item, got %q", failed.LastError)
	}
}

func TestAggregateAllSuccess(t *testing.T) {
	tracker := newTracker(t, config.AggregationAllSuccess)
	ctx := context.Background()

	batchID, err := tracker.CreateBatch(ctx, "reprocess", fiveItems())
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		if err := tracker.UpdateItem(ctx, batchID, fmt.Sprintf("obs-%02d", i), batch.StatusDone, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := tracker.UpdateItem(ctx, batchID, "obs-05", batch.StatusFailed, "no coverage"); err != nil {
		t.Fatal(err)
	}

	status, err := tracker.GetBatchStatus(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if status != batch.StatusFailed {
		t.Fatalf("expected failed under all_success with one failure, got %s", status)
	}
}

func TestAllItemsFailed(t *testing.T) {
	tracker := newTracker(t, "")
	ctx := context.Background()

	batchID, err := tracker.CreateBatch(ctx, "reprocess", []batch.ItemSpec{{Label: "a"}, {Label: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, label := range []string{"a", "b"} {
		if err := tracker.UpdateItem(ctx, batchID, label, batch.StatusFailed, "boom"); err != nil {
			t.Fatal(err)
		}
	}
	status, err := tracker.GetBatchStatus(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if status != batch.StatusFailed {
		t.Fatalf("expected failed when every item failed, got %s", status)
	}
}

func TestTerminalItemsAreImmutable(t *testing.T) {
	tracker := newTracker(t, "")
	ctx := context.Background()

	batchID, err := tracker.CreateBatch(ctx, "reprocess", []batch.ItemSpec{{Label: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.UpdateItem(ctx, batchID, "a", batch.StatusDone, "ok"); err != nil {
		t.Fatal(err)
	}
	err = tracker.UpdateItem(ctx, batchID, "a", batch.StatusFailed, "late failure")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error updating a terminal item, got %v", err)
	}
}

func TestUpdateUnknownItem(t *testing.T) {
	tracker := newTracker(t, "")
	ctx := context.Background()

	batchID, err := tracker.CreateBatch(ctx, "reprocess", []batch.ItemSpec{{Label: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	err = tracker.UpdateItem(ctx, batchID, "missing", batch.StatusDone, "")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	tracker := newTracker(t, "")
	ctx := context.Background()

	if _, err := tracker.CreateBatch(ctx, "reprocess", nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}
	_, err := tracker.CreateBatch(ctx, "reprocess", []batch.ItemSpec{{Label: "a"}, {Label: "a"}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for duplicate labels, got %v", err)
	}
}
