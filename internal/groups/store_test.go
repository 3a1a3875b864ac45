package groups_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"orrery/internal/groups"
	"orrery/internal/store"
	"orrery/internal/testsupport"
)

func newGroup(t *testing.T, st *store.Store, gs *groups.Store, members ...string) *groups.Group {
	t.Helper()
	if len(members) == 0 {
		members = []string{"/data/u1.ms", "/data/u2.ms"}
	}
	group := &groups.Group{
		ID:          uuid.NewString(),
		Members:     members,
		WindowStart: time.Date(2026, 1, 10, 4, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 1, 10, 4, 50, 0, 0, time.UTC),
	}
	err := st.InTx(context.Background(), func(tx *sql.Tx) error {
		return gs.InsertTx(context.Background(), tx, group)
	})
	if err != nil {
		t.Fatalf("insert group: %v", err)
	}
	return group
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)

	created := newGroup(t, st, gs, "/data/a.ms", "/data/b.ms", "/data/c.ms")

	loaded, err := gs.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if loaded.Stage != groups.StageFormed {
		t.Fatalf("expected stage formed, got %s", loaded.Stage)
	}
	if loaded.Status != groups.StatusPending {
		t.Fatalf("expected status pending, got %s", loaded.Status)
	}
	if len(loaded.Members) != 3 || loaded.Members[1] != "/data/b.ms" {
		t.Fatalf("member round trip mismatch: %v", loaded.Members)
	}
	if !loaded.WindowStart.Equal(created.WindowStart) {
		t.Fatalf("window start mismatch: %v", loaded.WindowStart)
	}
}

func TestGetMissingGroup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)

	if _, err := gs.GetByID(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing group")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	group := newGroup(t, st, gs)

	claimed, err := gs.Claim(ctx, group.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("expected first claim to succeed")
	}

	again, err := gs.Claim(ctx, group.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Fatal("expected second claim to fail while in_progress")
	}
}

func TestCompleteStageAdvancesLadder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	group := newGroup(t, st, gs)

	for _, next := range []groups.Stage{groups.StageCalibrated, groups.StageImaged, groups.StageMosaicked, groups.StageDone} {
		if _, err := gs.Claim(ctx, group.ID, 3); err != nil {
			t.Fatal(err)
		}
		group.Status = groups.StatusInProgress
		err := st.InTx(ctx, func(tx *sql.Tx) error {
			return gs.CompleteStageTx(ctx, tx, group, next, "/staging/out")
		})
		if err != nil {
			t.Fatalf("complete %s: %v", next, err)
		}
	}

	loaded, err := gs.GetByID(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Stage != groups.StageDone || loaded.Status != groups.StatusDone {
		t.Fatalf("expected done/done, got %s/%s", loaded.Stage, loaded.Status)
	}
	if !loaded.Terminal() {
		t.Fatal("expected terminal group")
	}
	for _, stage := range []groups.Stage{groups.StageCalibrated, groups.StageImaged, groups.StageMosaicked, groups.StageDone} {
		if _, ok := loaded.StageTimestamps[stage]; !ok {
			t.Fatalf("missing stage timestamp for %s", stage)
		}
	}
}

func TestCompleteStageRejectsStaleState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	group := newGroup(t, st, gs)
	// Not claimed: still pending, so the conditional update must not match.
	err := st.InTx(ctx, func(tx *sql.Tx) error {
		return gs.CompleteStageTx(ctx, tx, group, groups.StageCalibrated, "")
	})
	if err == nil {
		t.Fatal("expected completion of unclaimed group to fail")
	}
}

func TestMarkFailedAndRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	group := newGroup(t, st, gs)
	if _, err := gs.Claim(ctx, group.ID, 3); err != nil {
		t.Fatal(err)
	}
	if err := gs.MarkFailed(ctx, group.ID, "calibration solver exited 1"); err != nil {
		t.Fatal(err)
	}

	loaded, err := gs.GetByID(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != groups.StatusFailed || loaded.Attempts != 1 {
		t.Fatalf("expected failed with 1 attempt, got %s/%d", loaded.Status, loaded.Attempts)
	}
	if loaded.LastError == "" {
		t.Fatal("expected failure reason to be recorded")
	}

	// Failed groups below the attempt cap stay runnable at the same stage.
	runnable, err := gs.NextRunnable(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if runnable == nil || runnable.ID != group.ID {
		t.Fatal("expected failed group to remain runnable")
	}
	if runnable.Stage != groups.StageFormed {
		t.Fatalf("expected retry at the unfinished stage, got %s", runnable.Stage)
	}

	// Exhausted groups drop out until an operator resets them.
	if runnable, err = gs.NextRunnable(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if runnable != nil {
		t.Fatal("expected no runnable group once attempts are exhausted")
	}

	if err := gs.ResetForRetry(ctx, group.ID); err != nil {
		t.Fatal(err)
	}
	loaded, err = gs.GetByID(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != groups.StatusPending || loaded.Attempts != 0 {
		t.Fatalf("expected pending with reset attempts, got %s/%d", loaded.Status, loaded.Attempts)
	}
}

func TestRunnableListsEveryEligibleGroup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	first := newGroup(t, st, gs)
	second := newGroup(t, st, gs)

	runnable, err := gs.Runnable(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runnable) != 2 {
		t.Fatalf("expected both pending groups listed, got %d", len(runnable))
	}

	// A group mid-claim drops out; the other stays listed.
	if _, err := gs.Claim(ctx, first.ID, 3); err != nil {
		t.Fatal(err)
	}
	runnable, err = gs.Runnable(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runnable) != 1 || runnable[0].ID != second.ID {
		t.Fatalf("expected only the unclaimed group, got %+v", runnable)
	}
}

func TestMarkFailedPermanentParksGroup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	group := newGroup(t, st, gs)
	if _, err := gs.Claim(ctx, group.ID, 3); err != nil {
		t.Fatal(err)
	}
	if err := gs.MarkFailedPermanent(ctx, group.ID, "no bandpass artifact covers the window", 3); err != nil {
		t.Fatal(err)
	}

	loaded, err := gs.GetByID(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != groups.StatusFailed || loaded.Attempts != 3 {
		t.Fatalf("expected failed at the attempt cap, got %s/%d", loaded.Status, loaded.Attempts)
	}

	runnable, err := gs.NextRunnable(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if runnable != nil {
		t.Fatal("expected parked group to stay off the schedule")
	}

	// Only an operator reset puts it back.
	if err := gs.ResetForRetry(ctx, group.ID); err != nil {
		t.Fatal(err)
	}
	runnable, err = gs.NextRunnable(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if runnable == nil || runnable.ID != group.ID {
		t.Fatal("expected reset group runnable again")
	}
}

func TestResetForRetryRequiresFailedStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)

	group := newGroup(t, st, gs)
	if err := gs.ResetForRetry(context.Background(), group.ID); err == nil {
		t.Fatal("expected retry of pending group to be rejected")
	}
}

func TestReclaimStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	group := newGroup(t, st, gs)
	if _, err := gs.Claim(ctx, group.ID, 3); err != nil {
		t.Fatal(err)
	}

	// A cutoff in the future treats the fresh heartbeat as expired.
	reclaimed, err := gs.ReclaimStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected one reclaimed group, got %d", reclaimed)
	}

	loaded, err := gs.GetByID(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != groups.StatusPending {
		t.Fatalf("expected reclaimed group pending, got %s", loaded.Status)
	}
	if loaded.LastError == "" {
		t.Fatal("expected reclaim reason to be recorded")
	}
}

func TestResetStuckInProgressAtStartup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	group := newGroup(t, st, gs)
	if _, err := gs.Claim(ctx, group.ID, 3); err != nil {
		t.Fatal(err)
	}

	reset, err := gs.ResetStuckInProgress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if reset != 1 {
		t.Fatalf("expected one reset group, got %d", reset)
	}

	loaded, err := gs.GetByID(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != groups.StatusPending || loaded.LastError != groups.DaemonStopReason {
		t.Fatalf("unexpected state after reset: %s %q", loaded.Status, loaded.LastError)
	}
}

func TestHealthCounts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	gs := groups.NewStore(st)
	ctx := context.Background()

	first := newGroup(t, st, gs, "/data/a.ms")
	newGroup(t, st, gs, "/data/b.ms")
	if _, err := gs.Claim(ctx, first.ID, 3); err != nil {
		t.Fatal(err)
	}

	health, err := gs.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if health.Total != 2 || health.Pending != 1 || health.InProgress != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestNextStageLadder(t *testing.T) {
	cases := []struct {
		from groups.Stage
		want groups.Stage
		ok   bool
	}{
		{groups.StageFormed, groups.StageCalibrated, true},
		{groups.StageCalibrated, groups.StageImaged, true},
		{groups.StageImaged, groups.StageMosaicked, true},
		{groups.StageMosaicked, groups.StageDone, true},
		{groups.StageDone, "", false},
		{"bogus", "", false},
	}
	for _, tc := range cases {
		got, ok := groups.NextStage(tc.from)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NextStage(%s) = %s,%v; want %s,%v", tc.from, got, ok, tc.want, tc.ok)
		}
	}
}
