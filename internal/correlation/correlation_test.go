package correlation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestTracker() *Tracker {
	return NewTracker(slog.Default())
}

func TestNew_UniqueIDs(t *testing.T) {
	tracker := newTestTracker()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		cc := tracker.New("escrow-release", "alice", "settlecore", "release")
		if !strings.HasPrefix(cc.ID, "corr-") {
			t.Fatalf("ID %q missing corr- prefix", cc.ID)
		}
		if seen[cc.ID] {
			t.Fatalf("duplicate ID %q", cc.ID)
		}
		seen[cc.ID] = true
	}
}

func TestNew_Fields(t *testing.T) {
	tracker := newTestTracker()

	cc := tracker.New("split-payment", "merchant", "settlecore", "execute")
	if cc.Flow != "split-payment" || cc.InitiatedBy != "merchant" {
		t.Fatalf("unexpected context: %+v", cc)
	}
	if cc.ParentID != "" || cc.RootID != "" {
		t.Fatal("root context must have empty ParentID and RootID")
	}
	if cc.Root() != cc.ID {
		t.Fatalf("Root() = %q, want own ID %q", cc.Root(), cc.ID)
	}
}

func TestDeriveChild_Lineage(t *testing.T) {
	tracker := newTestTracker()

	root := tracker.New("escrow-release", "alice", "gateway", "release")
	child := tracker.DeriveChild(root, "settlecore", "wallet-credit")
	grandchild := tracker.DeriveChild(child, "wallet", "credit")

	if child.ParentID != root.ID || child.RootID != root.ID {
		t.Fatalf("child lineage wrong: %+v", child)
	}
	if grandchild.ParentID != child.ID {
		t.Fatalf("grandchild ParentID = %q, want %q", grandchild.ParentID, child.ID)
	}
	if grandchild.RootID != root.ID {
		t.Fatalf("grandchild RootID = %q, want %q", grandchild.RootID, root.ID)
	}
	if child.Flow != root.Flow || child.InitiatedBy != root.InitiatedBy {
		t.Fatal("child must inherit Flow and InitiatedBy")
	}

	chain := tracker.Chain(grandchild.ID)
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if chain[0].ID != root.ID || chain[2].ID != grandchild.ID {
		t.Fatal("chain must be ordered root first")
	}
}

func TestTrackStep_Lifecycle(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	cc := tracker.New("treasury-withdraw", "bob", "settlecore", "withdraw")

	_, okStep := tracker.TrackStep(ctx, cc, "wallet-credit")
	if okStep.Status != StepStarted {
		t.Fatalf("status = %s, want started", okStep.Status)
	}
	tracker.CompleteStep(okStep, nil)

	_, badStep := tracker.TrackStep(ctx, cc, "ledger-append")
	tracker.CompleteStep(badStep, errors.New("db down"))

	steps := tracker.Steps(cc.ID)
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].Status != StepCompleted || steps[0].FinishedAt == nil {
		t.Fatalf("first step = %+v, want completed with FinishedAt", steps[0])
	}
	if steps[1].Status != StepFailed || steps[1].Detail != "db down" {
		t.Fatalf("second step = %+v, want failed with detail", steps[1])
	}
}

func TestCleanup_DropsOldContexts(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	old := tracker.New("escrow-release", "alice", "settlecore", "release")
	tracker.TrackStep(ctx, old, "stale-step")
	fresh := tracker.New("escrow-release", "bob", "settlecore", "release")

	// Age the first context past the cutoff.
	tracker.mu.Lock()
	tracker.history[0].CreatedAt = time.Now().Add(-2 * time.Hour)
	tracker.mu.Unlock()

	removed := tracker.Cleanup(time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if tracker.Get(old.ID) != nil {
		t.Fatal("old context should be gone")
	}
	if got := tracker.Steps(old.ID); len(got) != 0 {
		t.Fatal("old context steps should be gone")
	}
	if tracker.Get(fresh.ID) == nil {
		t.Fatal("fresh context should survive")
	}
}

func TestIdempotency_NewThenExisting(t *testing.T) {
	idem := NewIdempotency(NewMemoryIdempotencyStore(), slog.Default())
	ctx := context.Background()

	outcome, err := idem.Check(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeNew {
		t.Fatalf("kind = %s, want new", outcome.Kind)
	}

	if err := idem.StoreResult(ctx, "op-1", "POST /v1/escrows", "alice", []byte(`{"id":1}`), time.Minute); err != nil {
		t.Fatal(err)
	}

	outcome, err = idem.Check(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeExisting {
		t.Fatalf("kind = %s, want existing", outcome.Kind)
	}
	if string(outcome.Record.Result) != `{"id":1}` {
		t.Fatalf("result = %s", outcome.Record.Result)
	}
	if outcome.Record.Principal != "alice" {
		t.Fatalf("principal = %s", outcome.Record.Principal)
	}
}

func TestIdempotency_ExpiredPurgedOnLookup(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	idem := NewIdempotency(store, slog.Default())
	ctx := context.Background()

	if err := idem.StoreResult(ctx, "op-2", "POST /v1/treasury/deposit", "bob", []byte("ok"), -time.Second); err != nil {
		t.Fatal(err)
	}

	outcome, err := idem.Check(ctx, "op-2")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeExpired {
		t.Fatalf("kind = %s, want expired", outcome.Kind)
	}
	if len(store.Keys()) != 0 {
		t.Fatal("expired record should be purged during lookup")
	}

	// Key is reusable after purge.
	outcome, err = idem.Check(ctx, "op-2")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != OutcomeNew {
		t.Fatalf("kind = %s, want new after purge", outcome.Kind)
	}
}

func TestIdempotency_EmptyKeyRejected(t *testing.T) {
	idem := NewIdempotency(NewMemoryIdempotencyStore(), slog.Default())
	ctx := context.Background()

	if _, err := idem.Check(ctx, ""); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("err = %v, want ErrKeyRequired", err)
	}
	if err := idem.StoreResult(ctx, "", "op", "p", nil, time.Minute); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("err = %v, want ErrKeyRequired", err)
	}
}

func TestIdempotency_Cleanup(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	idem := NewIdempotency(store, slog.Default())
	ctx := context.Background()

	if err := idem.StoreResult(ctx, "live", "op", "p", nil, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := idem.StoreResult(ctx, "stale-1", "op", "p", nil, -time.Second); err != nil {
		t.Fatal(err)
	}
	if err := idem.StoreResult(ctx, "stale-2", "op", "p", nil, -time.Minute); err != nil {
		t.Fatal(err)
	}

	removed, err := idem.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	keys := store.Keys()
	if len(keys) != 1 || keys[0] != "live" {
		t.Fatalf("keys = %v, want [live]", keys)
	}
}
