package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

func newSweeper(store *memStore, bus *memBus, locks domain.LockManager) *Sweeper {
	s := NewSweeper(store, groupStoreAdapter{store}, store, signalBus(bus), nil, locks, SweeperConfig{}, testLogger())
	s.now = func() time.Time { return testNow }
	return s
}

// eventTypes decodes the recorded bus payloads into their event types.
func eventTypes(t *testing.T, bus *memBus) []string {
	t.Helper()
	bus.mu.Lock()
	defer bus.mu.Unlock()
	var out []string
	for _, payload := range bus.events {
		var ev domain.GroupEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, ev.Type)
	}
	return out
}

func TestSweeperExpiresStaleGroups(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := &memBus{}

	act := store.addActivity(testActivity())

	// One group past its deadline, one still open.
	stale, _ := store.CreateGroup(ctx, domain.GroupInstance{
		GroupNo:     "PTSTALE000001",
		ActivityID:  act.ID,
		LeaderID:    1,
		GroupSize:   3,
		CurrentSize: 2,
		Status:      domain.GroupStatusForming,
		Deadline:    testNow.Add(-time.Minute),
	})
	open, _ := store.CreateGroup(ctx, domain.GroupInstance{
		GroupNo:     "PTOPEN0000001",
		ActivityID:  act.ID,
		LeaderID:    2,
		GroupSize:   3,
		CurrentSize: 1,
		Status:      domain.GroupStatusForming,
		Deadline:    testNow.Add(time.Hour),
	})

	if err := newSweeper(store, bus, nil).SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	got, _ := store.GetGroup(ctx, stale.ID)
	if got.Status != domain.GroupStatusFailed {
		t.Errorf("stale group status = %q, want failed", got.Status)
	}
	got, _ = store.GetGroup(ctx, open.ID)
	if got.Status != domain.GroupStatusForming {
		t.Errorf("open group status = %q, want forming untouched", got.Status)
	}

	if types := eventTypes(t, bus); len(types) != 1 || types[0] != domain.EventGroupFailed {
		t.Errorf("events = %v, want single %q", types, domain.EventGroupFailed)
	}

	// Expiry never touches stock: nothing was reserved for a group that
	// never filled.
	updated, _ := store.GetByID(ctx, act.ID)
	if updated.Stock != 6 {
		t.Errorf("stock = %d, want 6", updated.Stock)
	}

	// A join after the sweep sees the terminal instance.
	if _, err := newJoin(store, nil).JoinGroup(ctx, stale.ID, 99); !errors.Is(err, domain.ErrGroupFinished) {
		t.Errorf("late join err = %v, want ErrGroupFinished", err)
	}
}

func TestSweeperReconcilesUnsettledGroup(t *testing.T) {
	ctx := context.Background()

	// A crash between the filling increment and settlement leaves a forming
	// instance at full size. The sweeper must settle it, not expire it.
	t.Run("stock available", func(t *testing.T) {
		store := newMemStore()
		bus := &memBus{}
		act := store.addActivity(testActivity())

		g, _ := store.CreateGroup(ctx, domain.GroupInstance{
			GroupNo:     "PTSTUCK000001",
			ActivityID:  act.ID,
			LeaderID:    1,
			GroupSize:   3,
			CurrentSize: 3,
			Status:      domain.GroupStatusForming,
			Deadline:    testNow.Add(-time.Minute), // past deadline and filled
		})

		if err := newSweeper(store, bus, nil).SweepOnce(ctx); err != nil {
			t.Fatalf("SweepOnce: %v", err)
		}

		got, _ := store.GetGroup(ctx, g.ID)
		if got.Status != domain.GroupStatusSucceeded {
			t.Errorf("status = %q, want succeeded", got.Status)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(testNow) {
			t.Errorf("completed_at = %v, want %v", got.CompletedAt, testNow)
		}

		updated, _ := store.GetByID(ctx, act.ID)
		if updated.Stock != 3 {
			t.Errorf("stock = %d, want 3", updated.Stock)
		}
		if updated.SoldCount != 3 {
			t.Errorf("sold_count = %d, want 3", updated.SoldCount)
		}

		if types := eventTypes(t, bus); len(types) != 1 || types[0] != domain.EventGroupSucceeded {
			t.Errorf("events = %v, want single %q", types, domain.EventGroupSucceeded)
		}
	})

	t.Run("stock exhausted", func(t *testing.T) {
		store := newMemStore()
		bus := &memBus{}
		a := testActivity()
		a.Stock = 2 // less than one full group
		act := store.addActivity(a)

		g, _ := store.CreateGroup(ctx, domain.GroupInstance{
			GroupNo:     "PTSTUCK000002",
			ActivityID:  act.ID,
			LeaderID:    1,
			GroupSize:   3,
			CurrentSize: 3,
			Status:      domain.GroupStatusForming,
			Deadline:    testNow.Add(time.Hour),
		})

		if err := newSweeper(store, bus, nil).SweepOnce(ctx); err != nil {
			t.Fatalf("SweepOnce: %v", err)
		}

		got, _ := store.GetGroup(ctx, g.ID)
		if got.Status != domain.GroupStatusFailed {
			t.Errorf("status = %q, want failed", got.Status)
		}

		// The failed reservation attempt must not have bled stock.
		updated, _ := store.GetByID(ctx, act.ID)
		if updated.Stock != 2 {
			t.Errorf("stock = %d, want 2", updated.Stock)
		}
		if updated.SoldCount != 0 {
			t.Errorf("sold_count = %d, want 0", updated.SoldCount)
		}

		if types := eventTypes(t, bus); len(types) != 1 || types[0] != domain.EventGroupFailed {
			t.Errorf("events = %v, want single %q", types, domain.EventGroupFailed)
		}
	})
}

func TestSweeperLeavesTerminalGroupsAlone(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := &memBus{}
	act := store.addActivity(testActivity())

	done := testNow.Add(-time.Hour)
	succeeded, _ := store.CreateGroup(ctx, domain.GroupInstance{
		GroupNo:     "PTDONE0000001",
		ActivityID:  act.ID,
		GroupSize:   3,
		CurrentSize: 3,
		Status:      domain.GroupStatusSucceeded,
		Deadline:    testNow.Add(-time.Minute),
		CompletedAt: &done,
	})
	failed, _ := store.CreateGroup(ctx, domain.GroupInstance{
		GroupNo:     "PTDEAD0000001",
		ActivityID:  act.ID,
		GroupSize:   3,
		CurrentSize: 1,
		Status:      domain.GroupStatusFailed,
		Deadline:    testNow.Add(-time.Minute),
	})

	if err := newSweeper(store, bus, nil).SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	got, _ := store.GetGroup(ctx, succeeded.ID)
	if got.Status != domain.GroupStatusSucceeded {
		t.Errorf("succeeded group mutated to %q", got.Status)
	}
	got, _ = store.GetGroup(ctx, failed.ID)
	if got.Status != domain.GroupStatusFailed {
		t.Errorf("failed group mutated to %q", got.Status)
	}
	if types := eventTypes(t, bus); len(types) != 0 {
		t.Errorf("events = %v, want none", types)
	}
}

// heldLock always reports the lock as taken by another replica.
type heldLock struct{}

func (heldLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestSweeperSkipsTickWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	act := store.addActivity(testActivity())

	stale, _ := store.CreateGroup(ctx, domain.GroupInstance{
		GroupNo:     "PTSTALE000002",
		ActivityID:  act.ID,
		GroupSize:   3,
		CurrentSize: 1,
		Status:      domain.GroupStatusForming,
		Deadline:    testNow.Add(-time.Minute),
	})

	if err := newSweeper(store, nil, heldLock{}).SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce under held lock: %v", err)
	}

	got, _ := store.GetGroup(ctx, stale.ID)
	if got.Status != domain.GroupStatusForming {
		t.Errorf("status = %q, want forming (tick skipped)", got.Status)
	}
}
