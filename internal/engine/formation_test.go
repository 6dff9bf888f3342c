package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testActivity is active at testNow with a 3-person group and stock for two
// full groups.
func testActivity() domain.Activity {
	return domain.Activity{
		Name:          "weekend veggie box",
		ProductID:     42,
		OriginalPrice: 59.9,
		GroupPrice:    39.9,
		GroupSize:     3,
		Stock:         6,
		ExpireHours:   24,
		StartTime:     testNow.Add(-time.Hour),
		EndTime:       testNow.Add(48 * time.Hour),
	}
}

// signalBus avoids handing a typed-nil *memBus to the interface parameter.
func signalBus(bus *memBus) domain.SignalBus {
	if bus == nil {
		return nil
	}
	return bus
}

func newFormation(store *memStore, bus *memBus) *FormationService {
	svc := NewFormationService(store, groupStoreAdapter{store}, store, signalBus(bus), nil, testLogger())
	svc.now = func() time.Time { return testNow }
	return svc
}

func newJoin(store *memStore, bus *memBus) *JoinService {
	svc := NewJoinService(store, groupStoreAdapter{store}, store, store, signalBus(bus), nil, testLogger())
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestStartGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("creates forming instance with leader", func(t *testing.T) {
		store := newMemStore()
		act := store.addActivity(testActivity())
		svc := newFormation(store, nil)

		g, err := svc.StartGroup(ctx, act.ID, 100)
		if err != nil {
			t.Fatalf("StartGroup: %v", err)
		}
		if g.Status != domain.GroupStatusForming {
			t.Errorf("status = %q, want forming", g.Status)
		}
		if g.CurrentSize != 1 {
			t.Errorf("current_size = %d, want 1 (leader counts)", g.CurrentSize)
		}
		if g.GroupSize != act.GroupSize {
			t.Errorf("group_size = %d, want %d", g.GroupSize, act.GroupSize)
		}
		if g.GroupPrice != act.GroupPrice {
			t.Errorf("price snapshot = %v, want %v", g.GroupPrice, act.GroupPrice)
		}
		if want := testNow.Add(24 * time.Hour); !g.Deadline.Equal(want) {
			t.Errorf("deadline = %v, want %v", g.Deadline, want)
		}
		if !strings.HasPrefix(g.GroupNo, "PT") {
			t.Errorf("group_no = %q, want PT prefix", g.GroupNo)
		}

		members, _ := store.ListByGroup(ctx, g.ID)
		if len(members) != 1 || !members[0].IsLeader || members[0].ShopperID != 100 {
			t.Errorf("leader membership = %+v, want single leader row for shopper 100", members)
		}

		updated, _ := store.GetByID(ctx, act.ID)
		if updated.GroupCount != 1 {
			t.Errorf("group_count = %d, want 1", updated.GroupCount)
		}
	})

	t.Run("unknown activity", func(t *testing.T) {
		store := newMemStore()
		svc := newFormation(store, nil)

		if _, err := svc.StartGroup(ctx, 999, 100); !errors.Is(err, domain.ErrActivityNotFound) {
			t.Errorf("err = %v, want ErrActivityNotFound", err)
		}
	})

	t.Run("outside window or withdrawn", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*domain.Activity)
		}{
			{"not started", func(a *domain.Activity) { a.StartTime = testNow.Add(time.Hour) }},
			{"ended", func(a *domain.Activity) { a.EndTime = testNow.Add(-time.Minute) }},
			{"withdrawn", func(a *domain.Activity) { a.Withdrawn = true }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				store := newMemStore()
				a := testActivity()
				tt.mutate(&a)
				act := store.addActivity(a)
				svc := newFormation(store, nil)

				if _, err := svc.StartGroup(ctx, act.ID, 100); !errors.Is(err, domain.ErrActivityNotActive) {
					t.Errorf("err = %v, want ErrActivityNotActive", err)
				}
			})
		}
	})

	t.Run("zero stock is advisory rejection", func(t *testing.T) {
		store := newMemStore()
		a := testActivity()
		a.Stock = 0
		act := store.addActivity(a)
		svc := newFormation(store, nil)

		if _, err := svc.StartGroup(ctx, act.ID, 100); !errors.Is(err, domain.ErrOutOfStock) {
			t.Errorf("err = %v, want ErrOutOfStock", err)
		}
	})

	t.Run("one forming group per leader per activity", func(t *testing.T) {
		store := newMemStore()
		act := store.addActivity(testActivity())
		svc := newFormation(store, nil)

		if _, err := svc.StartGroup(ctx, act.ID, 100); err != nil {
			t.Fatalf("first StartGroup: %v", err)
		}
		if _, err := svc.StartGroup(ctx, act.ID, 100); !errors.Is(err, domain.ErrDuplicateGroup) {
			t.Errorf("second StartGroup err = %v, want ErrDuplicateGroup", err)
		}
		// A different leader is unaffected.
		if _, err := svc.StartGroup(ctx, act.ID, 200); err != nil {
			t.Errorf("different leader StartGroup: %v", err)
		}
	})

	t.Run("per-user limit counts prior memberships", func(t *testing.T) {
		store := newMemStore()
		a := testActivity()
		a.LimitPerUser = 1
		act := store.addActivity(a)
		formation := newFormation(store, nil)
		join := newJoin(store, nil)

		g, err := formation.StartGroup(ctx, act.ID, 100)
		if err != nil {
			t.Fatalf("StartGroup: %v", err)
		}
		if _, err := join.JoinGroup(ctx, g.ID, 200); err != nil {
			t.Fatalf("JoinGroup: %v", err)
		}

		// Shopper 200 has one non-failed membership; a second start hits the limit.
		if _, err := formation.StartGroup(ctx, act.ID, 200); !errors.Is(err, domain.ErrJoinLimitReached) {
			t.Errorf("err = %v, want ErrJoinLimitReached", err)
		}
	})
}
