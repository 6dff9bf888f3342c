package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

func newAdmin(store *memStore) *AdminService {
	svc := NewAdminService(store, nil, testLogger())
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestCreateActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("valid activity gets defaults", func(t *testing.T) {
		store := newMemStore()
		svc := newAdmin(store)

		in := testActivity()
		in.ExpireHours = 0
		in.SoldCount = 99
		in.GroupCount = 7
		in.Withdrawn = true

		created, err := svc.CreateActivity(ctx, in)
		if err != nil {
			t.Fatalf("CreateActivity: %v", err)
		}
		if created.ID == 0 {
			t.Fatalf("created activity has no id")
		}
		if created.ExpireHours != domain.DefaultExpireHours {
			t.Fatalf("ExpireHours = %d, want %d", created.ExpireHours, domain.DefaultExpireHours)
		}
		// Counters and the withdrawn flag are not writable at creation.
		if created.SoldCount != 0 || created.GroupCount != 0 || created.Withdrawn {
			t.Fatalf("counters leaked into created activity: %+v", created)
		}
	})

	t.Run("invalid activity rejected with all problems", func(t *testing.T) {
		store := newMemStore()
		svc := newAdmin(store)

		in := testActivity()
		in.GroupSize = 1
		in.GroupPrice = 80
		in.OriginalPrice = 59.9

		_, err := svc.CreateActivity(ctx, in)
		if !errors.Is(err, domain.ErrInvalidActivity) {
			t.Fatalf("err = %v, want ErrInvalidActivity", err)
		}
		for _, want := range []string{"group_size", "original_price"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q misses %q", err, want)
			}
		}
	})
}

func TestUpdateActivityPreservesCounters(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newAdmin(store)

	seed := testActivity()
	seed.SoldCount = 3
	seed.GroupCount = 2
	act := store.addActivity(seed)

	edit := act
	edit.Name = "weekday veggie box"
	edit.Stock = 20
	edit.SoldCount = 0
	edit.GroupCount = 0

	updated, err := svc.UpdateActivity(ctx, edit)
	if err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}
	if updated.Name != "weekday veggie box" || updated.Stock != 20 {
		t.Fatalf("edit not applied: %+v", updated)
	}
	if updated.SoldCount != 3 || updated.GroupCount != 2 {
		t.Fatalf("counters clobbered: sold=%d groups=%d", updated.SoldCount, updated.GroupCount)
	}

	stored, _ := store.GetByID(ctx, act.ID)
	if stored.SoldCount != 3 || stored.Name != "weekday veggie box" {
		t.Fatalf("stored row = %+v", stored)
	}
}

func TestUpdateActivityUnknown(t *testing.T) {
	svc := newAdmin(newMemStore())

	a := testActivity()
	a.ID = 404
	_, err := svc.UpdateActivity(context.Background(), a)
	if !errors.Is(err, domain.ErrActivityNotFound) {
		t.Fatalf("err = %v, want ErrActivityNotFound", err)
	}
}

func TestWithdrawActivityStopsFormation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newAdmin(store)
	act := store.addActivity(testActivity())

	if err := svc.WithdrawActivity(ctx, act.ID); err != nil {
		t.Fatalf("WithdrawActivity: %v", err)
	}

	stored, _ := store.GetByID(ctx, act.ID)
	if !stored.Withdrawn {
		t.Fatalf("activity not marked withdrawn")
	}
	if got := stored.StatusAt(testNow); got != domain.ActivityStatusWithdrawn {
		t.Fatalf("status = %s, want withdrawn", got)
	}

	formation := newFormation(store, nil)
	if _, err := formation.StartGroup(ctx, act.ID, 1); !errors.Is(err, domain.ErrActivityNotActive) {
		t.Fatalf("StartGroup after withdraw: err = %v, want ErrActivityNotActive", err)
	}
}
