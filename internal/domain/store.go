package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	Name   string
	Status *ActivityStatus
}

// ActivityStore persists group-buy activities and their counters.
type ActivityStore interface {
	Create(ctx context.Context, a Activity) (Activity, error)
	Update(ctx context.Context, a Activity) error
	Withdraw(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (Activity, error)
	List(ctx context.Context, filter ActivityFilter, opts ListOpts) ([]Activity, error)

	// AddSold and IncGroupCount are best-effort statistics, deliberately
	// decoupled from the conditional stock reservation.
	AddSold(ctx context.Context, id int64, n int) error
	IncGroupCount(ctx context.Context, id int64) error
}

// StockLedger holds the remaining sellable quantity for an activity and
// supports atomic conditional reservation. Reserve decrements the pool by
// qty only if at least qty remains, reporting whether it did; there is no
// partial reservation. Release reverses a reservation unconditionally.
type StockLedger interface {
	Reserve(ctx context.Context, activityID int64, qty int) (bool, error)
	Release(ctx context.Context, activityID int64, qty int) error
}

// GroupStore persists group instances. Every mutating method that targets a
// forming instance uses a conditional write keyed on the expected current
// state, returning false when the row no longer matches; callers re-read and
// decide, they never overwrite blindly.
type GroupStore interface {
	Create(ctx context.Context, g GroupInstance) (GroupInstance, error)
	GetByID(ctx context.Context, id int64) (GroupInstance, error)

	// HasFormingLeader reports whether the leader already owns a forming
	// instance of the activity.
	HasFormingLeader(ctx context.Context, activityID, leaderID int64) (bool, error)

	// IncrementSize grows current_size by one only if the row still holds
	// expectSize members and is still forming. Returns false when the
	// conditional update matched no row.
	IncrementSize(ctx context.Context, id int64, expectSize int) (bool, error)

	// DecrementSize undoes one increment, used only to compensate a join
	// whose membership insert lost a duplicate race after the size was
	// already taken. Conditional on the instance still forming at expectSize.
	DecrementSize(ctx context.Context, id int64, expectSize int) (bool, error)

	// Complete transitions forming -> succeeded and stamps the completion
	// time. Returns false if the instance already left the forming state.
	Complete(ctx context.Context, id int64, at time.Time) (bool, error)

	// Fail transitions forming -> failed. Returns false if the instance
	// already left the forming state.
	Fail(ctx context.Context, id int64) (bool, error)

	ListOpenByActivity(ctx context.Context, activityID int64, now time.Time, limit int) ([]GroupInstance, error)
	ListByShopper(ctx context.Context, shopperID int64, opts ListOpts) ([]GroupInstance, error)

	// ListExpired returns forming instances whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]GroupInstance, error)

	// ListUnsettled returns filled instances still marked forming: the
	// anomaly left behind by a crash between the size increment and the
	// stock reservation. The sweeper re-drives these through settlement.
	ListUnsettled(ctx context.Context, limit int) ([]GroupInstance, error)

	// ListTerminalBefore returns succeeded or failed instances completed or
	// created before the cutoff, for cold export.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]GroupInstance, error)
}

// MembershipStore persists participation records. Insert returns
// ErrAlreadyJoined when the (group, shopper) pair already exists.
type MembershipStore interface {
	Insert(ctx context.Context, m Membership) (Membership, error)
	Exists(ctx context.Context, groupID, shopperID int64) (bool, error)
	ListByGroup(ctx context.Context, groupID int64) ([]Membership, error)

	// CountActiveByActivity counts the shopper's memberships across all
	// non-failed instances of an activity, for the per-user join limit.
	CountActiveByActivity(ctx context.Context, activityID, shopperID int64) (int, error)
}
