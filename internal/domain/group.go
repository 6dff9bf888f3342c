package domain

import "time"

// GroupStatus represents the lifecycle state of a group instance. Succeeded
// and failed are terminal: no instance ever leaves either state.
type GroupStatus string

const (
	GroupStatusForming   GroupStatus = "forming"
	GroupStatusSucceeded GroupStatus = "succeeded"
	GroupStatusFailed    GroupStatus = "failed"
)

// Terminal reports whether the status is one of the two final states.
func (s GroupStatus) Terminal() bool {
	return s == GroupStatusSucceeded || s == GroupStatusFailed
}

// GroupInstance is one concrete attempt, started by a leader, to fill a group
// for an activity. The leader counts as the first member, so CurrentSize is
// at least 1 from creation onward. GroupPrice is snapshotted from the
// activity at formation time. Terminal instances are never deleted; they are
// the audit trail for the order and refund systems downstream.
type GroupInstance struct {
	ID          int64
	GroupNo     string
	ActivityID  int64
	LeaderID    int64
	GroupSize   int
	CurrentSize int
	GroupPrice  float64
	Status      GroupStatus
	Deadline    time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// ExpiredAt reports whether the instance's deadline has passed at the given
// instant while the instance is still forming.
func (g GroupInstance) ExpiredAt(now time.Time) bool {
	return g.Status == GroupStatusForming && now.After(g.Deadline)
}

// Full reports whether every slot of the group is taken.
func (g GroupInstance) Full() bool {
	return g.CurrentSize >= g.GroupSize
}

// Membership is a shopper's participation record in one group instance. A
// shopper appears at most once per instance; rows are never mutated or
// deleted.
type Membership struct {
	ID        int64
	GroupID   int64
	ShopperID int64
	IsLeader  bool
	JoinedAt  time.Time
}

// JoinResult is the outcome of a join call returned to the caller: either the
// group is still forming with the updated count, or this very call completed
// the group and settlement succeeded.
type JoinResult struct {
	Status      GroupStatus
	CurrentSize int
	GroupSize   int
}
