package domain

import "time"

// ActivityStatus represents the lifecycle state of a group-buy activity.
type ActivityStatus string

const (
	ActivityStatusNotStarted ActivityStatus = "not_started"
	ActivityStatusActive     ActivityStatus = "active"
	ActivityStatusEnded      ActivityStatus = "ended"
	ActivityStatusWithdrawn  ActivityStatus = "withdrawn"
)

// Activity is a configured group-buy offer: a product sold at a discounted
// group price when enough shoppers band together. Stock is a finite pool
// shared by every group instance of the activity.
type Activity struct {
	ID            int64
	Name          string
	ProductID     int64
	OriginalPrice float64
	GroupPrice    float64
	GroupSize     int
	LimitPerUser  int
	Stock         int
	SoldCount     int
	GroupCount    int
	ExpireHours   int
	Withdrawn     bool
	StartTime     time.Time
	EndTime       time.Time
	Description   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StatusAt derives the activity status at the given instant. Withdrawn is
// sticky: a withdrawn activity never reactivates, regardless of its window.
func (a Activity) StatusAt(now time.Time) ActivityStatus {
	if a.Withdrawn {
		return ActivityStatusWithdrawn
	}
	if now.Before(a.StartTime) {
		return ActivityStatusNotStarted
	}
	if now.After(a.EndTime) {
		return ActivityStatusEnded
	}
	return ActivityStatusActive
}

// DefaultExpireHours is the group lifetime applied when an activity does not
// set its own.
const DefaultExpireHours = 24

// ExpiryDuration returns how long a newly-formed group of this activity stays
// open before it fails. Activities with no explicit expiry default to 24h.
func (a Activity) ExpiryDuration() time.Duration {
	hours := a.ExpireHours
	if hours <= 0 {
		hours = DefaultExpireHours
	}
	return time.Duration(hours) * time.Hour
}
