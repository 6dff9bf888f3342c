package domain

import (
	"context"
	"time"
)

// GroupCache is a short-lived read cache for the open-group listing of an
// activity. It is advisory only; the store remains authoritative.
type GroupCache interface {
	SetOpen(ctx context.Context, activityID int64, groups []GroupInstance) error
	GetOpen(ctx context.Context, activityID int64) ([]GroupInstance, error)
	Invalidate(ctx context.Context, activityID int64) error
}

// SignalBus is a lightweight publish/subscribe channel for group lifecycle
// events. Subscribers receive raw payloads; the returned channel closes when
// the context is cancelled.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LockManager provides distributed mutual exclusion, used to keep the expiry
// sweep single-flight across replicas.
type LockManager interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned unlock
	// function is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter limits request rates per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
