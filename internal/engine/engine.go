// Package engine implements the group-buy formation and settlement engine:
// starting groups, resolving concurrent joins, settling filled groups against
// the activity's stock pool, and expiring stale instances. Correctness under
// concurrent callers relies entirely on the stores' conditional-write
// primitives; no in-process lock is held across a storage call.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// clock abstracts time.Now so tests can pin the wall clock.
type clock func() time.Time

// publishEvent serializes a group lifecycle event onto the activity's bus
// channel. Event delivery is best-effort; a publish failure never fails the
// operation that produced it.
func publishEvent(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, ev domain.GroupEvent) {
	if bus == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logger.ErrorContext(ctx, "engine: marshal event",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := bus.Publish(ctx, domain.EventChannel(ev.ActivityID), payload); err != nil {
		logger.WarnContext(ctx, "engine: publish event",
			slog.String("type", ev.Type),
			slog.Int64("group_id", ev.GroupID),
			slog.String("error", err.Error()),
		)
	}
}

// invalidateOpenGroups drops the cached open-group listing after a mutation.
// Best-effort: the cache TTL bounds staleness anyway.
func invalidateOpenGroups(ctx context.Context, cache domain.GroupCache, logger *slog.Logger, activityID int64) {
	if cache == nil {
		return
	}
	if err := cache.Invalidate(ctx, activityID); err != nil {
		logger.WarnContext(ctx, "engine: invalidate open groups cache",
			slog.Int64("activity_id", activityID),
			slog.String("error", err.Error()),
		)
	}
}
