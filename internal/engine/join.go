package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// joinRetries bounds the optimistic-concurrency loop. Each retry re-reads
// the instance, so three attempts absorb realistic contention on a single
// group; anything beyond that surfaces as ErrConflict, which callers may
// retry immediately.
const joinRetries = 3

// JoinService adds members to forming group instances. Two shoppers racing
// for the last slot are resolved by a conditional increment keyed on the
// size each of them read: exactly one wins the slot, and the winner of the
// final slot settles the group against the activity's stock pool.
type JoinService struct {
	activities  domain.ActivityStore
	groups      domain.GroupStore
	memberships domain.MembershipStore
	ledger      domain.StockLedger
	bus         domain.SignalBus
	cache       domain.GroupCache
	now         clock
	logger      *slog.Logger
}

// NewJoinService creates a JoinService. bus and cache may be nil.
func NewJoinService(
	activities domain.ActivityStore,
	groups domain.GroupStore,
	memberships domain.MembershipStore,
	ledger domain.StockLedger,
	bus domain.SignalBus,
	cache domain.GroupCache,
	logger *slog.Logger,
) *JoinService {
	return &JoinService{
		activities:  activities,
		groups:      groups,
		memberships: memberships,
		ledger:      ledger,
		bus:         bus,
		cache:       cache,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "join")),
	}
}

// JoinGroup adds the shopper to the instance. On success it returns the
// instance's state after this join: forming with the updated count, or
// succeeded when this very call filled the last slot and stock reservation
// held.
//
// Failure modes: ErrGroupNotFound, ErrGroupFinished, ErrGroupExpired (the
// call finalizes an expired instance as failed on the spot rather than
// waiting for the sweeper), ErrAlreadyJoined, ErrJoinLimitReached,
// ErrConflict after exhausted retries, and ErrSettlementFailed when the
// group filled but the stock pool could not back it.
func (s *JoinService) JoinGroup(ctx context.Context, groupID, shopperID int64) (domain.JoinResult, error) {
	for attempt := 0; attempt < joinRetries; attempt++ {
		result, retry, err := s.tryJoin(ctx, groupID, shopperID)
		if err != nil {
			return domain.JoinResult{}, err
		}
		if retry {
			continue
		}
		return result, nil
	}
	return domain.JoinResult{}, domain.ErrConflict
}

// tryJoin performs one optimistic attempt: read, validate, conditionally
// increment, insert membership, settle if filled. retry=true means the
// conditional increment lost to a concurrent writer and the caller should
// re-read.
func (s *JoinService) tryJoin(ctx context.Context, groupID, shopperID int64) (domain.JoinResult, bool, error) {
	now := s.now()

	group, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return domain.JoinResult{}, false, err
	}

	if group.Status.Terminal() {
		return domain.JoinResult{}, false, domain.ErrGroupFinished
	}
	if group.ExpiredAt(now) {
		// Finalize lazily instead of waiting for the sweeper. Losing this
		// conditional write means another actor resolved the instance first;
		// either way the join is rejected.
		if failed, err := s.groups.Fail(ctx, group.ID); err == nil && failed {
			s.onGroupFailed(ctx, group, 0, now)
		}
		return domain.JoinResult{}, false, domain.ErrGroupExpired
	}
	if group.Full() {
		// Filled but not yet settled by its completing join (or a crash left
		// it unresolved for the sweeper). Either way there is no open slot.
		return domain.JoinResult{}, false, domain.ErrGroupFinished
	}

	joined, err := s.memberships.Exists(ctx, group.ID, shopperID)
	if err != nil {
		return domain.JoinResult{}, false, fmt.Errorf("engine: check membership: %w", err)
	}
	if joined {
		return domain.JoinResult{}, false, domain.ErrAlreadyJoined
	}

	activity, err := s.activities.GetByID(ctx, group.ActivityID)
	if err != nil {
		return domain.JoinResult{}, false, fmt.Errorf("engine: load activity %d: %w", group.ActivityID, err)
	}
	if activity.LimitPerUser > 0 {
		count, err := s.memberships.CountActiveByActivity(ctx, group.ActivityID, shopperID)
		if err != nil {
			return domain.JoinResult{}, false, fmt.Errorf("engine: count memberships: %w", err)
		}
		if count >= activity.LimitPerUser {
			return domain.JoinResult{}, false, domain.ErrJoinLimitReached
		}
	}

	// The race for the slot: succeeds only if nothing mutated the row since
	// the read above.
	won, err := s.groups.IncrementSize(ctx, group.ID, group.CurrentSize)
	if err != nil {
		return domain.JoinResult{}, false, fmt.Errorf("engine: increment size: %w", err)
	}
	if !won {
		return domain.JoinResult{}, true, nil
	}
	newSize := group.CurrentSize + 1

	if _, err := s.memberships.Insert(ctx, domain.Membership{
		GroupID:   group.ID,
		ShopperID: shopperID,
		JoinedAt:  now,
	}); err != nil {
		if errors.Is(err, domain.ErrAlreadyJoined) {
			// Two calls for the same shopper raced past the Exists check and
			// both won an increment; give the surplus slot back.
			if _, derr := s.groups.DecrementSize(ctx, group.ID, newSize); derr != nil {
				s.logger.ErrorContext(ctx, "compensating decrement failed",
					slog.Int64("group_id", group.ID),
					slog.String("error", derr.Error()),
				)
			}
			return domain.JoinResult{}, false, domain.ErrAlreadyJoined
		}
		return domain.JoinResult{}, false, fmt.Errorf("engine: insert membership: %w", err)
	}

	invalidateOpenGroups(ctx, s.cache, s.logger, group.ActivityID)

	if newSize < group.GroupSize {
		publishEvent(ctx, s.bus, s.logger, domain.GroupEvent{
			Type:        domain.EventGroupJoined,
			GroupID:     group.ID,
			GroupNo:     group.GroupNo,
			ActivityID:  group.ActivityID,
			ShopperID:   shopperID,
			CurrentSize: newSize,
			GroupSize:   group.GroupSize,
			Status:      domain.GroupStatusForming,
			At:          now,
		})
		return domain.JoinResult{
			Status:      domain.GroupStatusForming,
			CurrentSize: newSize,
			GroupSize:   group.GroupSize,
		}, false, nil
	}

	// This caller took the last slot and owns settlement.
	return s.settle(ctx, group, shopperID, now)
}

// settle re-validates inventory for a just-filled group. Group slots and
// stock are reserved at different times, so the completing join must confirm
// the activity's pool can still back a full group before declaring success.
func (s *JoinService) settle(ctx context.Context, group domain.GroupInstance, shopperID int64, now time.Time) (domain.JoinResult, bool, error) {
	reserved, err := s.ledger.Reserve(ctx, group.ActivityID, group.GroupSize)
	if err != nil {
		return domain.JoinResult{}, false, fmt.Errorf("engine: reserve stock: %w", err)
	}

	if !reserved {
		// A filled group with no inventory behind it cannot be honored.
		failed, err := s.groups.Fail(ctx, group.ID)
		if err != nil {
			return domain.JoinResult{}, false, fmt.Errorf("engine: fail unsettleable group: %w", err)
		}
		if !failed {
			// The conditional fail lost: another actor resolved the
			// instance between our reserve and now. The reconciler can
			// grab the last stock and complete the group in that window,
			// in which case this join was honored; report the outcome the
			// other actor reached, not a failure.
			resolved, err := s.groups.GetByID(ctx, group.ID)
			if err != nil {
				return domain.JoinResult{}, false, fmt.Errorf("engine: reread unsettleable group: %w", err)
			}
			if resolved.Status == domain.GroupStatusFailed {
				return domain.JoinResult{}, false, domain.ErrSettlementFailed
			}
			return domain.JoinResult{
				Status:      domain.GroupStatusSucceeded,
				CurrentSize: resolved.CurrentSize,
				GroupSize:   resolved.GroupSize,
			}, false, nil
		}
		s.onGroupFailed(ctx, group, shopperID, now)
		s.logger.WarnContext(ctx, "settlement failed, stock exhausted",
			slog.Int64("group_id", group.ID),
			slog.Int64("activity_id", group.ActivityID),
			slog.Int("group_size", group.GroupSize),
		)
		return domain.JoinResult{}, false, domain.ErrSettlementFailed
	}

	completed, err := s.groups.Complete(ctx, group.ID, now)
	if err != nil {
		return domain.JoinResult{}, false, fmt.Errorf("engine: complete group: %w", err)
	}
	if !completed {
		// Another actor (sweeper reconciliation) resolved the instance
		// concurrently and owns the sold count and the event; our
		// reservation is surplus either way, so give it back and report the
		// outcome the other actor reached.
		if err := s.ledger.Release(ctx, group.ActivityID, group.GroupSize); err != nil {
			s.logger.ErrorContext(ctx, "release after lost completion failed",
				slog.Int64("group_id", group.ID),
				slog.String("error", err.Error()),
			)
		}
		resolved, err := s.groups.GetByID(ctx, group.ID)
		if err != nil {
			return domain.JoinResult{}, false, fmt.Errorf("engine: reread resolved group: %w", err)
		}
		if resolved.Status == domain.GroupStatusFailed {
			return domain.JoinResult{}, false, domain.ErrSettlementFailed
		}
		return domain.JoinResult{
			Status:      domain.GroupStatusSucceeded,
			CurrentSize: resolved.CurrentSize,
			GroupSize:   resolved.GroupSize,
		}, false, nil
	}

	if err := s.activities.AddSold(ctx, group.ActivityID, group.GroupSize); err != nil {
		s.logger.WarnContext(ctx, "add sold count failed",
			slog.Int64("activity_id", group.ActivityID),
			slog.String("error", err.Error()),
		)
	}

	publishEvent(ctx, s.bus, s.logger, domain.GroupEvent{
		Type:        domain.EventGroupSucceeded,
		GroupID:     group.ID,
		GroupNo:     group.GroupNo,
		ActivityID:  group.ActivityID,
		ShopperID:   shopperID,
		CurrentSize: group.GroupSize,
		GroupSize:   group.GroupSize,
		Status:      domain.GroupStatusSucceeded,
		At:          now,
	})

	s.logger.InfoContext(ctx, "group succeeded",
		slog.Int64("group_id", group.ID),
		slog.String("group_no", group.GroupNo),
		slog.Int64("activity_id", group.ActivityID),
		slog.Int("group_size", group.GroupSize),
	)

	return domain.JoinResult{
		Status:      domain.GroupStatusSucceeded,
		CurrentSize: group.GroupSize,
		GroupSize:   group.GroupSize,
	}, false, nil
}

// onGroupFailed publishes the failure event shared by the expiry and
// settlement-failure paths.
func (s *JoinService) onGroupFailed(ctx context.Context, group domain.GroupInstance, shopperID int64, now time.Time) {
	invalidateOpenGroups(ctx, s.cache, s.logger, group.ActivityID)
	publishEvent(ctx, s.bus, s.logger, domain.GroupEvent{
		Type:        domain.EventGroupFailed,
		GroupID:     group.ID,
		GroupNo:     group.GroupNo,
		ActivityID:  group.ActivityID,
		ShopperID:   shopperID,
		CurrentSize: group.CurrentSize,
		GroupSize:   group.GroupSize,
		Status:      domain.GroupStatusFailed,
		At:          now,
	})
}
