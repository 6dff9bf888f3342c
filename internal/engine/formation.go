package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lingxian/groupbuy/internal/domain"
)

// FormationService starts new group instances. The leader counts as the
// first member, so every instance is created with current_size = 1 and a
// leader membership in place.
type FormationService struct {
	activities  domain.ActivityStore
	groups      domain.GroupStore
	memberships domain.MembershipStore
	bus         domain.SignalBus
	cache       domain.GroupCache
	now         clock
	logger      *slog.Logger
}

// NewFormationService creates a FormationService. bus and cache may be nil;
// events and cache invalidation are then skipped.
func NewFormationService(
	activities domain.ActivityStore,
	groups domain.GroupStore,
	memberships domain.MembershipStore,
	bus domain.SignalBus,
	cache domain.GroupCache,
	logger *slog.Logger,
) *FormationService {
	return &FormationService{
		activities:  activities,
		groups:      groups,
		memberships: memberships,
		bus:         bus,
		cache:       cache,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "formation")),
	}
}

// StartGroup creates a new forming instance for the activity with the given
// leader.
//
// Preconditions, checked in order:
//   - the activity exists (ErrActivityNotFound)
//   - the activity is inside its window and not withdrawn (ErrActivityNotActive)
//   - stock remains (ErrOutOfStock; advisory only, the binding check happens
//     at settlement so a group that never fills locks no inventory)
//   - the leader has no other forming instance of this activity
//     (ErrDuplicateGroup)
//   - the leader is under the activity's per-user limit (ErrJoinLimitReached)
func (s *FormationService) StartGroup(ctx context.Context, activityID, leaderID int64) (domain.GroupInstance, error) {
	now := s.now()

	activity, err := s.activities.GetByID(ctx, activityID)
	if err != nil {
		return domain.GroupInstance{}, err
	}

	if activity.StatusAt(now) != domain.ActivityStatusActive {
		return domain.GroupInstance{}, domain.ErrActivityNotActive
	}
	if activity.Stock <= 0 {
		return domain.GroupInstance{}, domain.ErrOutOfStock
	}

	hasForming, err := s.groups.HasFormingLeader(ctx, activityID, leaderID)
	if err != nil {
		return domain.GroupInstance{}, fmt.Errorf("engine: check forming leader: %w", err)
	}
	if hasForming {
		return domain.GroupInstance{}, domain.ErrDuplicateGroup
	}

	if activity.LimitPerUser > 0 {
		joined, err := s.memberships.CountActiveByActivity(ctx, activityID, leaderID)
		if err != nil {
			return domain.GroupInstance{}, fmt.Errorf("engine: count leader memberships: %w", err)
		}
		if joined >= activity.LimitPerUser {
			return domain.GroupInstance{}, domain.ErrJoinLimitReached
		}
	}

	group := domain.GroupInstance{
		GroupNo:     newGroupNo(),
		ActivityID:  activityID,
		LeaderID:    leaderID,
		GroupSize:   activity.GroupSize,
		CurrentSize: 1,
		GroupPrice:  activity.GroupPrice,
		Status:      domain.GroupStatusForming,
		Deadline:    now.Add(activity.ExpiryDuration()),
	}

	created, err := s.groups.Create(ctx, group)
	if err != nil {
		return domain.GroupInstance{}, fmt.Errorf("engine: create group: %w", err)
	}

	if _, err := s.memberships.Insert(ctx, domain.Membership{
		GroupID:   created.ID,
		ShopperID: leaderID,
		IsLeader:  true,
		JoinedAt:  now,
	}); err != nil {
		// Do not leave a leaderless instance open for joiners; fail it and
		// let the caller retry a fresh start.
		if _, ferr := s.groups.Fail(ctx, created.ID); ferr != nil {
			s.logger.ErrorContext(ctx, "could not fail group after leader insert error",
				slog.Int64("group_id", created.ID),
				slog.String("error", ferr.Error()),
			)
		}
		return domain.GroupInstance{}, fmt.Errorf("engine: insert leader membership: %w", err)
	}

	// Best-effort statistic, deliberately outside the consistency-critical
	// path.
	if err := s.activities.IncGroupCount(ctx, activityID); err != nil {
		s.logger.WarnContext(ctx, "inc group count failed",
			slog.Int64("activity_id", activityID),
			slog.String("error", err.Error()),
		)
	}

	invalidateOpenGroups(ctx, s.cache, s.logger, activityID)
	publishEvent(ctx, s.bus, s.logger, domain.GroupEvent{
		Type:        domain.EventGroupStarted,
		GroupID:     created.ID,
		GroupNo:     created.GroupNo,
		ActivityID:  activityID,
		ShopperID:   leaderID,
		CurrentSize: created.CurrentSize,
		GroupSize:   created.GroupSize,
		Status:      created.Status,
		At:          now,
	})

	s.logger.InfoContext(ctx, "group started",
		slog.Int64("group_id", created.ID),
		slog.String("group_no", created.GroupNo),
		slog.Int64("activity_id", activityID),
		slog.Int64("leader_id", leaderID),
	)

	return created, nil
}

// newGroupNo builds a human-facing group number: a PT prefix plus an
// uppercase uuid fragment, unique enough for support lookups.
func newGroupNo() string {
	return "PT" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
}
