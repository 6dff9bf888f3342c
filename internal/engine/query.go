package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// openGroupsLimit caps the open-instance listing per activity, matching the
// storefront widget that shows joinable groups.
const openGroupsLimit = 10

// InstanceDetail is a group instance together with its ordered member list.
type InstanceDetail struct {
	Group   domain.GroupInstance
	Members []domain.Membership
}

// QueryService serves the read side of the engine: instance detail and open
// listings. Open listings go through the Redis cache; everything else reads
// the store directly.
type QueryService struct {
	groups      domain.GroupStore
	memberships domain.MembershipStore
	cache       domain.GroupCache
	now         clock
	logger      *slog.Logger
}

// NewQueryService creates a QueryService. cache may be nil.
func NewQueryService(
	groups domain.GroupStore,
	memberships domain.MembershipStore,
	cache domain.GroupCache,
	logger *slog.Logger,
) *QueryService {
	return &QueryService{
		groups:      groups,
		memberships: memberships,
		cache:       cache,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "query")),
	}
}

// GetInstance returns the instance and its members in join order.
func (s *QueryService) GetInstance(ctx context.Context, groupID int64) (InstanceDetail, error) {
	group, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return InstanceDetail{}, err
	}

	members, err := s.memberships.ListByGroup(ctx, groupID)
	if err != nil {
		return InstanceDetail{}, fmt.Errorf("engine: list members: %w", err)
	}

	return InstanceDetail{Group: group, Members: members}, nil
}

// ListOpenInstances returns the activity's forming, unexpired instances,
// soonest deadline first. Served from cache when fresh.
func (s *QueryService) ListOpenInstances(ctx context.Context, activityID int64) ([]domain.GroupInstance, error) {
	if s.cache != nil {
		groups, err := s.cache.GetOpen(ctx, activityID)
		if err == nil {
			return groups, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "open groups cache read failed",
				slog.Int64("activity_id", activityID),
				slog.String("error", err.Error()),
			)
		}
	}

	groups, err := s.groups.ListOpenByActivity(ctx, activityID, s.now(), openGroupsLimit)
	if err != nil {
		return nil, fmt.Errorf("engine: list open groups: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetOpen(ctx, activityID, groups); err != nil {
			s.logger.WarnContext(ctx, "open groups cache write failed",
				slog.Int64("activity_id", activityID),
				slog.String("error", err.Error()),
			)
		}
	}
	return groups, nil
}

// ListByShopper returns every instance the shopper participates in.
func (s *QueryService) ListByShopper(ctx context.Context, shopperID int64, opts domain.ListOpts) ([]domain.GroupInstance, error) {
	return s.groups.ListByShopper(ctx, shopperID, opts)
}
