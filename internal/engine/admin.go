package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// AdminService manages the activity catalog: creating and editing group-buy
// campaigns and pulling them from sale. Stock and sold counters are owned by
// the settlement path; admin edits never touch them directly except through
// Update's explicit stock field.
type AdminService struct {
	activities domain.ActivityStore
	cache      domain.GroupCache
	now        clock
	logger     *slog.Logger
}

// NewAdminService creates an AdminService. cache may be nil.
func NewAdminService(activities domain.ActivityStore, cache domain.GroupCache, logger *slog.Logger) *AdminService {
	return &AdminService{
		activities: activities,
		cache:      cache,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "admin")),
	}
}

// validateActivity rejects activities that could never form a valid group.
func validateActivity(a domain.Activity) error {
	var problems []string
	if strings.TrimSpace(a.Name) == "" {
		problems = append(problems, "name must not be empty")
	}
	if a.ProductID <= 0 {
		problems = append(problems, "product_id must be positive")
	}
	if a.GroupSize < 2 {
		problems = append(problems, "group_size must be at least 2")
	}
	if a.GroupPrice <= 0 {
		problems = append(problems, "group_price must be positive")
	}
	if a.OriginalPrice < a.GroupPrice {
		problems = append(problems, "original_price must not be below group_price")
	}
	if a.Stock < 0 {
		problems = append(problems, "stock must not be negative")
	}
	if a.LimitPerUser < 0 {
		problems = append(problems, "limit_per_user must not be negative")
	}
	if !a.EndTime.After(a.StartTime) {
		problems = append(problems, "end_time must be after start_time")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidActivity, strings.Join(problems, "; "))
	}
	return nil
}

// CreateActivity validates and persists a new activity.
func (s *AdminService) CreateActivity(ctx context.Context, a domain.Activity) (domain.Activity, error) {
	if a.ExpireHours <= 0 {
		a.ExpireHours = domain.DefaultExpireHours
	}
	if err := validateActivity(a); err != nil {
		return domain.Activity{}, err
	}
	a.Withdrawn = false
	a.SoldCount = 0
	a.GroupCount = 0

	created, err := s.activities.Create(ctx, a)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("engine: create activity: %w", err)
	}

	s.logger.InfoContext(ctx, "activity created",
		slog.Int64("activity_id", created.ID),
		slog.String("name", created.Name),
		slog.Int("group_size", created.GroupSize),
		slog.Int("stock", created.Stock),
	)
	return created, nil
}

// UpdateActivity validates and persists edits to an existing activity. The
// sold and group counters are preserved from the stored row; only catalog
// fields and stock are writable.
func (s *AdminService) UpdateActivity(ctx context.Context, a domain.Activity) (domain.Activity, error) {
	current, err := s.activities.GetByID(ctx, a.ID)
	if err != nil {
		return domain.Activity{}, err
	}

	if a.ExpireHours <= 0 {
		a.ExpireHours = current.ExpireHours
	}
	if err := validateActivity(a); err != nil {
		return domain.Activity{}, err
	}

	a.Withdrawn = current.Withdrawn
	a.SoldCount = current.SoldCount
	a.GroupCount = current.GroupCount

	if err := s.activities.Update(ctx, a); err != nil {
		return domain.Activity{}, fmt.Errorf("engine: update activity: %w", err)
	}

	invalidateOpenGroups(ctx, s.cache, s.logger, a.ID)
	s.logger.InfoContext(ctx, "activity updated", slog.Int64("activity_id", a.ID))
	return a, nil
}

// WithdrawActivity pulls the activity from sale. Forming instances keep
// running to their deadline; only new formations and joins are cut off by the
// activity status check.
func (s *AdminService) WithdrawActivity(ctx context.Context, id int64) error {
	if err := s.activities.Withdraw(ctx, id); err != nil {
		return err
	}
	invalidateOpenGroups(ctx, s.cache, s.logger, id)
	s.logger.InfoContext(ctx, "activity withdrawn", slog.Int64("activity_id", id))
	return nil
}

// GetActivity returns one activity by id.
func (s *AdminService) GetActivity(ctx context.Context, id int64) (domain.Activity, error) {
	return s.activities.GetByID(ctx, id)
}

// ListActivities returns activities matching the filter.
func (s *AdminService) ListActivities(ctx context.Context, filter domain.ActivityFilter, opts domain.ListOpts) ([]domain.Activity, error) {
	return s.activities.List(ctx, filter, opts)
}
