package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingxian/groupbuy/internal/domain"
)

// openGroupsTTL bounds staleness of the open-group listing. The listing is
// advisory (join still validates against the store), so a short TTL is
// enough.
const openGroupsTTL = 15 * time.Second

// GroupCache implements domain.GroupCache using JSON values keyed per
// activity.
//
// Key schema:
//
//	groups:open:{activityID} - JSON array of open instances
type GroupCache struct {
	rdb *redis.Client
}

// NewGroupCache creates a GroupCache backed by the given Client.
func NewGroupCache(c *Client) *GroupCache {
	return &GroupCache{rdb: c.Underlying()}
}

func openGroupsKey(activityID int64) string {
	return "groups:open:" + strconv.FormatInt(activityID, 10)
}

// SetOpen stores the open-group listing for an activity.
func (gc *GroupCache) SetOpen(ctx context.Context, activityID int64, groups []domain.GroupInstance) error {
	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("redis: marshal open groups activity %d: %w", activityID, err)
	}

	if err := gc.rdb.Set(ctx, openGroupsKey(activityID), data, openGroupsTTL).Err(); err != nil {
		return fmt.Errorf("redis: set open groups activity %d: %w", activityID, err)
	}
	return nil
}

// GetOpen retrieves the cached open-group listing for an activity. It returns
// domain.ErrNotFound when the key is absent or expired.
func (gc *GroupCache) GetOpen(ctx context.Context, activityID int64) ([]domain.GroupInstance, error) {
	data, err := gc.rdb.Get(ctx, openGroupsKey(activityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get open groups activity %d: %w", activityID, err)
	}

	var groups []domain.GroupInstance
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("redis: unmarshal open groups activity %d: %w", activityID, err)
	}
	return groups, nil
}

// Invalidate drops the cached listing, called after any mutation of the
// activity's instances.
func (gc *GroupCache) Invalidate(ctx context.Context, activityID int64) error {
	if err := gc.rdb.Del(ctx, openGroupsKey(activityID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate open groups activity %d: %w", activityID, err)
	}
	return nil
}

var _ domain.GroupCache = (*GroupCache)(nil)
