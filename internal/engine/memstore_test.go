package engine

import (
	"context"
	"sync"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// memStore is an in-memory implementation of the store interfaces with the
// same atomicity granularity as the SQL implementation: each call is atomic,
// the gaps between calls are not. That keeps the optimistic-concurrency
// races observable while letting the tests run without a database.
type memStore struct {
	mu         sync.Mutex
	activities map[int64]domain.Activity
	groups     map[int64]domain.GroupInstance
	members    map[int64][]domain.Membership
	nextAct    int64
	nextGroup  int64
	nextMember int64
}

func newMemStore() *memStore {
	return &memStore{
		activities: make(map[int64]domain.Activity),
		groups:     make(map[int64]domain.GroupInstance),
		members:    make(map[int64][]domain.Membership),
	}
}

func (m *memStore) addActivity(a domain.Activity) domain.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAct++
	a.ID = m.nextAct
	m.activities[a.ID] = a
	return a
}

// --- domain.ActivityStore ---

func (m *memStore) Create(ctx context.Context, a domain.Activity) (domain.Activity, error) {
	return m.addActivity(a), nil
}

func (m *memStore) Update(ctx context.Context, a domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activities[a.ID]; !ok {
		return domain.ErrActivityNotFound
	}
	m.activities[a.ID] = a
	return nil
}

func (m *memStore) Withdraw(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[id]
	if !ok {
		return domain.ErrActivityNotFound
	}
	a.Withdrawn = true
	m.activities[id] = a
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id int64) (domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[id]
	if !ok {
		return domain.Activity{}, domain.ErrActivityNotFound
	}
	return a, nil
}

func (m *memStore) List(ctx context.Context, filter domain.ActivityFilter, opts domain.ListOpts) ([]domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Activity
	for _, a := range m.activities {
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) AddSold(ctx context.Context, id int64, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.activities[id]
	a.SoldCount += n
	m.activities[id] = a
	return nil
}

func (m *memStore) IncGroupCount(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.activities[id]
	a.GroupCount++
	m.activities[id] = a
	return nil
}

// --- domain.StockLedger ---

func (m *memStore) Reserve(ctx context.Context, activityID int64, qty int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[activityID]
	if !ok || a.Stock < qty {
		return false, nil
	}
	a.Stock -= qty
	m.activities[activityID] = a
	return true, nil
}

func (m *memStore) Release(ctx context.Context, activityID int64, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[activityID]
	if !ok {
		return domain.ErrActivityNotFound
	}
	a.Stock += qty
	m.activities[activityID] = a
	return nil
}

// --- domain.GroupStore ---

func (m *memStore) CreateGroup(ctx context.Context, g domain.GroupInstance) (domain.GroupInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGroup++
	g.ID = m.nextGroup
	g.CreatedAt = time.Now()
	m.groups[g.ID] = g
	return g, nil
}

func (m *memStore) GetGroup(ctx context.Context, id int64) (domain.GroupInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return domain.GroupInstance{}, domain.ErrGroupNotFound
	}
	return g, nil
}

func (m *memStore) HasFormingLeader(ctx context.Context, activityID, leaderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.ActivityID == activityID && g.LeaderID == leaderID && g.Status == domain.GroupStatusForming {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) IncrementSize(ctx context.Context, id int64, expectSize int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok || g.Status != domain.GroupStatusForming || g.CurrentSize != expectSize {
		return false, nil
	}
	if g.CurrentSize+1 > g.GroupSize {
		return false, nil
	}
	g.CurrentSize++
	m.groups[id] = g
	return true, nil
}

func (m *memStore) DecrementSize(ctx context.Context, id int64, expectSize int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok || g.Status != domain.GroupStatusForming || g.CurrentSize != expectSize || g.CurrentSize <= 1 {
		return false, nil
	}
	g.CurrentSize--
	m.groups[id] = g
	return true, nil
}

func (m *memStore) Complete(ctx context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok || g.Status != domain.GroupStatusForming {
		return false, nil
	}
	g.Status = domain.GroupStatusSucceeded
	g.CompletedAt = &at
	m.groups[id] = g
	return true, nil
}

func (m *memStore) Fail(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok || g.Status != domain.GroupStatusForming {
		return false, nil
	}
	g.Status = domain.GroupStatusFailed
	m.groups[id] = g
	return true, nil
}

func (m *memStore) ListOpenByActivity(ctx context.Context, activityID int64, now time.Time, limit int) ([]domain.GroupInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GroupInstance
	for _, g := range m.groups {
		if g.ActivityID == activityID && g.Status == domain.GroupStatusForming && g.Deadline.After(now) {
			out = append(out, g)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListByShopper(ctx context.Context, shopperID int64, opts domain.ListOpts) ([]domain.GroupInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GroupInstance
	for gid, members := range m.members {
		for _, mem := range members {
			if mem.ShopperID == shopperID {
				out = append(out, m.groups[gid])
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.GroupInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GroupInstance
	for _, g := range m.groups {
		if g.Status == domain.GroupStatusForming && g.Deadline.Before(now) {
			out = append(out, g)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListUnsettled(ctx context.Context, limit int) ([]domain.GroupInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GroupInstance
	for _, g := range m.groups {
		if g.Status == domain.GroupStatusForming && g.CurrentSize == g.GroupSize {
			out = append(out, g)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.GroupInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GroupInstance
	for _, g := range m.groups {
		if g.Status.Terminal() && g.CreatedAt.Before(cutoff) {
			out = append(out, g)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- domain.MembershipStore ---

func (m *memStore) Insert(ctx context.Context, mem domain.Membership) (domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.members[mem.GroupID] {
		if existing.ShopperID == mem.ShopperID {
			return domain.Membership{}, domain.ErrAlreadyJoined
		}
	}
	m.nextMember++
	mem.ID = m.nextMember
	m.members[mem.GroupID] = append(m.members[mem.GroupID], mem)
	return mem, nil
}

func (m *memStore) Exists(ctx context.Context, groupID, shopperID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.members[groupID] {
		if existing.ShopperID == shopperID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListByGroup(ctx context.Context, groupID int64) ([]domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Membership(nil), m.members[groupID]...), nil
}

func (m *memStore) CountActiveByActivity(ctx context.Context, activityID, shopperID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for gid, members := range m.members {
		g := m.groups[gid]
		if g.ActivityID != activityID || g.Status == domain.GroupStatusFailed {
			continue
		}
		for _, mem := range members {
			if mem.ShopperID == shopperID {
				count++
			}
		}
	}
	return count, nil
}

// groupStoreAdapter maps the memStore's Group-prefixed methods onto
// domain.GroupStore, whose Create/GetByID names collide with the activity
// side of memStore.
type groupStoreAdapter struct{ *memStore }

func (a groupStoreAdapter) Create(ctx context.Context, g domain.GroupInstance) (domain.GroupInstance, error) {
	return a.CreateGroup(ctx, g)
}

func (a groupStoreAdapter) GetByID(ctx context.Context, id int64) (domain.GroupInstance, error) {
	return a.GetGroup(ctx, id)
}

// memBus records published events for assertions.
type memBus struct {
	mu     sync.Mutex
	events [][]byte
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, payload)
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

var (
	_ domain.ActivityStore   = (*memStore)(nil)
	_ domain.StockLedger     = (*memStore)(nil)
	_ domain.MembershipStore = (*memStore)(nil)
	_ domain.GroupStore      = groupStoreAdapter{}
	_ domain.SignalBus       = (*memBus)(nil)
)
