package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lingxian/groupbuy/internal/domain"
)

// GroupStore implements domain.GroupStore using PostgreSQL. Every transition
// away from forming, and every size change, carries the expected prior state
// in its WHERE clause; a zero affected-row count means another actor got
// there first and the caller must re-read.
type GroupStore struct {
	pool *pgxpool.Pool
}

// NewGroupStore creates a GroupStore backed by the given connection pool.
func NewGroupStore(pool *pgxpool.Pool) *GroupStore {
	return &GroupStore{pool: pool}
}

const groupSelectCols = `id, group_no, activity_id, leader_id, group_size,
	current_size, group_price, status, deadline, completed_at, created_at`

func scanGroup(scanner interface{ Scan(dest ...any) error }) (domain.GroupInstance, error) {
	var g domain.GroupInstance
	var status string
	err := scanner.Scan(
		&g.ID, &g.GroupNo, &g.ActivityID, &g.LeaderID, &g.GroupSize,
		&g.CurrentSize, &g.GroupPrice, &status, &g.Deadline,
		&g.CompletedAt, &g.CreatedAt,
	)
	if err != nil {
		return domain.GroupInstance{}, err
	}
	g.Status = domain.GroupStatus(status)
	return g, nil
}

func scanGroupRows(rows pgx.Rows) ([]domain.GroupInstance, error) {
	var groups []domain.GroupInstance
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Create inserts a new forming instance and returns it with its generated ID.
func (s *GroupStore) Create(ctx context.Context, g domain.GroupInstance) (domain.GroupInstance, error) {
	const query = `
		INSERT INTO group_instances (
			group_no, activity_id, leader_id, group_size, current_size,
			group_price, status, deadline
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + groupSelectCols

	row := s.pool.QueryRow(ctx, query,
		g.GroupNo, g.ActivityID, g.LeaderID, g.GroupSize, g.CurrentSize,
		g.GroupPrice, string(g.Status), g.Deadline,
	)

	created, err := scanGroup(row)
	if err != nil {
		return domain.GroupInstance{}, fmt.Errorf("postgres: create group %s: %w", g.GroupNo, err)
	}
	return created, nil
}

// GetByID retrieves a single group instance.
func (s *GroupStore) GetByID(ctx context.Context, id int64) (domain.GroupInstance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+groupSelectCols+` FROM group_instances WHERE id = $1`, id)

	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GroupInstance{}, domain.ErrGroupNotFound
		}
		return domain.GroupInstance{}, fmt.Errorf("postgres: get group %d: %w", id, err)
	}
	return g, nil
}

// HasFormingLeader reports whether the leader already owns a forming instance
// of the activity.
func (s *GroupStore) HasFormingLeader(ctx context.Context, activityID, leaderID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM group_instances
			WHERE activity_id = $1 AND leader_id = $2 AND status = 'forming'
		)`,
		activityID, leaderID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check forming leader: %w", err)
	}
	return exists, nil
}

// IncrementSize performs the optimistic increment: current_size grows by one
// only if the row still shows expectSize members and is still forming.
// Exactly one of any set of concurrent callers that read the same size wins.
func (s *GroupStore) IncrementSize(ctx context.Context, id int64, expectSize int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE group_instances SET current_size = current_size + 1
		 WHERE id = $1 AND current_size = $2 AND status = 'forming'`,
		id, expectSize)
	if err != nil {
		return false, fmt.Errorf("postgres: increment group %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DecrementSize compensates a failed join after its increment already landed.
// Conditional on the instance still forming at expectSize so it can never
// undo someone else's slot.
func (s *GroupStore) DecrementSize(ctx context.Context, id int64, expectSize int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE group_instances SET current_size = current_size - 1
		 WHERE id = $1 AND current_size = $2 AND status = 'forming' AND current_size > 1`,
		id, expectSize)
	if err != nil {
		return false, fmt.Errorf("postgres: decrement group %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete transitions forming -> succeeded and stamps the completion time.
func (s *GroupStore) Complete(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE group_instances SET status = 'succeeded', completed_at = $2
		 WHERE id = $1 AND status = 'forming'`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("postgres: complete group %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail transitions forming -> failed. Losing this conditional write is not an
// error for callers: it means another actor already resolved the instance.
func (s *GroupStore) Fail(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE group_instances SET status = 'failed'
		 WHERE id = $1 AND status = 'forming'`,
		id)
	if err != nil {
		return false, fmt.Errorf("postgres: fail group %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListOpenByActivity returns forming, unexpired instances of an activity,
// soonest deadline first.
func (s *GroupStore) ListOpenByActivity(ctx context.Context, activityID int64, now time.Time, limit int) ([]domain.GroupInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupSelectCols+` FROM group_instances
		 WHERE activity_id = $1 AND status = 'forming' AND deadline > $2
		 ORDER BY deadline ASC
		 LIMIT $3`,
		activityID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open groups activity %d: %w", activityID, err)
	}
	defer rows.Close()

	groups, err := scanGroupRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open groups: %w", err)
	}
	return groups, nil
}

// ListByShopper returns every instance the shopper participates in, newest
// first.
func (s *GroupStore) ListByShopper(ctx context.Context, shopperID int64, opts domain.ListOpts) ([]domain.GroupInstance, error) {
	query := `SELECT g.id, g.group_no, g.activity_id, g.leader_id, g.group_size,
			g.current_size, g.group_price, g.status, g.deadline, g.completed_at,
			g.created_at
		FROM group_instances g
		JOIN memberships m ON m.group_id = g.id
		WHERE m.shopper_id = $1
		ORDER BY g.created_at DESC`
	args := []any{shopperID}

	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET $3"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list groups by shopper %d: %w", shopperID, err)
	}
	defer rows.Close()

	groups, err := scanGroupRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan groups by shopper: %w", err)
	}
	return groups, nil
}

// ListExpired returns forming instances whose deadline has passed, oldest
// deadline first, for the sweeper.
func (s *GroupStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.GroupInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupSelectCols+` FROM group_instances
		 WHERE status = 'forming' AND deadline < $1
		 ORDER BY deadline ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired groups: %w", err)
	}
	defer rows.Close()

	groups, err := scanGroupRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired groups: %w", err)
	}
	return groups, nil
}

// ListUnsettled returns filled instances still marked forming. These are left
// behind when a crash separates the filling increment from the stock
// reservation; the sweeper re-drives them through settlement.
func (s *GroupStore) ListUnsettled(ctx context.Context, limit int) ([]domain.GroupInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupSelectCols+` FROM group_instances
		 WHERE status = 'forming' AND current_size = group_size
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled groups: %w", err)
	}
	defer rows.Close()

	groups, err := scanGroupRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unsettled groups: %w", err)
	}
	return groups, nil
}

// ListTerminalBefore returns terminal instances created before the cutoff,
// oldest first, for cold export.
func (s *GroupStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.GroupInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupSelectCols+` FROM group_instances
		 WHERE status <> 'forming' AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal groups: %w", err)
	}
	defer rows.Close()

	groups, err := scanGroupRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal groups: %w", err)
	}
	return groups, nil
}

var _ domain.GroupStore = (*GroupStore)(nil)
