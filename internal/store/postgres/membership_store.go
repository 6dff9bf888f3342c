package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lingxian/groupbuy/internal/domain"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// MembershipStore implements domain.MembershipStore using PostgreSQL. The
// at-most-once-per-instance rule lives in the UNIQUE (group_id, shopper_id)
// constraint, not in application code.
type MembershipStore struct {
	pool *pgxpool.Pool
}

// NewMembershipStore creates a MembershipStore backed by the given pool.
func NewMembershipStore(pool *pgxpool.Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

// Insert adds a participation record. It returns domain.ErrAlreadyJoined if
// the shopper already has a row for this group.
func (s *MembershipStore) Insert(ctx context.Context, m domain.Membership) (domain.Membership, error) {
	const query = `
		INSERT INTO memberships (group_id, shopper_id, is_leader, joined_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, group_id, shopper_id, is_leader, joined_at`

	row := s.pool.QueryRow(ctx, query, m.GroupID, m.ShopperID, m.IsLeader, m.JoinedAt)

	var created domain.Membership
	err := row.Scan(&created.ID, &created.GroupID, &created.ShopperID,
		&created.IsLeader, &created.JoinedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Membership{}, domain.ErrAlreadyJoined
		}
		return domain.Membership{}, fmt.Errorf("postgres: insert membership group %d shopper %d: %w",
			m.GroupID, m.ShopperID, err)
	}
	return created, nil
}

// Exists reports whether the shopper already participates in the group.
func (s *MembershipStore) Exists(ctx context.Context, groupID, shopperID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM memberships WHERE group_id = $1 AND shopper_id = $2
		)`,
		groupID, shopperID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check membership: %w", err)
	}
	return exists, nil
}

// ListByGroup returns the members of a group in join order, leader first.
func (s *MembershipStore) ListByGroup(ctx context.Context, groupID int64) ([]domain.Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_id, shopper_id, is_leader, joined_at
		 FROM memberships
		 WHERE group_id = $1
		 ORDER BY joined_at ASC, id ASC`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memberships group %d: %w", groupID, err)
	}
	defer rows.Close()

	var members []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ID, &m.GroupID, &m.ShopperID, &m.IsLeader, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountActiveByActivity counts the shopper's memberships across forming and
// succeeded instances of the activity. Failed groups do not count against the
// per-user limit.
func (s *MembershipStore) CountActiveByActivity(ctx context.Context, activityID, shopperID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM memberships m
		 JOIN group_instances g ON g.id = m.group_id
		 WHERE g.activity_id = $1 AND m.shopper_id = $2 AND g.status <> 'failed'`,
		activityID, shopperID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count memberships activity %d shopper %d: %w",
			activityID, shopperID, err)
	}
	return count, nil
}

var _ domain.MembershipStore = (*MembershipStore)(nil)
