package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lingxian/groupbuy/internal/domain"
)

// ActivityStore implements domain.ActivityStore and domain.StockLedger on
// the activities table. The stock column doubles as the ledger: reservation
// is a single conditional decrement, so serialization across all group
// instances of an activity happens inside PostgreSQL.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore creates an ActivityStore backed by the given pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

const activitySelectCols = `id, name, product_id, original_price, group_price,
	group_size, limit_per_user, stock, sold_count, group_count, expire_hours,
	withdrawn, start_time, end_time, description, created_at, updated_at`

func scanActivity(scanner interface{ Scan(dest ...any) error }) (domain.Activity, error) {
	var a domain.Activity
	err := scanner.Scan(
		&a.ID, &a.Name, &a.ProductID, &a.OriginalPrice, &a.GroupPrice,
		&a.GroupSize, &a.LimitPerUser, &a.Stock, &a.SoldCount, &a.GroupCount,
		&a.ExpireHours, &a.Withdrawn, &a.StartTime, &a.EndTime, &a.Description,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// Create inserts a new activity and returns it with its generated ID.
func (s *ActivityStore) Create(ctx context.Context, a domain.Activity) (domain.Activity, error) {
	const query = `
		INSERT INTO activities (
			name, product_id, original_price, group_price, group_size,
			limit_per_user, stock, expire_hours, withdrawn,
			start_time, end_time, description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + activitySelectCols

	row := s.pool.QueryRow(ctx, query,
		a.Name, a.ProductID, a.OriginalPrice, a.GroupPrice, a.GroupSize,
		a.LimitPerUser, a.Stock, a.ExpireHours, a.Withdrawn,
		a.StartTime, a.EndTime, a.Description,
	)

	created, err := scanActivity(row)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("postgres: create activity: %w", err)
	}
	return created, nil
}

// Update rewrites the administrator-editable fields of an activity. Counters
// and the withdrawn flag have dedicated methods and are not touched here.
func (s *ActivityStore) Update(ctx context.Context, a domain.Activity) error {
	const query = `
		UPDATE activities SET
			name = $2, product_id = $3, original_price = $4, group_price = $5,
			group_size = $6, limit_per_user = $7, stock = $8, expire_hours = $9,
			start_time = $10, end_time = $11, description = $12,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		a.ID, a.Name, a.ProductID, a.OriginalPrice, a.GroupPrice,
		a.GroupSize, a.LimitPerUser, a.Stock, a.ExpireHours,
		a.StartTime, a.EndTime, a.Description,
	)
	if err != nil {
		return fmt.Errorf("postgres: update activity %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

// Withdraw soft-withdraws an activity. The flag is sticky: there is no
// reverse operation.
func (s *ActivityStore) Withdraw(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities SET withdrawn = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: withdraw activity %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

// GetByID retrieves a single activity.
func (s *ActivityStore) GetByID(ctx context.Context, id int64) (domain.Activity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+activitySelectCols+` FROM activities WHERE id = $1`, id)

	a, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Activity{}, domain.ErrActivityNotFound
		}
		return domain.Activity{}, fmt.Errorf("postgres: get activity %d: %w", id, err)
	}
	return a, nil
}

// List returns activities matching the filter, newest first. The status
// filter is applied on the derived status, so the WHERE clause reproduces
// Activity.StatusAt.
func (s *ActivityStore) List(ctx context.Context, filter domain.ActivityFilter, opts domain.ListOpts) ([]domain.Activity, error) {
	query := `SELECT ` + activitySelectCols + ` FROM activities WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name ILIKE $%d", argIdx)
		args = append(args, "%"+filter.Name+"%")
		argIdx++
	}
	if filter.Status != nil {
		switch *filter.Status {
		case domain.ActivityStatusWithdrawn:
			query += " AND withdrawn"
		case domain.ActivityStatusNotStarted:
			query += " AND NOT withdrawn AND start_time > NOW()"
		case domain.ActivityStatusActive:
			query += " AND NOT withdrawn AND start_time <= NOW() AND end_time >= NOW()"
		case domain.ActivityStatusEnded:
			query += " AND NOT withdrawn AND end_time < NOW()"
		}
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list activities: %w", err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Reserve atomically decrements the activity's stock pool by qty only if at
// least qty remains. The WHERE clause is the entire serialization mechanism:
// concurrent reservations for the same activity are ordered by the row lock
// and only those that still see sufficient stock take effect.
func (s *ActivityStore) Reserve(ctx context.Context, activityID int64, qty int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities SET stock = stock - $2, updated_at = NOW()
		 WHERE id = $1 AND stock >= $2`,
		activityID, qty)
	if err != nil {
		return false, fmt.Errorf("postgres: reserve stock activity %d: %w", activityID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release returns qty units to the activity's stock pool. Unconditional;
// used by external reconciliation when a settled group is later refunded.
func (s *ActivityStore) Release(ctx context.Context, activityID int64, qty int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities SET stock = stock + $2, updated_at = NOW() WHERE id = $1`,
		activityID, qty)
	if err != nil {
		return fmt.Errorf("postgres: release stock activity %d: %w", activityID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

// AddSold bumps the cumulative sold counter. Best-effort statistic.
func (s *ActivityStore) AddSold(ctx context.Context, id int64, n int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE activities SET sold_count = sold_count + $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("postgres: add sold activity %d: %w", id, err)
	}
	return nil
}

// IncGroupCount bumps the groups-started counter. Best-effort statistic.
func (s *ActivityStore) IncGroupCount(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE activities SET group_count = group_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: inc group count activity %d: %w", id, err)
	}
	return nil
}

var (
	_ domain.ActivityStore = (*ActivityStore)(nil)
	_ domain.StockLedger   = (*ActivityStore)(nil)
)
