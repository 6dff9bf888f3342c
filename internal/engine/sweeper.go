package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// sweepLockKey keeps the sweep single-flight when several replicas run the
// sweeper mode.
const sweepLockKey = "groupbuy:sweeper"

// SweeperConfig holds tunables for the background expiry sweep.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper is the background pass that finalizes stale instances. Each tick
// it fails forming instances past their deadline and re-drives filled
// instances that a crash left unsettled. All transitions use the same
// conditional-write discipline as the join path, so losing a race to a
// concurrent join is harmless: the instance was resolved either way.
type Sweeper struct {
	activities domain.ActivityStore
	groups     domain.GroupStore
	ledger     domain.StockLedger
	bus        domain.SignalBus
	cache      domain.GroupCache
	locks      domain.LockManager
	cfg        SweeperConfig
	now        clock
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper. locks may be nil (single-replica
// deployments), bus and cache may be nil as elsewhere.
func NewSweeper(
	activities domain.ActivityStore,
	groups domain.GroupStore,
	ledger domain.StockLedger,
	bus domain.SignalBus,
	cache domain.GroupCache,
	locks domain.LockManager,
	cfg SweeperConfig,
	logger *slog.Logger,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Sweeper{
		activities: activities,
		groups:     groups,
		ledger:     ledger,
		bus:        bus,
		cache:      cache,
		locks:      locks,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "sweeper")),
	}
}

// Run executes the sweep on a fixed interval until the context is cancelled.
// An immediate sweep runs on start so restarts do not wait a full interval.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "sweeper starting",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("batch_size", s.cfg.BatchSize),
	)

	if err := s.SweepOnce(ctx); err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce performs a single sweep under the distributed lock. Another
// replica holding the lock is not an error; this replica simply skips the
// tick.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, sweepLockKey, s.cfg.Interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return nil
			}
			return fmt.Errorf("engine: acquire sweep lock: %w", err)
		}
		defer unlock()
	}

	if err := s.expireStale(ctx); err != nil {
		return err
	}
	return s.reconcileUnsettled(ctx)
}

// expireStale fails every forming instance whose deadline has passed. No
// stock action is needed: expiry only applies to instances that never filled
// and therefore never reserved stock.
func (s *Sweeper) expireStale(ctx context.Context) error {
	now := s.now()

	expired, err := s.groups.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("engine: list expired groups: %w", err)
	}

	var failed int
	for _, g := range expired {
		if g.Full() {
			// Filled before its deadline but never settled; the
			// reconciliation pass owns it.
			continue
		}

		won, err := s.groups.Fail(ctx, g.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "fail expired group",
				slog.Int64("group_id", g.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !won {
			// A concurrent join resolved the instance first. Desired outcome
			// either way.
			continue
		}
		failed++

		invalidateOpenGroups(ctx, s.cache, s.logger, g.ActivityID)
		publishEvent(ctx, s.bus, s.logger, domain.GroupEvent{
			Type:        domain.EventGroupFailed,
			GroupID:     g.ID,
			GroupNo:     g.GroupNo,
			ActivityID:  g.ActivityID,
			CurrentSize: g.CurrentSize,
			GroupSize:   g.GroupSize,
			Status:      domain.GroupStatusFailed,
			At:          now,
		})
	}

	if len(expired) > 0 {
		s.logger.InfoContext(ctx, "expired groups swept",
			slog.Int("scanned", len(expired)),
			slog.Int("failed", failed),
		)
	}
	return nil
}

// reconcileUnsettled re-drives instances that filled but never settled: a
// crash between the filling increment and the stock reservation leaves
// current_size == group_size with status still forming. Settlement here is
// identical to the join path's: reserve, then conditionally complete.
func (s *Sweeper) reconcileUnsettled(ctx context.Context) error {
	now := s.now()

	stuck, err := s.groups.ListUnsettled(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("engine: list unsettled groups: %w", err)
	}

	for _, g := range stuck {
		reserved, err := s.ledger.Reserve(ctx, g.ActivityID, g.GroupSize)
		if err != nil {
			s.logger.ErrorContext(ctx, "reconcile reserve",
				slog.Int64("group_id", g.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !reserved {
			if won, err := s.groups.Fail(ctx, g.ID); err != nil || !won {
				continue
			}
			s.logger.WarnContext(ctx, "unsettled group failed, stock exhausted",
				slog.Int64("group_id", g.ID),
				slog.Int64("activity_id", g.ActivityID),
			)
			invalidateOpenGroups(ctx, s.cache, s.logger, g.ActivityID)
			publishEvent(ctx, s.bus, s.logger, domain.GroupEvent{
				Type:        domain.EventGroupFailed,
				GroupID:     g.ID,
				GroupNo:     g.GroupNo,
				ActivityID:  g.ActivityID,
				CurrentSize: g.CurrentSize,
				GroupSize:   g.GroupSize,
				Status:      domain.GroupStatusFailed,
				At:          now,
			})
			continue
		}

		won, err := s.groups.Complete(ctx, g.ID, now)
		if err != nil || !won {
			// Lost to a concurrent settler; our reservation is surplus.
			if rerr := s.ledger.Release(ctx, g.ActivityID, g.GroupSize); rerr != nil {
				s.logger.ErrorContext(ctx, "reconcile release",
					slog.Int64("group_id", g.ID),
					slog.String("error", rerr.Error()),
				)
			}
			continue
		}

		if err := s.activities.AddSold(ctx, g.ActivityID, g.GroupSize); err != nil {
			s.logger.WarnContext(ctx, "add sold count failed",
				slog.Int64("activity_id", g.ActivityID),
				slog.String("error", err.Error()),
			)
		}

		s.logger.InfoContext(ctx, "unsettled group reconciled to succeeded",
			slog.Int64("group_id", g.ID),
			slog.Int64("activity_id", g.ActivityID),
		)
		invalidateOpenGroups(ctx, s.cache, s.logger, g.ActivityID)
		publishEvent(ctx, s.bus, s.logger, domain.GroupEvent{
			Type:        domain.EventGroupSucceeded,
			GroupID:     g.ID,
			GroupNo:     g.GroupNo,
			ActivityID:  g.ActivityID,
			CurrentSize: g.GroupSize,
			GroupSize:   g.GroupSize,
			Status:      domain.GroupStatusSucceeded,
			At:          now,
		})
	}

	return nil
}
