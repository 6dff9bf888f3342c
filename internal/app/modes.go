package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lingxian/groupbuy/internal/engine"
	"github.com/lingxian/groupbuy/internal/notify"
	"github.com/lingxian/groupbuy/internal/server"
	"github.com/lingxian/groupbuy/internal/server/handler"
	"github.com/lingxian/groupbuy/internal/server/ws"
)

// shutdownTimeout bounds graceful HTTP shutdown on context cancellation.
const shutdownTimeout = 10 * time.Second

// services bundles the engine layer built on top of the wired dependencies.
type services struct {
	formation *engine.FormationService
	join      *engine.JoinService
	query     *engine.QueryService
	admin     *engine.AdminService
}

func (a *App) buildServices(deps *Dependencies) *services {
	return &services{
		formation: engine.NewFormationService(
			deps.Activities, deps.Groups, deps.Memberships,
			deps.SignalBus, deps.GroupCache, a.logger,
		),
		join: engine.NewJoinService(
			deps.Activities, deps.Groups, deps.Memberships, deps.Ledger,
			deps.SignalBus, deps.GroupCache, a.logger,
		),
		query: engine.NewQueryService(
			deps.Groups, deps.Memberships, deps.GroupCache, a.logger,
		),
		admin: engine.NewAdminService(deps.Activities, deps.GroupCache, a.logger),
	}
}

// ServeMode runs the HTTP API, the WebSocket hub, and the notification
// watcher. The sweeper is expected to run in a separate sweep-mode replica.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	if !a.cfg.Server.Enabled {
		return fmt.Errorf("app: serve mode requires server.enabled")
	}

	g, ctx := errgroup.WithContext(ctx)

	a.startWatcher(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, a.buildServices(deps))

	return g.Wait()
}

// SweepMode runs only the background passes: the expiry sweeper, the cold
// archiver when enabled, and the notification watcher.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startWatcher(ctx, g, deps)
	a.startSweeper(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode runs everything in one process: API, hub, sweeper, archiver, and
// notifications. This is the single-replica deployment shape.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startWatcher(ctx, g, deps)
	a.startSweeper(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, a.buildServices(deps))
	}

	return g.Wait()
}

// startHTTPServer registers the REST handlers and WebSocket hub and adds the
// server plus its graceful-shutdown watcher to the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	pingers := map[string]handler.Pinger{
		"postgres": deps.PG,
		"redis":    deps.Redis,
	}
	if deps.S3 != nil {
		pingers["s3"] = deps.S3
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(pingers, a.logger),
		Activities: handler.NewActivityHandler(svcs.admin, a.logger),
		Groups:     handler.NewGroupHandler(svcs.formation, svcs.join, svcs.query, a.logger),
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		AdminToken:     a.cfg.Server.AdminToken,
		JoinRateLimit:  a.cfg.Server.JoinRateLimit,
		JoinRateWindow: a.cfg.Server.JoinRateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startSweeper adds the expiry sweeper to the errgroup.
func (a *App) startSweeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sweeper := engine.NewSweeper(
		deps.Activities, deps.Groups, deps.Ledger,
		deps.SignalBus, deps.GroupCache, deps.LockManager,
		engine.SweeperConfig{
			Interval:  a.cfg.Sweeper.Interval.Duration,
			BatchSize: a.cfg.Sweeper.BatchSize,
		},
		a.logger,
	)
	g.Go(func() error {
		err := sweeper.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

// startArchiver adds the cold-export loop when archiving is enabled.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error {
		err := deps.Archiver.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

// startWatcher adds the event watcher that turns failed-group events into
// operator notifications.
func (a *App) startWatcher(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	watcher := notify.NewWatcher(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		err := watcher.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}
