// Package server exposes the group-buy engine over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
	"github.com/lingxian/groupbuy/internal/server/handler"
	"github.com/lingxian/groupbuy/internal/server/middleware"
	"github.com/lingxian/groupbuy/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	AdminToken  string // if empty, admin endpoints are open

	// JoinRateLimit throttles the write endpoints (start/join) per client
	// within JoinRateWindow. Zero disables throttling.
	JoinRateLimit  int
	JoinRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Activities *handler.ActivityHandler
	Groups     *handler.GroupHandler
}

// Server is the HTTP + WebSocket API server for the group-buy service.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, rate limiting, admin auth) and
// attaches the WebSocket hub. limiter may be nil to disable write throttling.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Write endpoints carry their own rate-limit budget; everything else is
	// unthrottled.
	throttle := func(h http.HandlerFunc) http.Handler {
		if limiter == nil || cfg.JoinRateLimit <= 0 {
			return h
		}
		return middleware.RateLimit(limiter, "join", cfg.JoinRateLimit, cfg.JoinRateWindow)(h)
	}

	// Admin endpoints sit behind the bearer token.
	admin := middleware.Auth(cfg.AdminToken)
	adminOnly := func(h http.HandlerFunc) http.Handler {
		return admin(h)
	}

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Shopper-facing activity catalog.
	mux.HandleFunc("GET /api/activities", handlers.Activities.ListActivities)
	mux.HandleFunc("GET /api/activities/{id}", handlers.Activities.GetActivity)
	mux.HandleFunc("GET /api/activities/{id}/groups", handlers.Groups.ListOpenGroups)

	// Group formation and joining.
	mux.Handle("POST /api/groups", throttle(handlers.Groups.StartGroup))
	mux.Handle("POST /api/groups/{id}/join", throttle(handlers.Groups.JoinGroup))
	mux.HandleFunc("GET /api/groups/{id}", handlers.Groups.GetGroup)
	mux.HandleFunc("GET /api/shoppers/{id}/groups", handlers.Groups.ListShopperGroups)

	// Admin catalog management.
	mux.Handle("POST /api/admin/activities", adminOnly(handlers.Activities.CreateActivity))
	mux.Handle("PUT /api/admin/activities/{id}", adminOnly(handlers.Activities.UpdateActivity))
	mux.Handle("POST /api/admin/activities/{id}/withdraw", adminOnly(handlers.Activities.WithdrawActivity))

	// WebSocket endpoint for live group progress.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
