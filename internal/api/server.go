// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/revlens-io/revlens/internal/api/middleware"
	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/scheduler"
	"github.com/revlens-io/revlens/internal/storage"
)

// Constructor failures for missing required collaborators.
var (
	ErrNilConfig    = errors.New("server config cannot be nil")
	ErrNilLogger    = errors.New("logger cannot be nil")
	ErrNilJobs      = errors.New("jobs dependency cannot be nil")
	ErrNilSchedules = errors.New("schedules dependency cannot be nil")
	ErrNilCache     = errors.New("cache dependency cannot be nil")
)

type (
	// JobAdmin is the queue engine surface the control plane drives.
	// Satisfied by *queue.Engine.
	JobAdmin interface {
		Enqueue(ctx context.Context, queueName, kind string, payload json.RawMessage, opts queue.Options) (string, error)
		Cancel(ctx context.Context, jobID string) error
		Stats(ctx context.Context, queueName string) (*queue.Stats, error)
		PauseQueue(queueName string) bool
		ResumeQueue(queueName string) bool
	}

	// ScheduleAdmin is the scheduler surface the control plane drives.
	// Satisfied by *scheduler.Scheduler.
	ScheduleAdmin interface {
		Upsert(ctx context.Context, schedule *scheduler.Schedule) (*scheduler.Schedule, error)
		Get(ctx context.Context, id string) (*scheduler.Schedule, error)
		List(ctx context.Context) ([]*scheduler.Schedule, error)
		Delete(ctx context.Context, id string) error
		SetEnabled(ctx context.Context, id string, enabled bool) error
	}

	// CacheAdmin is the cache surface the control plane drives.
	// Satisfied by *cache.Cache.
	CacheAdmin interface {
		Invalidate(ctx context.Context, keyPrefix string) (int64, error)
	}

	// ReadinessCheck is one dependency probe run by the /ready endpoint.
	ReadinessCheck struct {
		Name  string
		Check func(ctx context.Context) error
	}

	// Dependencies carries the runtime collaborators the server drives.
	// Jobs, Schedules and Cache are required; the rest degrade gracefully
	// when nil (authentication off, rate limiting off, no /metrics route,
	// /ready always ready).
	Dependencies struct {
		Jobs        JobAdmin
		Schedules   ScheduleAdmin
		Cache       CacheAdmin
		KeyStore    storage.KeyStore
		RateLimiter middleware.RateLimiter
		Metrics     http.Handler
		Readiness   []ReadinessCheck
	}

	// Server represents the HTTP admin API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		jobs        JobAdmin
		schedules   ScheduleAdmin
		cache       CacheAdmin
		rateLimiter middleware.RateLimiter
		metrics     http.Handler
		readiness   []ReadinessCheck
	}
)

// NewServer wires routes, the middleware chain and the HTTP listener.
// Required collaborators are validated up front; optional ones degrade per
// the Dependencies doc.
func NewServer(cfg *ServerConfig, deps Dependencies, logger *slog.Logger) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, ErrNilConfig
	case logger == nil:
		return nil, ErrNilLogger
	case deps.Jobs == nil:
		return nil, ErrNilJobs
	case deps.Schedules == nil:
		return nil, ErrNilSchedules
	case deps.Cache == nil:
		return nil, ErrNilCache
	}

	logger = logger.With(slog.String("component", "api"))

	server := &Server{
		logger:      logger,
		config:      cfg,
		jobs:        deps.Jobs,
		schedules:   deps.Schedules,
		cache:       deps.Cache,
		rateLimiter: deps.RateLimiter,
		metrics:     deps.Metrics,
		readiness:   deps.Readiness,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if deps.KeyStore == nil {
		logger.Warn("No key store configured, admin endpoints are unauthenticated")
	}

	if deps.RateLimiter == nil {
		logger.Warn("No rate limiter configured")
	}

	// Order matters here: correlation first so every response carries an ID,
	// recovery above everything that can panic, auth ahead of rate limiting
	// so per-key buckets see authenticated key IDs, and logging after rate
	// limiting to keep rejected spam out of the request log.
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(deps.KeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server, nil
}

// Start starts the HTTP server and blocks until the context is cancelled or
// the listener fails. Signal handling belongs to the caller; cancelling ctx
// triggers graceful shutdown bounded by the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting admin API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("listener failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutdown requested")

		return s.shutdown()
	}
}

// shutdown drains in-flight requests, then stops the supporting middleware
// state. The key store is left open: it shares the database pool owned by
// the composition root.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down admin API server",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	err := s.httpServer.Shutdown(ctx)

	// Stop the rate limiter's background sweep with the listener, even when
	// the drain above timed out.
	if closer, ok := s.rateLimiter.(io.Closer); ok {
		if closeErr := closer.Close(); closeErr != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", closeErr.Error()))
		}
	}

	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Admin API server stopped")

	return nil
}
