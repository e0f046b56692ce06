// Package main provides the RevLens analytics service.
//
// This is the combined control-plane binary: the persistent job queue engine,
// the cron scheduler, the job handler set, and the admin HTTP API, all on top
// of a shared Postgres connection.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/revlens-io/revlens/internal/api"
	"github.com/revlens-io/revlens/internal/api/middleware"
	"github.com/revlens-io/revlens/internal/blob"
	"github.com/revlens-io/revlens/internal/cache"
	"github.com/revlens-io/revlens/internal/config"
	"github.com/revlens-io/revlens/internal/handlers"
	"github.com/revlens-io/revlens/internal/manifest"
	"github.com/revlens-io/revlens/internal/notify"
	"github.com/revlens-io/revlens/internal/observability"
	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/scheduler"
	"github.com/revlens-io/revlens/internal/storage"
	"github.com/revlens-io/revlens/internal/stream"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "revlens"
)

// Exit codes reported to the supervisor. Configuration problems and an
// unreachable database exit differently so orchestrators can tell a bad
// rollout from a bad dependency.
const (
	exitConfigError  = 1
	exitStorageError = 2
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting RevLens service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// The manifest declares queues, views, export and metric queries, handler
	// bindings, and seeded schedules. Everything downstream is wired from it.
	m, err := manifest.LoadFromEnv()
	if err != nil {
		logger.Error("Failed to load manifest", slog.String("error", err.Error()))
		os.Exit(exitConfigError)
	}

	logger.Info("Manifest loaded",
		slog.Int("queues", len(m.Queues)),
		slog.Int("views", len(m.Views)),
		slog.Int("bindings", len(m.Bindings)),
		slog.Int("schedules", len(m.Schedules)),
		slog.Int("export_queries", len(m.ExportQueries)),
		slog.Int("metric_queries", len(m.MetricQueries)),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("key_rps", middlewareConfig.KeyRPS),
		slog.Int("key_burst", middlewareConfig.KeyBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitStorageError)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cacheConfig := cache.LoadConfig()

	queryCache, err := cache.New(cacheConfig, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize cache", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(exitConfigError)
	}

	logger.Info("Cache orchestrator initialized",
		slog.String("namespace", cacheConfig.Namespace),
		slog.Duration("default_ttl", cacheConfig.DefaultTTL),
		slog.Duration("flight_ttl", cacheConfig.MarkerTTL),
	)

	queueConfig := queue.LoadConfig()
	for queueName, settings := range m.QueueSettings() {
		queueConfig.Queues[queueName] = settings
	}

	jobStore, err := storage.NewJobStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to initialize job store", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitStorageError)
	}

	engine, err := queue.NewEngine(queueConfig, jobStore, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize queue engine", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	logger.Info("Queue engine initialized",
		slog.Int("queues", len(queueConfig.Queues)),
		slog.Duration("poll_interval", queueConfig.PollInterval),
		slog.Duration("visibility_timeout", queueConfig.DefaultVisibilityTimeout),
		slog.Int("max_attempts", queueConfig.DefaultMaxAttempts),
	)

	scheduleStore, err := storage.NewScheduleStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to initialize schedule store", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitStorageError)
	}

	schedulerConfig := scheduler.LoadConfig()

	sched, err := scheduler.New(schedulerConfig, scheduleStore, engine, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize scheduler", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	logger.Info("Scheduler initialized",
		slog.Duration("tick_interval", schedulerConfig.TickInterval),
		slog.Int("batch_size", schedulerConfig.BatchSize),
	)

	refreshStore := storage.NewRefreshStore(dbConn, logger, m.ViewStatements())
	catalogStore := storage.NewCatalogStore(dbConn, logger)
	deliveryStore := storage.NewDeliveryStore(dbConn, logger, m.ExportQueries, m.MetricQueries)

	blobConfig := blob.LoadConfig()

	artifacts, err := blob.New(context.Background(), blobConfig, logger)
	if err != nil {
		logger.Error("Failed to initialize artifact store", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	logger.Info("Artifact store initialized",
		slog.String("bucket", blobConfig.Bucket),
		slog.String("region", blobConfig.Region),
		slog.Duration("url_ttl", blobConfig.URLTTL),
	)

	notifyConfig := notify.LoadConfig()

	notifier, err := notify.BuildNotifier(notifyConfig, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize notifier", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	logger.Info("Notifier initialized",
		slog.Any("channels", notifier.Channels()),
	)

	// Replay jobs reposition consumer group offsets through the broker admin
	// API, so the service needs its own committer client even though the
	// ingester owns consumption.
	streamConfig := stream.LoadConfig()

	committer, err := stream.NewGroupCommitter(streamConfig, logger)
	if err != nil {
		logger.Error("Failed to initialize offset committer", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	logger.Info("Offset committer initialized",
		slog.Any("brokers", streamConfig.Brokers),
		slog.String("group_id", streamConfig.GroupID),
	)

	set, err := handlers.NewSet(handlers.Deps{
		Views:          refreshStore,
		Cache:          queryCache,
		Catalog:        catalogStore,
		Deliveries:     deliveryStore,
		Artifacts:      artifacts,
		Notifier:       notifier,
		Offsets:        committer,
		ViewDependents: m.ViewDependents(),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("Failed to build handler set", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	if err := handlers.Register(engine, set, m.HandlerBindings()); err != nil {
		logger.Error("Failed to register job handlers", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	logger.Info("Job handlers registered",
		slog.Int("bindings", len(m.Bindings)),
	)

	var keyStore storage.KeyStore

	authEnabled := config.GetEnvBool("REVLENS_AUTH_ENABLED", false)
	if authEnabled {
		keyStore = storage.NewPersistentKeyStore(dbConn, logger)

		logger.Info("API authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("API authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set REVLENS_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	server, err := api.NewServer(serverConfig, api.Dependencies{
		Jobs:        engine,
		Schedules:   sched,
		Cache:       queryCache,
		KeyStore:    keyStore,
		RateLimiter: rateLimiter,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Readiness: []api.ReadinessCheck{
			{Name: "storage", Check: dbConn.HealthCheck},
			{Name: "cache", Check: queryCache.HealthCheck},
		},
	}, logger)
	if err != nil {
		logger.Error("Failed to create admin API server", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed before the scheduler starts claiming so first fires use the
	// manifest's definitions.
	seeded, err := manifest.SeedSchedules(ctx, sched, m, logger)
	if err != nil {
		logger.Error("Failed to seed schedules", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	if seeded > 0 {
		logger.Info("Schedules seeded", slog.Int("count", seeded))
	}

	if err := engine.Start(ctx); err != nil {
		logger.Error("Failed to start queue engine", slog.String("error", err.Error()))

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	if err := sched.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", slog.String("error", err.Error()))

		stopCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
		_ = engine.Stop(stopCtx)

		cancel()

		_ = queryCache.Close()
		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return server.Start(groupCtx)
	})

	serveErr := group.Wait()

	// Stop producers before workers: scheduler first, then the engine drains
	// its in-flight jobs, bounded by the shutdown timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler shutdown failed", slog.String("error", err.Error()))
	}

	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("Queue engine shutdown failed", slog.String("error", err.Error()))
	}

	if err := queryCache.Close(); err != nil {
		logger.Error("Cache shutdown failed", slog.String("error", err.Error()))
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("Server failed", slog.String("error", serveErr.Error()))

		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	logger.Info("RevLens service stopped")
}
