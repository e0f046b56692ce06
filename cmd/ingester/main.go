// Package main provides the RevLens CRM stream ingester.
//
// The ingester consumes CRM change events from the partitioned log, decodes
// registry-framed records, and stages accepted events in Postgres for the
// analytics pipeline. It exposes a small HTTP listener for liveness,
// readiness, and metrics; the admin control plane lives in the revlens
// binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/revlens-io/revlens/internal/config"
	"github.com/revlens-io/revlens/internal/observability"
	"github.com/revlens-io/revlens/internal/storage"
	"github.com/revlens-io/revlens/internal/stream"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

// Exit codes reported to the supervisor. An unreachable database and an
// unreachable schema registry exit differently from plain configuration
// errors so orchestrators can tell which dependency to page on.
const (
	exitConfigError   = 1
	exitStorageError  = 2
	exitRegistryError = 3
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 8081

	healthCheckTimeout  = 2 * time.Second
	healthReadTimeout   = 5 * time.Second
	healthWriteTimeout  = 10 * time.Second
	healthStopTimeout   = 5 * time.Second
	registryPingTimeout = 10 * time.Second
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("REVLENS_INGESTER_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting RevLens ingester",
		slog.String("service", name),
		slog.String("version", version),
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
	)

	stagingStore, err := storage.NewStagingStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to initialize staging store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(exitStorageError)
	}

	streamConfig := stream.LoadConfig()

	// The registry is optional. Without it, bare JSON records still flow;
	// registry-framed records fail permanently and land in the skip log.
	var schemaRegistry *stream.SchemaRegistry

	if streamConfig.RegistryURL != "" {
		schemaRegistry, err = stream.NewSchemaRegistry(streamConfig.RegistryURL, logger)
		if err != nil {
			logger.Error("Failed to initialize schema registry client", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(exitConfigError)
		}

		pingCtx, cancel := context.WithTimeout(context.Background(), registryPingTimeout)

		err = schemaRegistry.HealthCheck(pingCtx)

		cancel()

		if err != nil {
			logger.Error("Schema registry unreachable", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(exitRegistryError)
		}

		logger.Info("Schema registry connected",
			slog.String("registry_url", streamConfig.RegistryURL),
		)
	} else {
		logger.Warn("Schema registry disabled",
			slog.String("note", "Set STREAM_REGISTRY_URL to decode registry-framed records"),
		)
	}

	decoder, err := stream.NewDecoder(schemaRegistry, logger)
	if err != nil {
		logger.Error("Failed to initialize decoder", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	consumer, err := stream.New(streamConfig, stagingStore, decoder, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize stream consumer", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(exitConfigError)
	}

	logger.Info("Stream consumer initialized",
		slog.Any("brokers", streamConfig.Brokers),
		slog.Any("topics", streamConfig.Topics),
		slog.String("group_id", streamConfig.GroupID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthAddr := fmt.Sprintf("%s:%d",
		config.GetEnvStr("REVLENS_INGESTER_HOST", defaultHealthHost),
		config.GetEnvInt("REVLENS_INGESTER_PORT", defaultHealthPort),
	)
	healthServer := newHealthServer(healthAddr, dbConn, registry)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return consumer.Start(groupCtx)
	})

	group.Go(func() error {
		return runHealthServer(groupCtx, healthServer, logger)
	})

	err = group.Wait()

	if stopErr := consumer.Stop(); stopErr != nil {
		logger.Error("Consumer shutdown failed", slog.String("error", stopErr.Error()))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Ingester failed", slog.String("error", err.Error()))

		_ = dbConn.Close()

		// Broker preflight failures are startup configuration problems, not
		// storage ones.
		os.Exit(exitConfigError)
	}

	logger.Info("RevLens ingester stopped")
}

// newHealthServer builds the liveness listener. Readiness is the database
// alone; the consumer reconnects to the log on its own and staging is where
// accepted events must land.
func newHealthServer(addr string, dbConn *storage.Connection, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-RevLens-Version", version)
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write([]byte("pong"))
	})

	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := dbConn.HealthCheck(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  healthReadTimeout,
		WriteTimeout: healthWriteTimeout,
	}
}

// runHealthServer serves until ctx is canceled, then shuts down gracefully.
func runHealthServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Health listener started", slog.String("address", server.Addr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("health listener failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthStopTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	}
}
