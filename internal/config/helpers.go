// Package config provides configuration and shared test utilities for the RevLens services.
package config

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresImage   = "postgres:16-alpine"
	kafkaImage      = "confluentinc/confluent-local:7.5.0"
	readyOccurrence = 2
	startupTimeout  = 120 * time.Second
)

// TestDatabase bundles the container and connection an integration test has
// to clean up.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
}

// SetupTestDatabase starts a PostgreSQL container, applies the full schema,
// and returns an open connection. Cleanup stays with the caller:
//
//	testDB := config.SetupTestDatabase(ctx, t)
//	t.Cleanup(func() {
//		_ = testDB.Connection.Close()
//		_ = testcontainers.TerminateContainer(testDB.Container)
//	})
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase("revlens_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyOccurrence).
				WithStartupTimeout(startupTimeout),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "Failed to open database")

	if err := applyMigrations(t, conn); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)

		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &TestDatabase{
		Container:  pgContainer,
		Connection: conn,
	}
}

// applyMigrations runs every up migration against db, reading the SQL from
// the module's migrations directory. Non-migration files in that directory
// are ignored by the source driver.
func applyMigrations(t *testing.T, db *sql.DB) error {
	t.Helper()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	src, err := iofs.New(os.DirFS(migrationsDir(t)), ".")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}

	// ErrNoChange means the schema is already current.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// migrationsDir walks up from the test's working directory to the module
// root and returns its migrations directory. Tests run with their own
// package directory as working directory, at varying depths.
func migrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err, "Failed to resolve working directory")

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}

		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "no go.mod above the working directory")
		dir = parent
	}
}

// SetupTestRedis starts an in-process Redis server (miniredis) for cache
// tests and returns its address. The server stops automatically via t.Cleanup.
//
//	addr := config.SetupTestRedis(t)
//	client := redis.NewClient(&redis.Options{Addr: addr})
func SetupTestRedis(t *testing.T) string {
	t.Helper()

	srv := miniredis.RunT(t)

	return srv.Addr()
}

// TestKafka bundles the container and broker list an integration test has
// to clean up.
type TestKafka struct {
	Container *tckafka.KafkaContainer
	Brokers   []string
}

// SetupTestKafka creates a single-node Kafka container for consumer
// integration tests and returns the broker addresses. Cleanup stays with
// the caller.
func SetupTestKafka(ctx context.Context, t *testing.T) *TestKafka {
	t.Helper()

	kafkaContainer, err := tckafka.Run(ctx,
		kafkaImage,
		tckafka.WithClusterID("revlens-test"),
	)
	require.NoError(t, err, "Failed to start kafka container")
	require.NotNil(t, kafkaContainer, "kafka container is nil")

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err, "Failed to resolve kafka brokers")
	require.NotEmpty(t, brokers, "kafka brokers list is empty")

	return &TestKafka{
		Container: kafkaContainer,
		Brokers:   brokers,
	}
}
