package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/revlens-io/revlens/internal/storage"
)

// migratorForTest starts a bare PostgreSQL container with no schema applied
// and returns a Runner wired to it.
func migratorForTest(ctx context.Context, t *testing.T) (*Runner, *storage.Connection) {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("revlens_migrate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	storageConfig := storage.LoadConfig()
	storageConfig.SetDatabaseURL(connStr)

	conn, err := storage.NewConnection(storageConfig)
	require.NoError(t, err, "Failed to open database")

	runner, err := NewRunner(conn, defaultMigrationTable, slog.New(slog.DiscardHandler))
	require.NoError(t, err, "Failed to build migration runner")

	t.Cleanup(func() {
		_ = runner.Close()
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	return runner, conn
}

func appliedVersion(ctx context.Context, t *testing.T, conn *storage.Connection) (int, bool) {
	t.Helper()

	var (
		applied int
		dirty   bool
	)

	err := conn.QueryRowContext(ctx,
		`SELECT version, dirty FROM schema_migrations`,
	).Scan(&applied, &dirty)
	require.NoError(t, err, "Failed to read migration version")

	return applied, dirty
}

func TestRunnerUpAppliesFullSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner, conn := migratorForTest(ctx, t)

	require.NoError(t, runner.Up())

	applied, dirty := appliedVersion(ctx, t, conn)
	assert.Equal(t, newestSequence(migrationFS), applied)
	assert.False(t, dirty)

	// Spot-check tables from every corner of the schema.
	for _, table := range []string{
		"staging_opportunities",
		"staging_activities",
		"ingestion_event_log",
		"jobs",
		"schedules",
		"refresh_records",
		"catalog_datasets",
		"export_jobs",
		"alerts",
		"reports",
		"admin_api_keys",
	} {
		var exists bool

		err := conn.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)
		`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist after up", table)
	}

	// The analytics rollups are materialized WITH DATA, so they are queryable
	// immediately even before the first scheduled refresh.
	var rollups int

	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_matviews WHERE schemaname = 'public'`,
	).Scan(&rollups)
	require.NoError(t, err)
	assert.Equal(t, 2, rollups)

	// A second up is a no-op, not an error.
	require.NoError(t, runner.Up())
}

func TestRunnerDownRollsBackOneStep(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner, conn := migratorForTest(ctx, t)

	require.NoError(t, runner.Up())
	require.NoError(t, runner.Down())

	applied, dirty := appliedVersion(ctx, t, conn)
	assert.Equal(t, newestSequence(migrationFS)-1, applied)
	assert.False(t, dirty)

	// The newest migration's objects are gone, the rest are intact.
	var matviews int

	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_matviews WHERE schemaname = 'public'`,
	).Scan(&matviews)
	require.NoError(t, err)
	assert.Zero(t, matviews)

	var jobsTable bool

	err = conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'jobs'
		)
	`).Scan(&jobsTable)
	require.NoError(t, err)
	assert.True(t, jobsTable)
}

func TestRunnerDropClearsSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner, conn := migratorForTest(ctx, t)

	require.NoError(t, runner.Up())
	require.NoError(t, runner.Drop())

	var tables int

	err := conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
	`).Scan(&tables)
	require.NoError(t, err)
	assert.Zero(t, tables)
}

func TestRunnerStatusAndVersionTolerateEmptyDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner, _ := migratorForTest(ctx, t)

	// Neither command mutates anything, so both must work before the first
	// migration lands.
	require.NoError(t, runner.Status())
	require.NoError(t, runner.Version())
	require.NoError(t, runner.Up())
	require.NoError(t, runner.Status())
	require.NoError(t, runner.Version())
}
