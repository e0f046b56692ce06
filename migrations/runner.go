package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/revlens-io/revlens/internal/storage"
)

// Runner drives golang-migrate over the embedded schema. It borrows the
// caller's storage connection and owns only the migrate instance; whoever
// opened the connection closes it.
type Runner struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// NewRunner verifies the embedded migration set and wires golang-migrate to
// the given connection. Applied versions are tracked in table.
func NewRunner(conn *storage.Connection, table string, logger *slog.Logger) (*Runner, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := verifyMigrations(migrationFS); err != nil {
		return nil, fmt.Errorf("embedded migration set is broken: %w", err)
	}

	driver, err := migratepg.WithInstance(conn.DB, &migratepg.Config{MigrationsTable: table})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare postgres driver: %w", err)
	}

	source, err := iofs.New(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to build migrate instance: %w", err)
	}

	m.Log = &migrateLog{logger: logger}

	return &Runner{m: m, logger: logger}, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	err := r.m.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("Schema already up to date")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		r.logger.Info("Schema migrated",
			slog.Int("newest", newestSequence(migrationFS)),
		)
	}

	return nil
}

// Down rolls back the most recent migration. One step at a time; clearing
// the whole schema is what Drop is for.
func (r *Runner) Down() error {
	err := r.m.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("Nothing to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		r.logger.Info("Rolled back one migration")
	}

	return nil
}

// Status logs the applied schema version against the newest embedded
// sequence.
func (r *Runner) Status() error {
	applied, dirty, err := r.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	newest := newestSequence(migrationFS)

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		r.logger.Info("No migrations applied",
			slog.Int("pending", newest),
		)
	case dirty:
		r.logger.Warn("Schema is dirty, resolve manually before migrating",
			slog.Uint64("applied", uint64(applied)),
			slog.Int("newest", newest),
		)
	case int(applied) < newest:
		r.logger.Info("Migrations pending",
			slog.Uint64("applied", uint64(applied)),
			slog.Int("newest", newest),
			slog.Int("pending", newest-int(applied)),
		)
	case int(applied) > newest:
		r.logger.Warn("Database schema is newer than this migrator",
			slog.Uint64("applied", uint64(applied)),
			slog.Int("newest", newest),
		)
	default:
		r.logger.Info("Schema up to date",
			slog.Uint64("applied", uint64(applied)),
		)
	}

	return nil
}

// Version prints the applied schema version to stdout, "none" before the
// first migration. Scripts read stdout; logs stay on stderr.
func (r *Runner) Version() error {
	applied, dirty, err := r.m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("none")

			return nil
		}

		return fmt.Errorf("failed to read migration version: %w", err)
	}

	if dirty {
		fmt.Printf("%d (dirty)\n", applied)
	} else {
		fmt.Printf("%d\n", applied)
	}

	return nil
}

// Drop removes every object in the schema, including the tracking table.
func (r *Runner) Drop() error {
	if err := r.m.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	r.logger.Info("Schema dropped")

	return nil
}

// Close releases the migrate source and database driver. The storage
// connection stays open.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.m.Close()

	return errors.Join(sourceErr, dbErr)
}

// migrateLog adapts slog to the migrate.Logger interface.
type migrateLog struct {
	logger *slog.Logger
}

var _ migrate.Logger = (*migrateLog)(nil)

func (l *migrateLog) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLog) Verbose() bool {
	return false
}
