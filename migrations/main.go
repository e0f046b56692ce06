// Package main provides the RevLens schema migrator.
//
// The migrator carries the full schema as embedded SQL and applies it with
// golang-migrate, so a deployment runs the image against DATABASE_URL with
// nothing mounted. Commands: up, down, status, version, drop.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/revlens-io/revlens/internal/config"
	"github.com/revlens-io/revlens/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "revlens-migrate"
)

// Exit codes reported to the supervisor, matching the service binaries: 1
// for usage and configuration problems, 2 for an unreachable database, 3 for
// a failed migration.
const (
	exitUsageError   = 1
	exitStorageError = 2
	exitMigrateError = 3
)

const defaultMigrationTable = "schema_migrations"

var (
	// ErrUnknownCommand is returned for a command dispatch has no case for.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrDropNotForced is returned when drop is invoked without -force.
	ErrDropNotForced = errors.New("drop removes every table, rerun with -force")
)

// schemaCommands is the surface dispatch drives. *Runner implements it;
// tests substitute a recorder.
type schemaCommands interface {
	Up() error
	Down() error
	Status() error
	Version() error
	Drop() error
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	force := flag.Bool("force", false, "allow the drop command to run")
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		usage()
		os.Exit(exitUsageError)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("REVLENS_MIGRATE_LOG_LEVEL", slog.LevelInfo),
	}))

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitStorageError)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	table := config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable)

	runner, err := NewRunner(conn, table, logger)
	if err != nil {
		logger.Error("Failed to initialize migrator", slog.String("error", err.Error()))

		_ = conn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(exitMigrateError)
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := dispatch(flag.Arg(0), *force, runner); err != nil {
		logger.Error("Migration command failed",
			slog.String("command", flag.Arg(0)),
			slog.String("error", err.Error()),
		)

		_ = runner.Close()
		_ = conn.Close()
		os.Exit(exitMigrateError)
	}
}

// dispatch runs one schema command. drop is gated behind force.
func dispatch(command string, force bool, cmds schemaCommands) error {
	switch command {
	case "up":
		return cmds.Up()
	case "down":
		return cmds.Down()
	case "status":
		return cmds.Status()
	case "version":
		return cmds.Version()
	case "drop":
		if !force {
			return ErrDropNotForced
		}

		return cmds.Drop()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `%s v%s

Apply the RevLens schema to a PostgreSQL database.

Usage:
  %s [flags] <command>

Commands:
  up       apply every pending migration
  down     roll back the most recent migration
  status   log the applied version against the embedded set
  version  print the applied schema version
  drop     remove every table (requires -force)

Flags:
  -force    allow the drop command to run
  -version  show version information

Environment:
  DATABASE_URL     PostgreSQL connection string (required)
  MIGRATION_TABLE  version tracking table (default %s)
`, name, version, name, defaultMigrationTable)
}
