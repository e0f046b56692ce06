package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// Registers the "postgres" driver with database/sql.
	_ "github.com/lib/pq"
)

var (
	// ErrNoDatabaseConnection is returned when a store is constructed with a
	// nil connection.
	ErrNoDatabaseConnection = errors.New("database connection cannot be nil")
)

// Connection wraps a pooled *sql.DB with the configuration it was opened
// with. One Connection is shared by every store in the process.
type Connection struct {
	// DB is exported for tests that need to drive the pool directly.
	DB *sql.DB

	config *Config
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity.
//
// Parameters:
//   - config: validated connection configuration
//
// Returns error if the configuration is invalid or the database is not
// reachable within the configured ping timeout.
func NewConnection(config *Config) (*Connection, error) {
	if config == nil {
		return nil, errors.New("storage config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingTimeout := config.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{DB: db, config: config}, nil
}

// ExecContext executes a query without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.DB.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction with the given options.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.DB.BeginTx(ctx, opts)
}

// HealthCheck verifies database connectivity.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close closes the connection pool. Safe to call on a nil receiver.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}
