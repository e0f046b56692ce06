package storage

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/revlens-io/revlens/internal/config"
)

// Pool defaults sized for a single service instance against one database.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// ErrDatabaseURLEmpty is returned when no database URL is configured.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config carries the PostgreSQL connection string and pool tuning knobs.
type Config struct {
	databaseURL     string // never logged directly, see MaskDatabaseURL
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration // startup connectivity check
}

// LoadConfig reads connection settings from DATABASE_* environment variables,
// falling back to the pool defaults above.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		PingTimeout:     config.GetEnvDuration("DATABASE_PING_TIMEOUT", defaultPingTimeout),
	}
}

// Validate reports whether a usable database URL is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// SetDatabaseURL overrides the connection string. Used by tests that point at
// an ephemeral container.
func (c *Config) SetDatabaseURL(databaseURL string) {
	c.databaseURL = databaseURL
}

// MaskDatabaseURL returns the connection string with credentials redacted,
// safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	parsed, err := url.Parse(c.databaseURL)
	if err != nil {
		// Unparseable strings may still embed credentials; never echo them.
		return "(invalid database URL)"
	}

	return parsed.Redacted()
}
