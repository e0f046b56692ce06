package cache

import (
	"errors"
	"time"

	"github.com/revlens-io/revlens/internal/config"
)

const (
	defaultRedisURL    = "redis://localhost:6379/0"
	defaultNamespace   = "revlens:cache"
	defaultValueTTL    = 5 * time.Minute
	defaultMarkerTTL   = 30 * time.Second
	defaultPollInitial = 20 * time.Millisecond
	defaultPollCeiling = 250 * time.Millisecond
)

var (
	// ErrInvalidRedisURL indicates a missing or empty Redis URL.
	ErrInvalidRedisURL = errors.New("redis URL cannot be empty")

	// ErrInvalidTTL indicates a non-positive default value TTL.
	ErrInvalidTTL = errors.New("default TTL must be positive")

	// ErrInvalidMarkerTTL indicates a non-positive flight marker TTL.
	ErrInvalidMarkerTTL = errors.New("flight marker TTL must be positive")

	// ErrInvalidPollBounds indicates poll durations that are non-positive or
	// inverted.
	ErrInvalidPollBounds = errors.New("poll initial must be positive and at most the poll ceiling")
)

// Config holds cache orchestrator settings.
// Pure configuration only - no runtime dependencies.
type Config struct {
	// RedisURL is the connection URL, e.g. "redis://localhost:6379/0".
	RedisURL string

	// Namespace prefixes every key so multiple deployments can share one
	// Redis.
	Namespace string

	// DefaultTTL applies to computed values when the caller passes no TTL.
	DefaultTTL time.Duration

	// MarkerTTL bounds how long a flight marker can outlive a crashed
	// winner. It also bounds how long one loser waits before retrying the
	// acquisition.
	MarkerTTL time.Duration

	// PollInitial and PollCeiling bound the loser's exponential wait
	// between value checks.
	PollInitial time.Duration
	PollCeiling time.Duration
}

// LoadConfig loads cache configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		RedisURL:    config.GetEnvStr("CACHE_REDIS_URL", defaultRedisURL),
		Namespace:   config.GetEnvStr("CACHE_NAMESPACE", defaultNamespace),
		DefaultTTL:  config.GetEnvDuration("CACHE_DEFAULT_TTL", defaultValueTTL),
		MarkerTTL:   config.GetEnvDuration("CACHE_FLIGHT_TTL", defaultMarkerTTL),
		PollInitial: config.GetEnvDuration("CACHE_POLL_INITIAL", defaultPollInitial),
		PollCeiling: config.GetEnvDuration("CACHE_POLL_CEILING", defaultPollCeiling),
	}
}

// Validate checks if the cache configuration is valid.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return ErrInvalidRedisURL
	}

	if c.DefaultTTL <= 0 {
		return ErrInvalidTTL
	}

	if c.MarkerTTL <= 0 {
		return ErrInvalidMarkerTTL
	}

	if c.PollInitial <= 0 || c.PollInitial > c.PollCeiling {
		return ErrInvalidPollBounds
	}

	return nil
}
