package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/revlens-io/revlens/internal/config"
)

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultJanitorInterval   = 15 * time.Second
	defaultJanitorBatchSize  = 100
	defaultShutdownGrace     = 30 * time.Second
	defaultVisibilityTimeout = 60 * time.Second
	defaultMaxAttempts       = 5
)

var (
	// ErrInvalidPollInterval indicates the worker poll interval is zero or negative.
	ErrInvalidPollInterval = errors.New("poll interval must be positive")

	// ErrInvalidJanitorInterval indicates the lease recovery interval is zero or negative.
	ErrInvalidJanitorInterval = errors.New("janitor interval must be positive")

	// ErrInvalidVisibilityTimeout indicates a visibility timeout is zero or negative.
	ErrInvalidVisibilityTimeout = errors.New("visibility timeout must be positive")

	// ErrInvalidMaxAttempts indicates a max attempts bound below one.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
)

type (
	// Config holds engine-wide settings plus per-queue overrides.
	// Pure configuration only - no runtime dependencies.
	Config struct {
		// PollInterval is how long an idle worker sleeps before re-checking
		// its queue for ready jobs.
		PollInterval time.Duration

		// JanitorInterval is how often expired leases are swept back to the
		// waiting set.
		JanitorInterval time.Duration

		// JanitorBatchSize bounds one sweep.
		JanitorBatchSize int

		// ShutdownGrace bounds the drain on Stop: active jobs get this long
		// to settle before their leases are left to expire naturally.
		ShutdownGrace time.Duration

		// DefaultVisibilityTimeout is the lease duration for queues without
		// an override.
		DefaultVisibilityTimeout time.Duration

		// DefaultMaxAttempts is the attempt budget for jobs without an
		// explicit bound.
		DefaultMaxAttempts int

		// DefaultBackoff is the retry policy for jobs without an explicit
		// policy.
		DefaultBackoff BackoffPolicy

		// Queues carries per-queue overrides keyed by queue name.
		Queues map[string]Settings
	}

	// Settings refine one named queue.
	Settings struct {
		// Concurrency is the worker pool size. Zero falls back to the
		// concurrency passed at handler registration.
		Concurrency int

		// VisibilityTimeout is the lease duration for claims on this queue.
		VisibilityTimeout time.Duration

		// MaxAttempts is the default attempt budget for this queue's jobs.
		MaxAttempts int

		// Backoff is the default retry policy for this queue's jobs.
		Backoff BackoffPolicy
	}
)

// LoadConfig loads engine configuration from environment variables with
// fallback to defaults. Per-queue overrides come from the deployment
// manifest and are merged by the caller.
func LoadConfig() *Config {
	return &Config{
		PollInterval:             config.GetEnvDuration("QUEUE_POLL_INTERVAL", defaultPollInterval),
		JanitorInterval:          config.GetEnvDuration("QUEUE_JANITOR_INTERVAL", defaultJanitorInterval),
		JanitorBatchSize:         config.GetEnvInt("QUEUE_JANITOR_BATCH_SIZE", defaultJanitorBatchSize),
		ShutdownGrace:            config.GetEnvDuration("QUEUE_SHUTDOWN_GRACE", defaultShutdownGrace),
		DefaultVisibilityTimeout: config.GetEnvDuration("QUEUE_VISIBILITY_TIMEOUT", defaultVisibilityTimeout),
		DefaultMaxAttempts:       config.GetEnvInt("QUEUE_MAX_ATTEMPTS", defaultMaxAttempts),
		DefaultBackoff:           DefaultBackoff(),
		Queues:                   make(map[string]Settings),
	}
}

// Validate checks if the engine configuration is valid.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	if c.JanitorInterval <= 0 {
		return ErrInvalidJanitorInterval
	}

	if c.DefaultVisibilityTimeout <= 0 {
		return ErrInvalidVisibilityTimeout
	}

	if c.DefaultMaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}

	for name, settings := range c.Queues {
		if settings.VisibilityTimeout < 0 {
			return fmt.Errorf("%w: queue %s", ErrInvalidVisibilityTimeout, name)
		}

		if settings.MaxAttempts < 0 {
			return fmt.Errorf("%w: queue %s", ErrInvalidMaxAttempts, name)
		}
	}

	return nil
}

// SettingsFor resolves the effective settings for a queue, falling back to
// engine-wide defaults for unset fields.
func (c *Config) SettingsFor(queue string) Settings {
	settings := c.Queues[queue]

	if settings.VisibilityTimeout <= 0 {
		settings.VisibilityTimeout = c.DefaultVisibilityTimeout
	}

	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = c.DefaultMaxAttempts
	}

	if settings.Backoff.Base <= 0 {
		settings.Backoff = c.DefaultBackoff
	}

	return settings
}
