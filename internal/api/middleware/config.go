// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"time"

	"github.com/revlens-io/revlens/internal/config"
)

// Config holds the rate limiter's settings. Rates are requests per second;
// a zero burst means twice the rate, and zero cleanup fields fall back to
// the sweep defaults in NewInMemoryRateLimiter.
type Config struct {
	GlobalRPS int
	KeyRPS    int
	UnAuthRPS int

	GlobalBurst int
	KeyBurst    int
	UnAuthBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxKeys         int
}

// LoadConfig reads the rate limiter settings from the environment, falling
// back to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("REVLENS_GLOBAL_RPS", defaultGlobalRPS),
		KeyRPS:    config.GetEnvInt("REVLENS_KEY_RPS", defaultKeyRPS),
		UnAuthRPS: config.GetEnvInt("REVLENS_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("REVLENS_GLOBAL_BURST", 0),
		KeyBurst:    config.GetEnvInt("REVLENS_KEY_BURST", 0),
		UnAuthBurst: config.GetEnvInt("REVLENS_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"REVLENS_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("REVLENS_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxKeys:     config.GetEnvInt("REVLENS_RATE_LIMIT_MAX_KEYS", defaultMaxKeys),
	}
}
