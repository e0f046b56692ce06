// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/config"
)

const (
	defaultPort           = 8080
	maxPort               = 65535
	defaultHost           = "0.0.0.0"
	defaultTimeout        = 30 * time.Second
	defaultLogLevel       = slog.LevelInfo
	defaultMaxRequestSize = int64(1 << 20) // 1 MiB
	defaultCORSMaxAge     = 86400          // 24h preflight cache
)

// Listener configuration failures, surfaced by Validate before bind.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
	ErrInvalidMaxRequestSize  = errors.New("max request size must be positive")
)

// ServerConfig holds the admin listener's configuration. Pure configuration,
// no runtime dependencies; the CORS fields double as the middleware's
// CORSConfig view through the getters below.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	MaxRequestSize     int64
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
}

// LoadServerConfig loads server configuration from environment variables
// with fallback to defaults. The wildcard CORS origin is the development
// default; deployments restrict it.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("REVLENS_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("REVLENS_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("REVLENS_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("REVLENS_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("REVLENS_SERVER_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("REVLENS_SERVER_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("REVLENS_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("REVLENS_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("REVLENS_CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"REVLENS_CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Correlation-ID,X-API-Key",
			),
		),
		CORSMaxAge: config.GetEnvInt("REVLENS_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *ServerConfig) GetAllowedOrigins() []string {
	return c.CORSAllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *ServerConfig) GetAllowedMethods() []string {
	return c.CORSAllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *ServerConfig) GetAllowedHeaders() []string {
	return c.CORSAllowedHeaders
}

// GetMaxAge returns the preflight cache lifetime in seconds.
func (c *ServerConfig) GetMaxAge() int {
	return c.CORSMaxAge
}

// Validate checks the configuration before the listener binds.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	timeouts := []struct {
		value time.Duration
		err   error
	}{
		{c.ReadTimeout, ErrInvalidReadTimeout},
		{c.WriteTimeout, ErrInvalidWriteTimeout},
		{c.ShutdownTimeout, ErrInvalidShutdownTimeout},
	}

	for _, timeout := range timeouts {
		if timeout.value <= 0 {
			return fmt.Errorf("%w: got %v", timeout.err, timeout.value)
		}
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}
