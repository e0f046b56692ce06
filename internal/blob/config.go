package blob

import (
	"errors"
	"time"

	"github.com/revlens-io/revlens/internal/config"
)

const (
	defaultBucket    = "revlens-artifacts"
	defaultPrefix    = "artifacts"
	defaultRegion    = "us-east-1"
	defaultURLTTL    = 24 * time.Hour
	defaultCallLimit = 30 * time.Second
)

var (
	// ErrNoBucket indicates a missing artifact bucket name.
	ErrNoBucket = errors.New("artifact bucket is required")

	// ErrInvalidURLTTL indicates a non-positive signed URL lifetime.
	ErrInvalidURLTTL = errors.New("signed URL TTL must be positive")

	// ErrInvalidCallTimeout indicates a non-positive per-call timeout.
	ErrInvalidCallTimeout = errors.New("call timeout must be positive")
)

// Config holds artifact store settings.
// Pure configuration only - no runtime dependencies.
type Config struct {
	// Bucket is the artifact bucket. Objects are keyed under Prefix.
	Bucket string
	Prefix string

	// Region selects the bucket's region.
	Region string

	// Endpoint overrides the service endpoint for S3-compatible stores
	// (MinIO, LocalStack). Path-style addressing is forced when set.
	Endpoint string

	// URLTTL is the lifetime of signed download URLs.
	URLTTL time.Duration

	// CallTimeout bounds a single store call.
	CallTimeout time.Duration
}

// LoadConfig loads artifact store configuration from environment variables
// with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Bucket:      config.GetEnvStr("BLOB_BUCKET", defaultBucket),
		Prefix:      config.GetEnvStr("BLOB_PREFIX", defaultPrefix),
		Region:      config.GetEnvStr("BLOB_REGION", defaultRegion),
		Endpoint:    config.GetEnvStr("BLOB_ENDPOINT", ""),
		URLTTL:      config.GetEnvDuration("BLOB_URL_TTL", defaultURLTTL),
		CallTimeout: config.GetEnvDuration("BLOB_CALL_TIMEOUT", defaultCallLimit),
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return ErrNoBucket
	}

	if c.URLTTL <= 0 {
		return ErrInvalidURLTTL
	}

	if c.CallTimeout <= 0 {
		return ErrInvalidCallTimeout
	}

	return nil
}
