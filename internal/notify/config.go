package notify

import (
	"errors"
	"time"

	"github.com/revlens-io/revlens/internal/config"
)

const (
	defaultWebhookTimeout   = 10 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCoolOff   = 30 * time.Second
)

var (
	// ErrIncompleteSlackConfig indicates a Slack token without a channel or
	// the reverse.
	ErrIncompleteSlackConfig = errors.New("slack token and channel must both be set")

	// ErrSecretWithoutWebhook indicates a signing secret with no webhook URL.
	ErrSecretWithoutWebhook = errors.New("webhook secret requires a webhook URL")

	// ErrInvalidWebhookTimeout indicates a non-positive webhook timeout.
	ErrInvalidWebhookTimeout = errors.New("webhook timeout must be positive")

	// ErrInvalidBreakerPolicy indicates a broken circuit breaker policy.
	ErrInvalidBreakerPolicy = errors.New("breaker threshold and cool-off must be positive")
)

// Config holds notification channel settings.
// Pure configuration only - no runtime dependencies.
type Config struct {
	// SlackToken and SlackChannelID enable the Slack channel when both are
	// set.
	SlackToken     string
	SlackChannelID string

	// WebhookURL enables the webhook channel. WebhookSecret, when set, signs
	// each payload with HMAC-SHA256.
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration

	// BreakerThreshold is the consecutive-failure count that opens a
	// channel's breaker; BreakerCoolOff is how long it stays open.
	BreakerThreshold int
	BreakerCoolOff   time.Duration
}

// LoadConfig loads notification configuration from environment variables
// with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		SlackToken:       config.GetEnvStr("NOTIFY_SLACK_TOKEN", ""),
		SlackChannelID:   config.GetEnvStr("NOTIFY_SLACK_CHANNEL", ""),
		WebhookURL:       config.GetEnvStr("NOTIFY_WEBHOOK_URL", ""),
		WebhookSecret:    config.GetEnvStr("NOTIFY_WEBHOOK_SECRET", ""),
		WebhookTimeout:   config.GetEnvDuration("NOTIFY_WEBHOOK_TIMEOUT", defaultWebhookTimeout),
		BreakerThreshold: config.GetEnvInt("NOTIFY_BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerCoolOff:   config.GetEnvDuration("NOTIFY_BREAKER_COOLOFF", defaultBreakerCoolOff),
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if (c.SlackToken == "") != (c.SlackChannelID == "") {
		return ErrIncompleteSlackConfig
	}

	if c.WebhookSecret != "" && c.WebhookURL == "" {
		return ErrSecretWithoutWebhook
	}

	if c.WebhookTimeout <= 0 {
		return ErrInvalidWebhookTimeout
	}

	if c.BreakerThreshold < 1 || c.BreakerCoolOff <= 0 {
		return ErrInvalidBreakerPolicy
	}

	return nil
}
