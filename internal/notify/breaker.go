package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/revlens-io/revlens/internal/observability"
)

// BreakerChannel wraps a channel with a circuit breaker. After
// BreakerThreshold consecutive failures the breaker opens and deliveries are
// suppressed without touching the endpoint until BreakerCoolOff elapses; a
// single half-open probe then decides whether it closes again.
type BreakerChannel struct {
	inner   Channel
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps a channel in a circuit breaker.
func WithBreaker(inner Channel, config *Config, logger *slog.Logger) (*BreakerChannel, error) {
	if inner == nil {
		return nil, errors.New("channel cannot be nil")
	}

	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if config.BreakerThreshold < 1 || config.BreakerCoolOff <= 0 {
		return nil, ErrInvalidBreakerPolicy
	}

	breakerLogger := logger.With(slog.String("component", "notify_breaker"))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     config.BreakerCoolOff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.BreakerThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerLogger.Warn("Notification channel breaker state changed",
				slog.String("channel", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &BreakerChannel{inner: inner, breaker: breaker}, nil
}

// Name identifies the wrapped channel.
func (b *BreakerChannel) Name() string {
	return b.inner.Name()
}

// Send delivers through the breaker. An open breaker returns
// ErrChannelSuppressed without calling the endpoint.
func (b *BreakerChannel) Send(ctx context.Context, msg *Message) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Send(ctx, msg)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrChannelSuppressed, b.inner.Name())
	}

	return err
}

// BuildNotifier assembles the notifier from configuration: each configured
// channel is constructed, wrapped in its own breaker, and registered under
// its name. A config with no channels yields a notifier that fails every
// delivery as unknown.
func BuildNotifier(config *Config, logger *slog.Logger, metrics *observability.Metrics) (*Notifier, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notify config: %w", err)
	}

	var channels []Channel

	if config.SlackToken != "" {
		slackChannel, err := NewSlackChannel(config.SlackToken, config.SlackChannelID, logger)
		if err != nil {
			return nil, err
		}

		wrapped, err := WithBreaker(slackChannel, config, logger)
		if err != nil {
			return nil, err
		}

		channels = append(channels, wrapped)
	}

	if config.WebhookURL != "" {
		webhook, err := NewWebhookChannel(config.WebhookURL, config.WebhookSecret, config.WebhookTimeout, logger)
		if err != nil {
			return nil, err
		}

		wrapped, err := WithBreaker(webhook, config, logger)
		if err != nil {
			return nil, err
		}

		channels = append(channels, wrapped)
	}

	return NewNotifier(logger, metrics, channels...)
}
