// Package notify delivers triggered alerts to external channels. Each
// channel is wrapped in a circuit breaker so a dead endpoint suppresses its
// own deliveries instead of stalling alert evaluation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/revlens-io/revlens/internal/observability"
)

// Delivery statuses recorded per channel.
const (
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusSuppressed = "suppressed"
)

// Severity levels carried on alert messages.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

var (
	// ErrUnknownChannel indicates an alert names a channel the notifier does
	// not carry.
	ErrUnknownChannel = errors.New("unknown notification channel")

	// ErrChannelSuppressed indicates the channel's circuit breaker is open
	// and the delivery was not attempted.
	ErrChannelSuppressed = errors.New("channel suppressed by open circuit breaker")
)

// Message is one triggered alert ready for delivery.
type Message struct {
	TenantID      string    `json:"tenantId"`
	AlertID       string    `json:"alertId"`
	AlertName     string    `json:"alertName"`
	MetricName    string    `json:"metricName"`
	RuleType      string    `json:"ruleType"`
	Severity      string    `json:"severity"`
	CurrentValue  float64   `json:"currentValue"`
	BaselineValue float64   `json:"baselineValue"`
	Threshold     float64   `json:"threshold"`
	Summary       string    `json:"summary"`
	TriggeredAt   time.Time `json:"triggeredAt"`
}

// Channel delivers a message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Delivery is the result of one channel attempt.
type Delivery struct {
	Channel string
	Status  string
	Err     error
}

// Notifier fans a message out to its configured channels.
type Notifier struct {
	channels map[string]Channel
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewNotifier creates a notifier over the given channels. A notifier with no
// channels is valid; every requested delivery then fails as unknown.
func NewNotifier(logger *slog.Logger, metrics *observability.Metrics, channels ...Channel) (*Notifier, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if metrics == nil {
		return nil, errors.New("metrics cannot be nil")
	}

	byName := make(map[string]Channel, len(channels))

	for _, channel := range channels {
		if channel == nil {
			return nil, errors.New("channel cannot be nil")
		}

		if _, dup := byName[channel.Name()]; dup {
			return nil, fmt.Errorf("duplicate channel %q", channel.Name())
		}

		byName[channel.Name()] = channel
	}

	return &Notifier{
		channels: byName,
		logger:   logger.With(slog.String("component", "notifier")),
		metrics:  metrics,
	}, nil
}

// Channels lists the carried channel names, sorted.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for name := range n.channels {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Dispatch sends msg to each named channel and returns one delivery per
// name, in input order. A failing channel never short-circuits the rest.
func (n *Notifier) Dispatch(ctx context.Context, msg *Message, channelNames []string) []Delivery {
	deliveries := make([]Delivery, 0, len(channelNames))

	for _, name := range channelNames {
		delivery := n.dispatchOne(ctx, msg, name)
		deliveries = append(deliveries, delivery)

		n.metrics.NotificationResult(name, delivery.Status)

		if delivery.Err != nil {
			n.logger.Warn("Alert delivery failed",
				slog.String("channel", name),
				slog.String("alert_id", msg.AlertID),
				slog.String("tenant_id", msg.TenantID),
				slog.String("status", delivery.Status),
				slog.Any("error", delivery.Err))

			continue
		}

		n.logger.Info("Alert delivered",
			slog.String("channel", name),
			slog.String("alert_id", msg.AlertID),
			slog.String("tenant_id", msg.TenantID))
	}

	return deliveries
}

func (n *Notifier) dispatchOne(ctx context.Context, msg *Message, name string) Delivery {
	channel, ok := n.channels[name]
	if !ok {
		return Delivery{
			Channel: name,
			Status:  StatusFailed,
			Err:     fmt.Errorf("%w: %s", ErrUnknownChannel, name),
		}
	}

	if err := channel.Send(ctx, msg); err != nil {
		status := StatusFailed
		if errors.Is(err, ErrChannelSuppressed) {
			status = StatusSuppressed
		}

		return Delivery{Channel: name, Status: status, Err: err}
	}

	return Delivery{Channel: name, Status: StatusSent}
}
