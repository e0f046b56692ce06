package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/slack-go/slack"
)

// slackAPI abstracts the subset of slack.Client methods the channel uses.
// This allows tests to substitute a mock implementation without a live
// Slack connection.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackChannel posts triggered alerts to one Slack channel.
type SlackChannel struct {
	api       slackAPI
	channelID string
	logger    *slog.Logger
}

// NewSlackChannel creates a Slack channel from a bot token.
func NewSlackChannel(token, channelID string, logger *slog.Logger) (*SlackChannel, error) {
	if token == "" {
		return nil, errors.New("slack token cannot be empty")
	}

	if channelID == "" {
		return nil, errors.New("slack channel id cannot be empty")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &SlackChannel{
		api:       slack.New(token),
		channelID: channelID,
		logger:    logger.With(slog.String("component", "slack_channel")),
	}, nil
}

// Name identifies the channel in alert configuration.
func (c *SlackChannel) Name() string {
	return "slack"
}

// Send posts the alert as an attachment with severity coloring.
func (c *SlackChannel) Send(ctx context.Context, msg *Message) error {
	attachment := slack.Attachment{
		Color: severityColor(msg.Severity),
		Title: fmt.Sprintf("Alert: %s", msg.AlertName),
		Text:  msg.Summary,
		Fields: []slack.AttachmentField{
			{Title: "Tenant", Value: msg.TenantID, Short: true},
			{Title: "Metric", Value: msg.MetricName, Short: true},
			{Title: "Current", Value: formatValue(msg.CurrentValue), Short: true},
			{Title: "Baseline", Value: formatValue(msg.BaselineValue), Short: true},
		},
	}

	_, _, err := c.api.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionText(fmt.Sprintf("[%s] %s", msg.Severity, msg.AlertName), false),
		slack.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}

	return nil
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "#439FE0"
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
