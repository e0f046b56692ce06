package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// signatureHeader carries the hex HMAC-SHA256 of the payload when a signing
// secret is configured.
const signatureHeader = "X-RevLens-Signature"

// WebhookChannel POSTs triggered alerts as JSON to a configured endpoint.
type WebhookChannel struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookChannel creates a webhook channel. An empty secret disables
// payload signing.
func NewWebhookChannel(url, secret string, timeout time.Duration, logger *slog.Logger) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook URL cannot be empty")
	}

	if timeout <= 0 {
		return nil, ErrInvalidWebhookTimeout
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &WebhookChannel{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(slog.String("component", "webhook_channel")),
	}, nil
}

// Name identifies the channel in alert configuration.
func (c *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts the message. Any non-2xx response is a failure the caller's
// breaker counts.
func (c *WebhookChannel) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.secret != "" {
		mac := hmac.New(sha256.New, []byte(c.secret))
		mac.Write(body)
		req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	return nil
}
