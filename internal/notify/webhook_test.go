package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestWebhook(t *testing.T, url, secret string) *WebhookChannel {
	t.Helper()

	c, err := NewWebhookChannel(url, secret, time.Second, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewWebhookChannel() error = %v", err)
	}

	return c
}

func TestNewWebhookChannel_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.DiscardHandler)

	if _, err := NewWebhookChannel("", "", time.Second, logger); err == nil {
		t.Error("NewWebhookChannel() with empty URL did not error")
	}

	if _, err := NewWebhookChannel("https://x", "", 0, logger); !errors.Is(err, ErrInvalidWebhookTimeout) {
		t.Errorf("NewWebhookChannel() with zero timeout error = %v", err)
	}

	if _, err := NewWebhookChannel("https://x", "", time.Second, nil); err == nil {
		t.Error("NewWebhookChannel() with nil logger did not error")
	}
}

func TestWebhookChannel_Send(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var (
		gotBody        []byte
		gotContentType string
		gotSignature   string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}

		gotBody = body
		gotContentType = req.Header.Get("Content-Type")
		gotSignature = req.Header.Get(signatureHeader)

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	channel := newTestWebhook(t, srv.URL, "")

	if err := channel.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}

	if gotSignature != "" {
		t.Error("signature header present without a configured secret")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}

	if payload["tenantId"] != "t-acme" || payload["alertId"] != "alert-7" {
		t.Errorf("payload = %v", payload)
	}

	if payload["currentValue"] != float64(3) {
		t.Errorf("currentValue = %v", payload["currentValue"])
	}
}

func TestWebhookChannel_Send_SignsPayload(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	const secret = "s3cret"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)

		want := hex.EncodeToString(mac.Sum(nil))
		if got := req.Header.Get(signatureHeader); got != want {
			t.Errorf("signature = %s, want %s", got, want)
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	channel := newTestWebhook(t, srv.URL, secret)

	if err := channel.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestWebhookChannel_Send_ServerError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	channel := newTestWebhook(t, srv.URL, "")

	if err := channel.Send(context.Background(), testMessage()); err == nil {
		t.Error("Send() against a 500 endpoint did not error")
	}
}

func TestWithBreaker_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.DiscardHandler)
	cfg := &Config{WebhookTimeout: time.Second, BreakerThreshold: 2, BreakerCoolOff: time.Second}

	if _, err := WithBreaker(nil, cfg, logger); err == nil {
		t.Error("WithBreaker() with nil channel did not error")
	}

	if _, err := WithBreaker(&fakeChannel{name: "x"}, nil, logger); err == nil {
		t.Error("WithBreaker() with nil config did not error")
	}

	bad := &Config{WebhookTimeout: time.Second, BreakerThreshold: 0, BreakerCoolOff: time.Second}
	if _, err := WithBreaker(&fakeChannel{name: "x"}, bad, logger); !errors.Is(err, ErrInvalidBreakerPolicy) {
		t.Errorf("WithBreaker() with zero threshold error = %v", err)
	}
}

func TestBreakerChannel_OpensAndRecovers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var (
		hits    atomic.Int64
		healthy atomic.Bool
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)

		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &Config{
		WebhookTimeout:   time.Second,
		BreakerThreshold: 2,
		BreakerCoolOff:   100 * time.Millisecond,
	}

	wrapped, err := WithBreaker(newTestWebhook(t, srv.URL, ""), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("WithBreaker() error = %v", err)
	}

	if wrapped.Name() != "webhook" {
		t.Errorf("Name() = %s", wrapped.Name())
	}

	msg := testMessage()

	// Two consecutive failures trip the breaker.
	for i := 0; i < 2; i++ {
		if err := wrapped.Send(context.Background(), msg); err == nil {
			t.Fatalf("Send() %d against a failing endpoint did not error", i)
		}
	}

	if err := wrapped.Send(context.Background(), msg); !errors.Is(err, ErrChannelSuppressed) {
		t.Fatalf("Send() with open breaker error = %v, want wrapped ErrChannelSuppressed", err)
	}

	if got := hits.Load(); got != 2 {
		t.Errorf("endpoint hits = %d, want 2 (open breaker must not call through)", got)
	}

	// After the cool-off a half-open probe heals the channel.
	healthy.Store(true)
	time.Sleep(150 * time.Millisecond)

	if err := wrapped.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() after cool-off error = %v", err)
	}

	if got := hits.Load(); got != 3 {
		t.Errorf("endpoint hits = %d, want 3", got)
	}

	if err := wrapped.Send(context.Background(), msg); err != nil {
		t.Errorf("Send() after recovery error = %v", err)
	}
}
