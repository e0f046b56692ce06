// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeLimiter is a RateLimiter stub for middleware tests.
type fakeLimiter struct {
	allowed  bool
	gotKeyID string
	called   bool
}

func (f *fakeLimiter) Allow(keyID string) bool {
	f.called = true
	f.gotKeyID = keyID

	return f.allowed
}

// TestComputeBurstCapacity verifies automatic burst computation and overrides.
func TestComputeBurstCapacity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := computeBurstCapacity(100, 0); got != 200 {
		t.Errorf("Expected auto-computed burst 200, got %d", got)
	}

	if got := computeBurstCapacity(100, 500); got != 500 {
		t.Errorf("Expected override burst 500, got %d", got)
	}
}

// TestInMemoryRateLimiter_UnauthenticatedTier verifies the unauthenticated
// tier exhausts independently of the global bucket.
func TestInMemoryRateLimiter_UnauthenticatedTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 1000,
		KeyRPS:    1000,
		UnAuthRPS: 1,
	})
	defer rl.Close()

	// Burst = 2 × 1, so two requests pass before the bucket empties
	if !rl.Allow("") {
		t.Fatal("First unauthenticated request should be allowed")
	}

	if !rl.Allow("") {
		t.Fatal("Second unauthenticated request should be allowed (burst)")
	}

	if rl.Allow("") {
		t.Error("Third unauthenticated request should be rate limited")
	}
}

// TestInMemoryRateLimiter_PerKeyIsolation verifies one key exhausting its
// bucket does not affect another key.
func TestInMemoryRateLimiter_PerKeyIsolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 1000,
		KeyRPS:    1,
		UnAuthRPS: 1000,
	})
	defer rl.Close()

	// Exhaust key-a (burst = 2)
	rl.Allow("key-a")
	rl.Allow("key-a")

	if rl.Allow("key-a") {
		t.Error("key-a should be rate limited after exhausting its bucket")
	}

	if !rl.Allow("key-b") {
		t.Error("key-b should not be affected by key-a's limit")
	}
}

// TestInMemoryRateLimiter_GlobalTier verifies the global bucket caps all
// requests regardless of key.
func TestInMemoryRateLimiter_GlobalTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		KeyRPS:      1000,
		UnAuthRPS:   1000,
	})
	defer rl.Close()

	if !rl.Allow("key-a") {
		t.Fatal("First request should be allowed")
	}

	if rl.Allow("key-b") {
		t.Error("Second request should hit the global limit even with a different key")
	}
}

// TestInMemoryRateLimiter_Cleanup verifies idle key limiters are removed.
func TestInMemoryRateLimiter_Cleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1000,
		KeyRPS:      1000,
		UnAuthRPS:   1000,
		IdleTimeout: time.Millisecond,
	})
	defer rl.Close()

	rl.Allow("key-stale")

	// Let the limiter go idle past the timeout, then sweep
	time.Sleep(5 * time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	_, exists := rl.perKey["key-stale"]
	rl.mu.RUnlock()

	if exists {
		t.Error("Idle key limiter should be removed by cleanup")
	}
}

// TestRateLimit_Denied verifies the middleware returns 429 with an RFC 7807
// body when the limiter denies a request.
func TestRateLimit_Denied(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := &fakeLimiter{allowed: false}
	handler := RateLimit(limiter, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("Handler should not be called when rate limited")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Expected problem+json content type, got %q", ct)
	}

	var problem map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&problem); err != nil {
		t.Fatalf("Failed to decode problem response: %v", err)
	}

	if problem["title"] != "Too Many Requests" {
		t.Errorf("Expected title Too Many Requests, got %v", problem["title"])
	}
}

// TestRateLimit_UsesKeyID verifies the middleware passes the authenticated
// key ID to the limiter for per-key throttling.
func TestRateLimit_UsesKeyID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := &fakeLimiter{allowed: true}
	handler := RateLimit(limiter, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil)
	ctx := SetKeyContext(req.Context(), KeyContext{KeyID: "key-123"})
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req.WithContext(ctx))

	if !limiter.called {
		t.Fatal("Limiter should be consulted")
	}

	if limiter.gotKeyID != "key-123" {
		t.Errorf("Expected limiter to receive key-123, got %q", limiter.gotKeyID)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

// TestRateLimit_UnauthenticatedUsesEmptyKeyID verifies requests without a
// KeyContext are throttled on the unauthenticated tier.
func TestRateLimit_UnauthenticatedUsesEmptyKeyID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := &fakeLimiter{allowed: true, gotKeyID: "sentinel"}
	handler := RateLimit(limiter, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if limiter.gotKeyID != "" {
		t.Errorf("Expected empty key ID for unauthenticated request, got %q", limiter.gotKeyID)
	}
}
