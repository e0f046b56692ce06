// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	defaultGlobalRPS        = 100
	defaultKeyRPS           = 50
	defaultUnAuthRPS        = 10
	defaultMaxKeys          = 100

	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = 1 * time.Hour
)

// RateLimiter decides whether a request proceeds. keyID is the authenticated
// API key's ID, or empty for unauthenticated requests. The interface leaves
// room for a Redis-backed implementation once RevLens runs multi-node.
type RateLimiter interface {
	Allow(keyID string) bool
}

// InMemoryRateLimiter throttles on three token buckets: one global, one per
// authenticated key, one shared by all unauthenticated requests. Key buckets
// are created lazily and swept once they go idle.
type InMemoryRateLimiter struct {
	global          *rate.Limiter
	unauthenticated *rate.Limiter

	mu     sync.RWMutex
	perKey map[string]*keyLimiter

	keyRPS   int
	keyBurst int
	maxKeys  int
	warnAt   int

	idleTimeout   time.Duration
	cleanupTicker *time.Ticker
	done          chan struct{}
}

// keyLimiter pairs a bucket with the time it last admitted a request, kept
// as UnixNano so the sweep can read it without taking the bucket's lock.
type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewInMemoryRateLimiter builds the limiter from config, filling zero fields
// with defaults: burst is twice the rate, the sweep runs every five minutes,
// and buckets idle for an hour are dropped.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	maxKeys := config.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	idleTimeout := config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	cleanupInterval := config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl := &InMemoryRateLimiter{
		global: rate.NewLimiter(
			rate.Limit(config.GlobalRPS), computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)),
		unauthenticated: rate.NewLimiter(
			rate.Limit(config.UnAuthRPS), computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)),
		perKey:      make(map[string]*keyLimiter),
		keyRPS:      config.KeyRPS,
		keyBurst:    computeBurstCapacity(config.KeyRPS, config.KeyBurst),
		maxKeys:     maxKeys,
		warnAt:      maxKeys * 80 / 100,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)
	go rl.sweepLoop()

	return rl
}

// computeBurstCapacity returns the override when set, otherwise twice the
// sustained rate.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow consults the global bucket first, then the tier the request belongs
// to. A denied request consumes no token from its tier bucket.
func (rl *InMemoryRateLimiter) Allow(keyID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if keyID == "" {
		return rl.unauthenticated.Allow()
	}

	kl := rl.limiterFor(keyID)
	kl.lastSeen.Store(time.Now().UnixNano())

	return kl.limiter.Allow()
}

// limiterFor returns the key's bucket, creating it on first sight.
func (rl *InMemoryRateLimiter) limiterFor(keyID string) *keyLimiter {
	rl.mu.RLock()
	kl, ok := rl.perKey[keyID]
	rl.mu.RUnlock()

	if ok {
		return kl
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another request may have created it between the locks.
	if kl, ok = rl.perKey[keyID]; ok {
		return kl
	}

	kl = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(rl.keyRPS), rl.keyBurst)}
	kl.lastSeen.Store(time.Now().UnixNano())
	rl.perKey[keyID] = kl

	if len(rl.perKey) >= rl.warnAt {
		slog.Warn("rate limiter approaching max keys limit",
			"current_keys", len(rl.perKey),
			"max_keys", rl.maxKeys,
			"recommendation", "investigate potential key proliferation or increase max_keys limit")
	}

	return kl
}

// Close stops the sweep goroutine. Close is deliberately not part of the
// RateLimiter interface; implementations without background work need no
// cleanup.
func (rl *InMemoryRateLimiter) Close() error {
	rl.cleanupTicker.Stop()
	close(rl.done)

	return nil
}

func (rl *InMemoryRateLimiter) sweepLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.done:
			return
		}
	}
}

// cleanup drops buckets that have not admitted a request within the idle
// timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for keyID, kl := range rl.perKey {
		if now.Sub(time.Unix(0, kl.lastSeen.Load())) > rl.idleTimeout {
			delete(rl.perKey, keyID)
		}
	}
}

// RateLimit answers 429 with a problem document when the limiter denies a
// request. It keys on the authenticated KeyContext, so it belongs after the
// authentication middleware in the chain; without one the request counts
// against the unauthenticated tier.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID := ""
			if keyCtx, ok := GetKeyContext(r.Context()); ok {
				keyID = keyCtx.KeyID
			}

			if !limiter.Allow(keyID) {
				detail := "Rate limit exceeded. Please retry after some time."
				writeProblem(w, r, logger, http.StatusTooManyRequests, detail, GetCorrelationID(r.Context()))

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
