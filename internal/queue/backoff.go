package queue

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 5 * time.Second
	defaultBackoffMax  = 10 * time.Minute

	// jitterSpread is the fraction of the computed delay used as the jitter
	// window: delay ± delay/2.
	jitterSpread = 0.5
)

// DefaultBackoff is applied when neither the enqueue options nor the queue
// configuration specify a policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   defaultBackoffBase,
		Max:    defaultBackoffMax,
		Jitter: true,
	}
}

// Delay computes the retry delay after the given failed attempt (1-based):
//
//	delay_k = min(Max, Base × 2^(k-1))
//
// With Jitter enabled the result is drawn uniformly from delay ± delay/2,
// which spreads synchronized retries (thundering herd after an outage)
// without breaking the monotonic envelope of the doubling schedule.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.Base
	if base <= 0 {
		base = defaultBackoffBase
	}

	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = defaultBackoffMax
	}

	delay := base

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay

			break
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	if p.Jitter {
		spread := float64(delay) * jitterSpread
		// Uniform in [delay - spread/2, delay + spread/2].
		delay = time.Duration(float64(delay) + spread*(rand.Float64()-0.5)) //nolint:gosec // math/rand is fine for jitter
	}

	if delay < 0 {
		delay = 0
	}

	return delay
}

// Bounds returns the minimum and maximum delay Delay may produce for the
// given attempt. Used by tests to assert the jitter envelope.
func (p BackoffPolicy) Bounds(attempt int) (time.Duration, time.Duration) {
	exact := BackoffPolicy{Base: p.Base, Max: p.Max, Jitter: false}.Delay(attempt)

	if !p.Jitter {
		return exact, exact
	}

	spread := time.Duration(float64(exact) * jitterSpread)

	low := exact - spread/2
	if low < 0 {
		low = 0
	}

	return low, exact + spread/2
}
