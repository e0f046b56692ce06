// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/revlens-io/revlens/internal/storage"
)

// Option is one middleware layer. Apply composes them.
type Option func(http.Handler) http.Handler

// Apply wraps handler in the given options, first option outermost. The
// server lists them in request traversal order:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithAuth(store, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// passthrough is the option for layers whose dependency is not configured.
func passthrough(next http.Handler) http.Handler {
	return next
}

// WithCorrelationID tags requests with correlation IDs.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery converts handler panics into 500 problem responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuth authenticates requests against the key store. A nil store leaves
// requests unauthenticated; RequireScope then passes them through, which is
// the auth-disabled development mode.
func WithAuth(store storage.KeyStore, logger *slog.Logger) Option {
	if store == nil {
		return passthrough
	}

	return Authenticate(store, logger)
}

// WithRateLimit throttles requests per client. A nil limiter disables
// throttling.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passthrough
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs request completions.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS answers cross-origin requests under the given policy.
func WithCORS(config CORSConfig) Option {
	return CORS(config)
}
