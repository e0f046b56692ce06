// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// correlationIDKey is the context key for the request correlation ID.
type correlationIDKey struct{}

// CorrelationID tags every request with an ID that follows it through logs
// and error responses. An inbound X-Correlation-ID wins; X-Request-ID is
// honored next so IDs assigned by load balancers survive into the logs; a
// request arriving with neither gets a fresh UUID. The ID is echoed on the
// response so callers can quote it when reporting a problem.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = r.Header.Get("X-Request-ID")
			}

			if correlationID == "" {
				correlationID = uuid.NewString()
			}

			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context,
// "unknown" when the middleware never ran.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}
