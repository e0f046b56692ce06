// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery converts a handler panic into a 500 problem response instead of a
// dropped connection, logging the stack under the request's correlation ID.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				cause := recover()
				if cause == nil {
					return
				}

				correlationID := GetCorrelationID(r.Context())

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("panic", cause),
					slog.String("stack_trace", string(debug.Stack())),
				)

				writePanicProblem(w, r, logger, correlationID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// writePanicProblem sends the 500 document. The panic detail stays out of the
// body; it is in the log under the same correlation ID.
func writePanicProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, correlationID string) {
	detail := "An unexpected error occurred while processing the request"

	if err := writeRFC7807Error(w, r, http.StatusInternalServerError, detail, correlationID); err != nil {
		logger.Error("Failed to encode panic response",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}
}
