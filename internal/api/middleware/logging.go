// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestLogger logs one line per request on completion: method, path,
// status, duration, response size, and the correlation ID. Requests that
// authenticated also carry the key ID for the audit trail. Request starts
// log at debug, so a wedged handler can still be spotted by its unmatched
// start line.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			correlationID := GetCorrelationID(r.Context())

			logger.Debug("HTTP request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
				slog.String("correlation_id", correlationID),
			)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			completed := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", rw.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("response_bytes", rw.bytes),
				slog.String("correlation_id", correlationID),
			}

			if keyCtx, ok := GetKeyContext(r.Context()); ok {
				completed = append(completed, slog.String("key_id", keyCtx.KeyID))
			}

			logger.LogAttrs(r.Context(), slog.LevelInfo, "HTTP request completed", completed...)
		})
	}
}

// responseWriter captures the status code and body size the handler wrote.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(p)
	rw.bytes += int64(n)

	return n, err
}
