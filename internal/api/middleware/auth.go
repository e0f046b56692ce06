// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/revlens-io/revlens/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

// Authentication failures map to two public messages so callers cannot
// probe which keys exist; the sentinels keep the distinction for logs and
// status codes.
var (
	// ErrMissingAPIKey is returned when no API key is present in the headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey covers malformed and unknown keys alike.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrAPIKeyExpired is returned when the key's expiry has passed.
	ErrAPIKeyExpired = errors.New("API key expired")

	// ErrAPIKeyInactive is returned for soft-deleted keys.
	ErrAPIKeyInactive = errors.New("API key inactive")
)

// publicEndpoints lists paths that bypass authentication, such as health
// probes. Populated during route setup, read-only afterwards.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint exempts a path from authentication. Only health
// and metrics endpoints belong here; control plane routes never do.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// AuthError carries the failure sentinel plus the message shown to the
// caller.
type AuthError struct {
	Type    error
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap exposes the sentinel to errors.Is.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractAPIKey pulls the API key from the request, preferring X-Api-Key
// over Authorization: Bearer.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return validateAPIKey(strings.TrimPrefix(auth, "Bearer "))
	}

	return "", false
}

// validateAPIKey trims the candidate key and rejects empty values and keys
// carrying newlines, which could smuggle extra headers into log lines.
func validateAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// maskTimingDifference burns one bcrypt comparison so requests rejected
// before the store lookup cost about the same as a failed lookup.
func maskTimingDifference() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// authenticateRequest resolves the API key against the store and checks
// active status and expiry. Format and lookup failures share one public
// message; the log line carries the real failure_type.
func authenticateRequest(
	ctx context.Context,
	store storage.KeyStore,
	apiKey string,
	logger *slog.Logger,
) (*storage.Key, error) {
	parsedKey, err := storage.ParseAPIKey(apiKey)
	if err != nil {
		maskTimingDifference()

		logger.Error("authentication failed: invalid key format",
			slog.String("error", err.Error()),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "format_validation"),
		)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	foundKey, exists := store.FindByKey(ctx, parsedKey)
	if !exists {
		maskTimingDifference()

		logger.Error("authentication failed: key not found",
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "key_not_found"),
		)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	if !foundKey.Active {
		logger.Error("authentication failed: key inactive",
			slog.String("key_id", foundKey.ID),
			slog.String("key_name", foundKey.Name),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "key_inactive"),
		)

		return nil, &AuthError{Type: ErrAPIKeyInactive, Message: "API key is inactive"}
	}

	if foundKey.ExpiresAt != nil && time.Now().After(*foundKey.ExpiresAt) {
		logger.Error("authentication failed: key expired",
			slog.String("key_id", foundKey.ID),
			slog.String("key_name", foundKey.Name),
			slog.Time("expired_at", *foundKey.ExpiresAt),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "key_expired"),
		)

		return nil, &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}
	}

	return foundKey, nil
}

// Authenticate validates the request's API key against the store and, on
// success, attaches a KeyContext for the handlers and the per-key rate
// limiter downstream. Registered public endpoints skip the check entirely.
func Authenticate(store storage.KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			authenticated, err := authenticateRequest(r.Context(), store, apiKey, logger)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			keyCtx := KeyContext{
				KeyID:    authenticated.ID,
				Name:     authenticated.Name,
				TenantID: authenticated.TenantID,
				Scopes:   authenticated.Scopes,
				AuthTime: time.Now(),
			}

			logger.Info("API key authenticated",
				slog.String("key_id", keyCtx.KeyID),
				slog.String("key_name", keyCtx.Name),
				slog.String("tenant_id", keyCtx.TenantID),
				slog.String("key", storage.MaskKey(authenticated.Key)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(SetKeyContext(r.Context(), keyCtx)))
		})
	}
}

// RequireScope wraps a handler with an authorization check against the
// authenticated key's scopes. Keys lacking the scope receive a 403 response.
//
// Requests without a KeyContext pass through unchecked: a server running
// without a key store runs open, the same as the authentication middleware
// itself. When authentication is enabled, every protected route carries a
// KeyContext by the time this check runs.
func RequireScope(scope string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyCtx, authenticated := GetKeyContext(r.Context())
			if !authenticated {
				next.ServeHTTP(w, r)

				return
			}

			if !keyCtx.HasScope(scope) {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("Authorization failed: missing scope",
					slog.String("key_id", keyCtx.KeyID),
					slog.String("key_name", keyCtx.Name),
					slog.String("required_scope", scope),
					slog.String("correlation_id", correlationID),
					slog.String("endpoint", r.URL.Path),
				)

				detail := fmt.Sprintf("API key does not carry the %q scope", scope)
				writeProblem(w, r, logger, http.StatusForbidden, detail, correlationID)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// authStatusCode maps an authentication failure to its HTTP status.
// Inactive keys get 403: the caller proved who they are, the key is just
// switched off.
func authStatusCode(err error) int {
	var authErr *AuthError
	if errors.As(err, &authErr) && errors.Is(authErr.Type, ErrAPIKeyInactive) {
		return http.StatusForbidden
	}

	return http.StatusUnauthorized
}

// writeAuthError logs the failure and answers with a problem document.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())
	statusCode := authStatusCode(err)

	// No key material in this line; the request had none worth logging.
	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	writeProblem(w, r, logger, statusCode, err.Error(), correlationID)
}

// writeProblem emits the response via writeRFC7807Error and degrades to
// plain text if encoding fails before the status line is committed.
func writeProblem(
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	statusCode int,
	detail, correlationID string,
) {
	if err := writeRFC7807Error(w, r, statusCode, detail, correlationID); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.Any("error", err),
		)

		http.Error(w, detail, statusCode)
	}
}

