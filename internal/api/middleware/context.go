// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"context"
	"time"

	"github.com/revlens-io/revlens/internal/storage"
)

// keyContextKey is the context key for authenticated API key information.
// Using a struct type ensures type safety and prevents collisions with other context keys.
type keyContextKey struct{}

// KeyContext contains authenticated API key information enriched in the request context.
// This context is added by the authentication middleware after successful API key validation.
type KeyContext struct {
	// KeyID is the API key ID used for authentication (for audit logging)
	KeyID string

	// Name is the human-readable key name for logging and display
	Name string

	// TenantID scopes the key to a single tenant. Platform-operator keys
	// carry an empty TenantID and may act on any tenant.
	TenantID string

	// Scopes are the authorization scopes granted to this key
	Scopes []string

	// AuthTime is the timestamp when authentication occurred (for latency tracking)
	AuthTime time.Time
}

// HasScope reports whether the authenticated key carries a specific scope.
// The admin scope satisfies every check.
func (kc KeyContext) HasScope(scope string) bool {
	for _, s := range kc.Scopes {
		if s == scope || s == storage.ScopeAdmin {
			return true
		}
	}

	return false
}

// GetKeyContext extracts key context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not found.
//
// Example usage:
//
//	keyCtx, authenticated := middleware.GetKeyContext(r.Context())
//	if !authenticated {
//	    // Handle unauthenticated request
//	    return
//	}
//	log.Printf("Request from key: %s", keyCtx.KeyID)
func GetKeyContext(ctx context.Context) (KeyContext, bool) {
	keyCtx, ok := ctx.Value(keyContextKey{}).(KeyContext)

	return keyCtx, ok
}

// SetKeyContext adds key context to the request context.
// Returns a new context with the key context attached.
//
// This function is used by the authentication middleware to enrich the request context
// after successful API key validation.
func SetKeyContext(ctx context.Context, keyCtx KeyContext) context.Context {
	return context.WithValue(ctx, keyContextKey{}, keyCtx)
}
