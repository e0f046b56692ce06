// Package storage provides the PostgreSQL persistence layer for RevLens:
// staging ingestion, the job queue, schedules, view refresh bookkeeping,
// the catalog, delivery records, and admin API keys.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Admin API keys are "revlens_ak_" followed by 64 hex chars, 75 bytes total.
const (
	apiKeyPrefix    = "revlens_ak_"
	randomBytesSize = 32
	apiKeyLength    = 75

	// MaskKey reveals this much of each end.
	prefixLen = 15
	suffixLen = 4
)

// Admin API scopes. A key carries the scopes its bearer may exercise;
// ScopeAdmin implies everything.
const (
	ScopeAdmin           = "admin"
	ScopeRead            = "read"
	ScopeReplay          = "ingest:replay"
	ScopeJobsWrite       = "jobs:write"
	ScopeSchedulesWrite  = "schedules:write"
	ScopeCacheInvalidate = "cache:invalidate"
)

// Key store and key parsing failures.
var (
	// ErrKeyAlreadyExists is returned when the ID or key string is taken.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when no key carries the given ID.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrKeyStringEmpty is returned by ParseAPIKey for an empty input.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned for keys without the revlens_ak_ prefix.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned for keys of the wrong length.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

// Key represents an admin API key with tenant scoping and scopes.
// Platform-operator keys carry an empty TenantID.
type Key struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Active    bool       `json:"active"`
}

// KeyStore defines the interface for admin API key storage and retrieval.
type KeyStore interface {
	// FindByKey retrieves an API key by its key value
	FindByKey(ctx context.Context, key string) (*Key, bool)
	// Add stores a new API key
	Add(ctx context.Context, apiKey *Key) error
	// Update modifies an existing API key
	Update(ctx context.Context, apiKey *Key) error
	// Delete removes an API key
	Delete(ctx context.Context, keyID string) error
	// ListByTenant returns all API keys scoped to a tenant; empty tenant ID
	// lists the platform-operator keys
	ListByTenant(ctx context.Context, tenantID string) ([]*Key, error)
}

// ValidateKey reports whether providedKey matches this key and the key is
// still usable: active and not past its expiry. The comparison is constant
// time.
func (ak *Key) ValidateKey(providedKey string) bool {
	if providedKey == "" || ak.Key == "" {
		return false
	}

	if !ak.Active {
		return false
	}

	if ak.ExpiresAt != nil && time.Now().After(*ak.ExpiresAt) {
		return false
	}

	return SecureCompare(ak.Key, providedKey)
}

// HasScope checks if the API key carries a specific scope. ScopeAdmin
// satisfies every check.
func (ak *Key) HasScope(scope string) bool {
	for _, s := range ak.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}

	return false
}

// SecureCompare compares two strings in constant time. Mismatched lengths
// still burn a comparison over a's length, so the short-circuit is not
// observable either.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(a), make([]byte, len(a)))

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey renders an API key safe for logs. A standard 75-char key keeps
// its first 15 and last 4 characters; anything else is starred out whole,
// since an unexpected shape may not have a safe prefix.
func MaskKey(key string) string {
	if len(key) != apiKeyLength {
		return strings.Repeat("*", len(key))
	}

	masked := strings.Repeat("*", apiKeyLength-prefixLen-suffixLen)

	return key[:prefixLen] + masked + key[apiKeyLength-suffixLen:]
}

// GenerateAPIKey creates a new admin API key from 256 bits of randomness.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, randomBytesSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return apiKeyPrefix + hex.EncodeToString(buf), nil // pragma: allowlist secret
}

// ParseAPIKey normalizes a key taken from a header, stripping an optional
// "Bearer " prefix and checking shape. It does not verify the key exists.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, apiKeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
