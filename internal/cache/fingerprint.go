package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidFingerprint indicates fingerprint inputs that cannot form a
	// cache key.
	ErrInvalidFingerprint = errors.New("invalid fingerprint input")
)

// Fingerprint derives the cache key for one computed result. The key is
// structured as "<query>:<tenant>:<digest>" so that Invalidate can target
// every variant of a query ("pipeline_kpis:") or a single tenant's variants
// ("pipeline_kpis:t-acme:") by prefix. The digest covers the parameters and
// the dependency version, so bumping the version after a view refresh yields
// a fresh key and the stale entries age out or get invalidated.
//
// Parameters are canonicalized through JSON encoding, which sorts map keys
// at every level. Two calls with the same logical parameters always produce
// the same key.
func Fingerprint(tenantID, queryName string, params map[string]interface{}, dependencyVersion string) (string, error) {
	if queryName == "" {
		return "", fmt.Errorf("%w: query name cannot be empty", ErrInvalidFingerprint)
	}

	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("%w: encode parameters: %w", ErrInvalidFingerprint, err)
	}

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(dependencyVersion))

	digest := hex.EncodeToString(h.Sum(nil))

	return queryName + ":" + tenantID + ":" + digest, nil
}
