package cache

import (
	"errors"
	"strings"
	"testing"
)

func TestFingerprint_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	params := map[string]interface{}{
		"stage":  "qualified",
		"window": map[string]interface{}{"start": "2025-01-01", "end": "2025-03-31"},
		"limit":  float64(50),
	}

	first, err := Fingerprint("t-acme", "pipeline_kpis", params, "v42")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	second, err := Fingerprint("t-acme", "pipeline_kpis", params, "v42")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	if first != second {
		t.Errorf("Fingerprint() not deterministic: %s vs %s", first, second)
	}
}

func TestFingerprint_PrefixStructure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := Fingerprint("t-acme", "pipeline_kpis", nil, "v1")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	if !strings.HasPrefix(key, "pipeline_kpis:t-acme:") {
		t.Errorf("Fingerprint() = %s, want pipeline_kpis:t-acme: prefix", key)
	}

	// 64 hex chars of digest after the structured prefix.
	digest := strings.TrimPrefix(key, "pipeline_kpis:t-acme:")
	if len(digest) != 64 {
		t.Errorf("digest length = %d, want 64", len(digest))
	}
}

func TestFingerprint_DiscriminatesInputs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	base, err := Fingerprint("t-acme", "pipeline_kpis", map[string]interface{}{"stage": "qualified"}, "v1")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	variants := []struct {
		name              string
		tenantID          string
		queryName         string
		params            map[string]interface{}
		dependencyVersion string
	}{
		{"different tenant", "t-globex", "pipeline_kpis", map[string]interface{}{"stage": "qualified"}, "v1"},
		{"different query", "t-acme", "activity_rollup", map[string]interface{}{"stage": "qualified"}, "v1"},
		{"different params", "t-acme", "pipeline_kpis", map[string]interface{}{"stage": "won"}, "v1"},
		{"different dependency version", "t-acme", "pipeline_kpis", map[string]interface{}{"stage": "qualified"}, "v2"},
	}

	for _, tt := range variants {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Fingerprint(tt.tenantID, tt.queryName, tt.params, tt.dependencyVersion)
			if err != nil {
				t.Fatalf("Fingerprint() error = %v", err)
			}

			if key == base {
				t.Errorf("Fingerprint() collided with base key %s", base)
			}
		})
	}
}

func TestFingerprint_NilAndEmptyParamsDiffer(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// nil encodes as JSON null, an empty map as {}. Both are legal and must
	// stay stable, and they are distinct variants of the query.
	withNil, err := Fingerprint("t-acme", "pipeline_kpis", nil, "v1")
	if err != nil {
		t.Fatalf("Fingerprint() with nil params error = %v", err)
	}

	withEmpty, err := Fingerprint("t-acme", "pipeline_kpis", map[string]interface{}{}, "v1")
	if err != nil {
		t.Fatalf("Fingerprint() with empty params error = %v", err)
	}

	if withNil == withEmpty {
		t.Error("nil and empty params produced the same key")
	}
}

func TestFingerprint_Invalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if _, err := Fingerprint("t-acme", "", nil, "v1"); !errors.Is(err, ErrInvalidFingerprint) {
		t.Errorf("Fingerprint() with empty query error = %v, want ErrInvalidFingerprint", err)
	}

	unencodable := map[string]interface{}{"ch": make(chan int)}

	if _, err := Fingerprint("t-acme", "pipeline_kpis", unencodable, "v1"); !errors.Is(err, ErrInvalidFingerprint) {
		t.Errorf("Fingerprint() with unencodable params error = %v, want ErrInvalidFingerprint", err)
	}
}
