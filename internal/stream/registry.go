package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// registryContentType is the media type the Confluent-compatible registry
// speaks.
const registryContentType = "application/vnd.schemaregistry.v1+json"

// Schema is one registered record schema resolved by id.
type Schema struct {
	ID uint32

	// Type is the registry's schemaType; empty means JSON per the registry
	// default for this deployment.
	Type string

	// Definition is the raw schema document.
	Definition string
}

// Validate checks a decoded record body against the schema. The pipeline
// registers JSON schemas only, so validation asserts the body is
// well-formed JSON; field-level checks happen at the ingestion handler.
func (s *Schema) Validate(body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not valid JSON for schema %d", ErrSchema, s.ID)
	}

	return nil
}

// SchemaRegistry resolves and caches binary schemas by id over the
// registry's HTTP API. Resolved schemas are cached for the process
// lifetime, so a registry outage only affects ids never seen before.
type SchemaRegistry struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[uint32]*Schema

	// Retry budget for one resolution. Transient HTTP failures back off
	// exponentially until retryElapsed is spent, then surface as
	// ErrRegistryUnavailable.
	retryInitial time.Duration
	retryMax     time.Duration
	retryElapsed time.Duration
}

// NewSchemaRegistry creates a registry client for the given base URL.
func NewSchemaRegistry(baseURL string, logger *slog.Logger) (*SchemaRegistry, error) {
	if baseURL == "" {
		return nil, errors.New("registry URL cannot be empty")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &SchemaRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With(slog.String("component", "schema_registry")),
		cache:   make(map[uint32]*Schema),

		retryInitial: 200 * time.Millisecond,
		retryMax:     2 * time.Second,
		retryElapsed: 10 * time.Second,
	}, nil
}

// Resolve returns the schema for id, from cache when possible.
//
// Unknown ids are permanent (ErrSchema): re-asking the registry for an id it
// has rejected cannot succeed, so the record is skipped. Transport failures
// are transient (ErrRegistryUnavailable) and must hold the record's offset.
func (r *SchemaRegistry) Resolve(ctx context.Context, id uint32) (*Schema, error) {
	r.mu.RLock()
	cached, ok := r.cache[id]
	r.mu.RUnlock()

	if ok {
		return cached, nil
	}

	var payload struct {
		Schema     string `json:"schema"`
		SchemaType string `json:"schemaType"`
	}

	path := fmt.Sprintf("/schemas/ids/%d", id)

	if err := r.getJSON(ctx, path, &payload); err != nil {
		return nil, fmt.Errorf("resolve schema %d: %w", id, err)
	}

	schema := &Schema{
		ID:         id,
		Type:       payload.SchemaType,
		Definition: payload.Schema,
	}

	r.mu.Lock()
	r.cache[id] = schema
	r.mu.Unlock()

	r.logger.Debug("Resolved schema",
		slog.Int("schema_id", int(id)),
		slog.String("schema_type", schema.Type))

	return schema, nil
}

// Register submits a schema under subject and returns its assigned id.
func (r *SchemaRegistry) Register(ctx context.Context, subject, definition string) (uint32, error) {
	body, err := json.Marshal(map[string]string{
		"schema":     definition,
		"schemaType": "JSON",
	})
	if err != nil {
		return 0, fmt.Errorf("encode schema: %w", err)
	}

	var payload struct {
		ID uint32 `json:"id"`
	}

	path := "/subjects/" + subject + "/versions"

	if err := r.postJSON(ctx, path, body, &payload); err != nil {
		return 0, fmt.Errorf("register subject %s: %w", subject, err)
	}

	return payload.ID, nil
}

// CheckCompatibility asks the registry whether a schema is compatible with
// the latest registered version of subject.
func (r *SchemaRegistry) CheckCompatibility(ctx context.Context, subject, definition string) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"schema":     definition,
		"schemaType": "JSON",
	})
	if err != nil {
		return false, fmt.Errorf("encode schema: %w", err)
	}

	var payload struct {
		IsCompatible bool `json:"is_compatible"`
	}

	path := "/compatibility/subjects/" + subject + "/versions/latest"

	if err := r.postJSON(ctx, path, body, &payload); err != nil {
		return false, fmt.Errorf("check compatibility for %s: %w", subject, err)
	}

	return payload.IsCompatible, nil
}

// HealthCheck verifies the registry answers. Used as a startup preflight;
// permanent unavailability blocks the consumer from starting.
func (r *SchemaRegistry) HealthCheck(ctx context.Context) error {
	var subjects []string

	if err := r.getJSON(ctx, "/subjects", &subjects); err != nil {
		return fmt.Errorf("registry health check: %w", err)
	}

	return nil
}

// CachedSchemas reports how many schemas are held locally.
func (r *SchemaRegistry) CachedSchemas() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.cache)
}

func (r *SchemaRegistry) getJSON(ctx context.Context, path string, out interface{}) error {
	return r.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (r *SchemaRegistry) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	return r.doJSON(ctx, http.MethodPost, path, body, out)
}

// doJSON performs one registry call with bounded exponential retries.
// 4xx responses are permanent and mapped to ErrSchema; everything else is
// retried until the budget is spent, then mapped to ErrRegistryUnavailable.
func (r *SchemaRegistry) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: build request: %w", ErrSchema, err))
		}

		req.Header.Set("Accept", registryContentType)

		if body != nil {
			req.Header.Set("Content-Type", registryContentType)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
		}

		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: decode response: %w", ErrSchema, err))
			}

			return nil

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("%w: %s %s returned %d", ErrSchema, method, path, resp.StatusCode))

		default:
			return fmt.Errorf("%w: %s %s returned %d", ErrRegistryUnavailable, method, path, resp.StatusCode)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryInitial
	policy.MaxInterval = r.retryMax
	policy.MaxElapsedTime = r.retryElapsed

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		r.logger.Warn("Registry call failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Any("error", err))

		return err
	}

	return nil
}
