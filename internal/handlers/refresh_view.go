package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/queue"
)

// RefreshViewPayload names the materialized view to refresh.
type RefreshViewPayload struct {
	ViewName string `json:"view_name"`
}

// RefreshViewResult reports the completed refresh.
type RefreshViewResult struct {
	ViewName         string    `json:"view_name"`
	DurationMs       int64     `json:"duration_ms"`
	RefreshedAt      time.Time `json:"refreshed_at"`
	InvalidatedKeys  int64     `json:"invalidated_keys"`
	InvalidatedViews []string  `json:"invalidated_prefixes,omitempty"`
}

// RefreshView refreshes one registered materialized view and invalidates the
// cached query results that read from it. The refresh itself is idempotent,
// so any failure after the view statement ran is safe to retry.
func (s *Set) RefreshView(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var payload RefreshViewPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ViewName == "" {
		return nil, queue.Permanent(fmt.Errorf("%w: view_name is required", ErrBadPayload))
	}
	if !s.deps.Views.Registered(payload.ViewName) {
		return nil, queue.Permanent(fmt.Errorf("%w: view %q is not registered", ErrBadPayload, payload.ViewName))
	}

	record, err := s.deps.Views.Refresh(ctx, payload.ViewName)
	if err != nil {
		return nil, fmt.Errorf("refresh view %s: %w", payload.ViewName, err)
	}

	result := RefreshViewResult{
		ViewName:    payload.ViewName,
		DurationMs:  record.LastSuccessDurationMs,
		RefreshedAt: record.LastRefreshedAt,
	}
	for _, prefix := range s.deps.ViewDependents[payload.ViewName] {
		dropped, err := s.deps.Cache.Invalidate(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("invalidate cache prefix %s after refreshing %s: %w", prefix, payload.ViewName, err)
		}
		result.InvalidatedKeys += dropped
		result.InvalidatedViews = append(result.InvalidatedViews, prefix)
	}

	s.logger.Info("view refreshed",
		slog.String("view", payload.ViewName),
		slog.Int64("duration_ms", result.DurationMs),
		slog.Int64("invalidated_keys", result.InvalidatedKeys))

	return json.Marshal(result)
}
