// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/scheduler"
)

type (
	// ReplayRequest names the partition whose committed ingestion offset
	// should be repositioned. The actual rewind runs as a crm_ingest_offset
	// job on the ops queue; the response carries the job ID to poll.
	ReplayRequest struct {
		Topic     string `json:"topic"`
		Partition int    `json:"partition"`
		Offset    int64  `json:"offset"`
	}

	// ReplayResponse acknowledges an accepted replay request.
	ReplayResponse struct {
		JobID string `json:"jobId"`
		Queue string `json:"queue"`
		Kind  string `json:"kind"`
	}

	// EnqueueJobRequest is an ad-hoc enqueue of a known job kind.
	//
	// Delay is a Go duration string ("30s", "5m"); bare numbers are rejected
	// the same way the deployment manifest rejects unitless durations.
	EnqueueJobRequest struct {
		Queue            string          `json:"queue"`
		Kind             string          `json:"kind"`
		Payload          json.RawMessage `json:"payload,omitempty"`
		Priority         int             `json:"priority,omitempty"`
		Delay            string          `json:"delay,omitempty"`
		MaxAttempts      int             `json:"maxAttempts,omitempty"`
		DeduplicationKey string          `json:"deduplicationKey,omitempty"`
		TenantID         string          `json:"tenantId,omitempty"`
	}

	// EnqueueJobResponse acknowledges an accepted enqueue.
	EnqueueJobResponse struct {
		JobID string `json:"jobId"`
		Queue string `json:"queue"`
		Kind  string `json:"kind"`
	}

	// ScheduleRequest is the write model for schedule upserts. Enabled
	// defaults to true when omitted.
	ScheduleRequest struct {
		Name     string          `json:"name"`
		Spec     string          `json:"spec"`
		Queue    string          `json:"queue"`
		Kind     string          `json:"kind"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		Priority int             `json:"priority,omitempty"`
		TenantID string          `json:"tenantId,omitempty"`
		Enabled  *bool           `json:"enabled,omitempty"`
	}

	// ScheduleResponse is the read model for schedules. Fire timestamps are
	// omitted until the schedule has fired at least once.
	ScheduleResponse struct {
		ID          string          `json:"id"`
		Name        string          `json:"name"`
		Spec        string          `json:"spec"`
		Queue       string          `json:"queue"`
		Kind        string          `json:"kind"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		Priority    int             `json:"priority"`
		TenantID    string          `json:"tenantId,omitempty"`
		Enabled     bool            `json:"enabled"`
		NextFireAt  time.Time       `json:"nextFireAt,omitzero"`
		LastFiredAt time.Time       `json:"lastFiredAt,omitzero"`
		CreatedAt   time.Time       `json:"createdAt,omitzero"`
		UpdatedAt   time.Time       `json:"updatedAt,omitzero"`
	}

	// ScheduleListResponse wraps the full schedule listing.
	ScheduleListResponse struct {
		Schedules []ScheduleResponse `json:"schedules"`
		Count     int                `json:"count"`
	}

	// QueueStatsResponse is the job census for one queue.
	QueueStatsResponse struct {
		Queue     string `json:"queue"`
		Waiting   int    `json:"waiting"`
		Delayed   int    `json:"delayed"`
		Active    int    `json:"active"`
		Completed int    `json:"completed"`
		Failed    int    `json:"failed"`
		Dead      int    `json:"dead"`
		Paused    int    `json:"paused"`
	}

	// QueuePauseResponse reports the pause state after a pause or resume.
	QueuePauseResponse struct {
		Queue  string `json:"queue"`
		Paused bool   `json:"paused"`
	}

	// InvalidateCacheRequest drops every cached result whose key starts
	// with Prefix, across all tenants.
	InvalidateCacheRequest struct {
		Prefix string `json:"prefix"`
	}

	// InvalidateCacheResponse reports how many entries the invalidation hit.
	InvalidateCacheResponse struct {
		Prefix      string `json:"prefix"`
		Invalidated int64  `json:"invalidated"`
	}
)

// toOptions converts the request's optional fields into enqueue options.
func (r *EnqueueJobRequest) toOptions(correlationID string) (queue.Options, error) {
	opts := queue.Options{
		Priority:         r.Priority,
		MaxAttempts:      r.MaxAttempts,
		DeduplicationKey: r.DeduplicationKey,
		TenantID:         r.TenantID,
		CorrelationID:    correlationID,
	}

	if r.Delay != "" {
		delay, err := time.ParseDuration(r.Delay)
		if err != nil {
			return opts, fmt.Errorf("invalid delay %q: %w", r.Delay, err)
		}

		if delay < 0 {
			return opts, fmt.Errorf("invalid delay %q: must not be negative", r.Delay)
		}

		opts.Delay = delay
	}

	return opts, nil
}

// toSchedule converts the request into the scheduler's domain model.
func (r *ScheduleRequest) toSchedule(id string) *scheduler.Schedule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}

	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	return &scheduler.Schedule{
		ID:       id,
		Name:     r.Name,
		Spec:     r.Spec,
		Queue:    r.Queue,
		Kind:     r.Kind,
		Payload:  payload,
		Priority: r.Priority,
		TenantID: r.TenantID,
		Enabled:  enabled,
	}
}

// scheduleResponseFrom converts the scheduler's domain model to the API
// read model.
func scheduleResponseFrom(s *scheduler.Schedule) ScheduleResponse {
	return ScheduleResponse{
		ID:          s.ID,
		Name:        s.Name,
		Spec:        s.Spec,
		Queue:       s.Queue,
		Kind:        s.Kind,
		Payload:     s.Payload,
		Priority:    s.Priority,
		TenantID:    s.TenantID,
		Enabled:     s.Enabled,
		NextFireAt:  s.NextFireAt,
		LastFiredAt: s.LastFiredAt,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// statsResponseFrom converts engine stats to the API read model.
func statsResponseFrom(queueName string, stats *queue.Stats) QueueStatsResponse {
	return QueueStatsResponse{
		Queue:     queueName,
		Waiting:   stats.Waiting,
		Delayed:   stats.Delayed,
		Active:    stats.Active,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Dead:      stats.Dead,
		Paused:    stats.Paused,
	}
}
