package scheduler

import (
	"context"
	"time"
)

// FireFunc is invoked once per claimed schedule. It enqueues the job for the
// given bucket and returns the schedule's next fire time. Returning an error
// leaves the schedule due so the next tick retries it.
type FireFunc func(ctx context.Context, schedule *Schedule, bucket time.Time) (time.Time, error)

// Store defines the interface for durable schedule state.
//
// Implementations must guarantee ClaimDue hands each due schedule to exactly
// one caller across concurrent replicas.
type Store interface {
	// Upsert inserts or replaces a schedule by ID.
	Upsert(ctx context.Context, schedule *Schedule) (*Schedule, error)

	// Get fetches a schedule by ID. Returns ErrScheduleNotFound when absent.
	Get(ctx context.Context, id string) (*Schedule, error)

	// List returns all schedules ordered by name.
	List(ctx context.Context) ([]*Schedule, error)

	// Delete removes a schedule. Returns ErrScheduleNotFound when absent.
	Delete(ctx context.Context, id string) error

	// SetEnabled flips the firing gate. Re-enabling recomputes NextFireAt
	// from now so the downtime window is not replayed.
	SetEnabled(ctx context.Context, id string, enabled bool, nextFireAt time.Time) error

	// ClaimDue claims up to limit enabled schedules with next_fire_at <= now
	// and invokes fire for each. The claim and advance happen in one
	// transaction; fire errors leave that schedule due. Returns the number
	// of schedules fired.
	ClaimDue(ctx context.Context, now time.Time, limit int, fire FireFunc) (int, error)

	// HealthCheck verifies the storage backend is reachable.
	HealthCheck(ctx context.Context) error
}
