// Package queue provides the durable job queue engine for RevLens background
// work: named queues with prioritized, delayed, at-least-once delivery to
// registered handlers, exponential retry, and dead-letter handling.
package queue

import (
	"encoding/json"
	"time"
)

type (
	// Job is a single unit of background work - Domain Model.
	//
	// Jobs are created by producers (API, scheduler, handlers) and executed
	// at-least-once by workers. State transitions are monotonic except for
	// retry (failed → waiting) until the attempt budget is exhausted (→ dead).
	Job struct {
		// ID is the globally unique job identifier (UUID).
		ID string

		// Seq is the insertion sequence assigned by storage. It breaks
		// ordering ties between jobs with equal priority and availability.
		Seq int64

		// Queue is the named queue the job belongs to.
		Queue string

		// Kind selects the registered handler, e.g. "refresh_view".
		Kind string

		// Payload is the handler input, stored as JSONB.
		Payload json.RawMessage

		// Priority orders ready jobs; higher runs earlier. Default 0.
		Priority int

		// AvailableAt is the earliest time the job may be claimed.
		AvailableAt time.Time

		// Attempts counts claims so far. Incremented when a worker claims
		// the job, so a crashed attempt still spends budget.
		Attempts int

		// MaxAttempts bounds Attempts; on failure at the bound the job is
		// dead-lettered.
		MaxAttempts int

		// Backoff is the retry delay policy applied between attempts.
		Backoff BackoffPolicy

		// State is the current lifecycle state.
		State State

		// LeaseUntil is the lease expiry while State is active; zero
		// otherwise. An expired lease returns the job to the waiting set.
		LeaseUntil time.Time

		// DeduplicationKey suppresses duplicate enqueues: while a
		// non-terminal job with the same key exists on the queue, Enqueue
		// returns that job's ID instead of inserting.
		DeduplicationKey string

		// TenantID scopes tenant-owned work; empty for platform jobs.
		TenantID string

		// CorrelationID ties the job to the request chain that produced it.
		CorrelationID string

		// LastError preserves the most recent failure message.
		LastError string

		// Result is the handler's output for completed jobs, stored as JSONB.
		Result json.RawMessage

		// CreatedAt / UpdatedAt are storage-maintained timestamps.
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// State is a job lifecycle state.
	State string

	// BackoffPolicy parameterizes the retry delay between attempts:
	// delay_k = min(Max, Base × 2^(k-1)), optionally jittered ±50%.
	BackoffPolicy struct {
		Base   time.Duration
		Max    time.Duration
		Jitter bool
	}

	// Options refine an Enqueue call. The zero value is valid: priority 0,
	// no delay, queue-default attempts and backoff, no deduplication.
	Options struct {
		// Priority orders ready jobs; higher runs earlier.
		Priority int

		// Delay postpones availability past enqueue time.
		Delay time.Duration

		// MaxAttempts overrides the queue default when >= 1.
		MaxAttempts int

		// Backoff overrides the queue default when Base > 0.
		Backoff BackoffPolicy

		// DeduplicationKey suppresses the enqueue while a non-terminal job
		// with the same key exists on the queue.
		DeduplicationKey string

		// TenantID and CorrelationID propagate request context onto the job.
		TenantID      string
		CorrelationID string
	}

	// Stats is a point-in-time census of a queue's jobs by state. Paused
	// reports jobs held back by an administrative queue pause (zero while
	// the queue is running).
	Stats struct {
		Waiting   int
		Delayed   int
		Active    int
		Completed int
		Failed    int
		Dead      int
		Paused    int
	}
)

const (
	// StateWaiting marks a job ready to claim once AvailableAt passes.
	StateWaiting State = "waiting"

	// StateDelayed marks a job enqueued with a delay that has not become
	// ready yet.
	StateDelayed State = "delayed"

	// StateActive marks a leased job currently running on a worker.
	StateActive State = "active"

	// StateCompleted marks terminal success.
	StateCompleted State = "completed"

	// StateFailed marks a retryable failure; the job re-enters the waiting
	// set when AvailableAt passes.
	StateFailed State = "failed"

	// StateDead marks a job that exhausted its attempt budget or failed
	// permanently. Retained for inspection, never retried automatically.
	StateDead State = "dead"

	// StateCancelled marks a job cancelled before it ran.
	StateCancelled State = "cancelled"
)

// ValidStates returns all persisted job states.
func ValidStates() []State {
	return []State{
		StateWaiting,
		StateDelayed,
		StateActive,
		StateCompleted,
		StateFailed,
		StateDead,
		StateCancelled,
	}
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid checks if the state is a known enum value.
func (s State) IsValid() bool {
	for _, valid := range ValidStates() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true for states that never transition again.
// Non-terminal jobs participate in deduplication; terminal jobs do not.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateDead || s == StateCancelled
}

// Exhausted reports whether the job has spent its whole attempt budget.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
