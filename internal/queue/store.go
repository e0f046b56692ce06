// Package queue defines the persistence contract the engine depends on.
//
// The domain package defines this interface to specify what it needs for
// durable job state, without depending on concrete implementations. The
// PostgreSQL implementation lives in internal/storage; tests use an
// in-memory implementation.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Handler executes one job attempt. The context carries the attempt deadline;
// handlers must honor cancellation at their next blocking operation or lose
// their lease. The returned bytes are persisted as the job result on success.
//
// Failures are retryable by default. Wrap with Permanent to dead-letter
// immediately.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Store defines the interface for durable job state.
//
// Implementations must guarantee:
//   - Claim is atomic under concurrency: a ready job is handed to exactly one
//     caller, ordered by (priority DESC, available_at, insertion order).
//   - Claim counts the attempt: the claimed job's Attempts is incremented in
//     the same statement that leases it, so a crashed worker still spends
//     attempt budget.
//   - Deduplication: Enqueue with a DeduplicationKey that matches a
//     non-terminal job on the same queue returns the existing job with
//     deduplicated=true instead of inserting.
type Store interface {
	// Enqueue inserts the job and returns the stored row. When the job's
	// DeduplicationKey is suppressed by an existing non-terminal job,
	// deduplicated is true and the returned job is the existing one.
	Enqueue(ctx context.Context, job *Job) (stored *Job, deduplicated bool, err error)

	// Claim leases the next ready job on the queue for leaseFor, moving it
	// to active and incrementing Attempts. Returns nil with no error when
	// the queue has no ready job.
	Claim(ctx context.Context, queue string, leaseFor time.Duration) (*Job, error)

	// ExtendLease pushes the lease of an active job further out. Returns
	// ErrLeaseLost when the job is no longer active under the original
	// lease (expired and reclaimed, or settled elsewhere).
	ExtendLease(ctx context.Context, jobID string, leaseFor time.Duration) error

	// Complete settles a successful attempt: state completed, result stored.
	// Only transitions jobs that are still active; a job whose lease was
	// reclaimed returns ErrLeaseLost and the result is discarded.
	Complete(ctx context.Context, jobID string, result json.RawMessage) error

	// Retry settles a failed attempt that has budget left: the job returns
	// to the waiting set with last_error recorded and availability pushed
	// to availableAt.
	Retry(ctx context.Context, jobID string, lastError string, availableAt time.Time) error

	// DeadLetter settles a failed attempt terminally: state dead with the
	// last error preserved.
	DeadLetter(ctx context.Context, jobID string, lastError string) error

	// Cancel transitions a waiting or delayed job to cancelled. Returns
	// ErrJobNotCancellable when the job already started or finished, and
	// ErrJobNotFound when the ID is unknown.
	Cancel(ctx context.Context, jobID string) error

	// Get fetches a job by ID. Returns ErrJobNotFound when absent.
	Get(ctx context.Context, jobID string) (*Job, error)

	// Stats counts the queue's jobs by state.
	Stats(ctx context.Context, queue string) (*Stats, error)

	// RequeueExpired recovers active jobs whose lease has expired, up to
	// limit rows, and reports them for logging. Jobs with attempt budget
	// left return to the waiting set; jobs whose claimed attempt was their
	// last move to dead. Attempts stay as counted at claim time.
	RequeueExpired(ctx context.Context, limit int) ([]*Job, error)

	// HealthCheck verifies the storage backend is reachable.
	HealthCheck(ctx context.Context) error
}
