// Package ingest defines the persistence contract the ingestion pipeline
// depends on.
//
// The domain package defines this interface to specify what it needs for
// durable event landing, without depending on concrete implementations.
// The PostgreSQL implementation lives in internal/storage; tests use an
// in-memory implementation.
package ingest

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Store implementations. Callers classify with
// errors.Is; the mapping to Outcome is performed inside Accept, these exist
// for observability and for callers that bypass Accept (replay tooling).
var (
	// ErrDuplicateEvent indicates the event_id was already landed. Not a
	// failure to callers; recorded as a skipped log entry.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrTransientStorage indicates connectivity loss, deadlock, or another
	// retryable storage condition. The record's offset must not be committed.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrPermanentFailure indicates the event can never be stored (constraint
	// violation, missing partition). The failure is logged and the offset
	// advances.
	ErrPermanentFailure = errors.New("permanent ingestion failure")

	// ErrPartitionMissing indicates the event's timestamp falls outside every
	// retained staging partition. A failed log entry with reason
	// "partition_missing" is written and the event is discarded.
	ErrPartitionMissing = errors.New("staging partition missing")
)

// Store defines the interface for idempotent event landing.
//
// Implementations must guarantee:
//   - Idempotency: at most one staging row per event_id; re-delivery yields
//     OutcomeSkippedDuplicate and a skipped log entry.
//   - Atomicity: the staging insert and its processed log entry commit in a
//     single transaction; partial success is impossible.
//   - Standalone logging: skipped and failed log entries are committed on
//     their own when no staging row is written.
type Store interface {
	// Accept atomically lands a validated event in its staging partition and
	// records the outcome in the event log.
	//
	// The returned Outcome drives the consumer's offset handling:
	//   - OutcomeProcessed, OutcomeSkippedDuplicate: commit the offset.
	//   - OutcomeFailedPermanent: log entry written, commit the offset.
	//   - OutcomeFailedTransient: do NOT commit; retry with backoff.
	//
	// The error return is non-nil only for transient outcomes (carrying the
	// underlying cause) and for programming errors such as a nil event.
	Accept(ctx context.Context, event *Event, origin Origin) (Outcome, error)

	// LogSkipped records a standalone skipped log entry for a record that
	// never produced a domain event (decode failures). The offset advances
	// after the entry is durable.
	LogSkipped(ctx context.Context, entry *LogEntry) error

	// HealthCheck verifies the storage backend is reachable. Used by the
	// readiness endpoint and by startup preflight.
	HealthCheck(ctx context.Context) error
}
