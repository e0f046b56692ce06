// Package ingest provides the CRM event domain model and persistence contract
// for the RevLens ingestion pipeline.
package ingest

import (
	"strings"
	"time"
)

type (
	// Event represents a single CRM change event pulled from the partitioned
	// log - Domain Model.
	//
	// This is a pure domain model without JSON tags. The stream layer decodes
	// the wire envelope (JSON or schema-framed binary) and maps it to this
	// type before handing it to the ingestion handler.
	Event struct {
		// EventID is the globally unique identifier assigned by the producer.
		// Idempotency is keyed on this value: re-delivery of the same EventID
		// is absorbed as a duplicate, never stored twice.
		EventID string

		// EventType is the dotted kind.verb identifier, e.g. "lead.created",
		// "opportunity.won". The kind prefix selects the staging table.
		EventType EventType

		// TenantID scopes the event to a customer workspace. Required; events
		// without a tenant are rejected permanently.
		TenantID string

		// OccurredAt is the producer-side timestamp (RFC3339 on the wire).
		// It drives staging partition selection, not arrival time, so
		// out-of-order and late events land in their historical partition.
		OccurredAt time.Time

		// Payload is the opaque kind-specific body of the event. Stored as
		// JSONB without interpretation.
		Payload map[string]interface{}

		// Metadata carries producer provenance.
		Metadata Metadata
	}

	// Metadata describes the producer of an event.
	Metadata struct {
		// Source identifies the producing system, e.g. "salesforce-bridge".
		Source string

		// Version is the producer's schema/application version.
		Version string

		// CorrelationID ties the event to an upstream request chain. Optional;
		// generated downstream when absent.
		CorrelationID string
	}

	// EventType is the dotted kind.verb identifier of a CRM event.
	EventType string

	// Kind is the staging family an event belongs to. One staging table
	// exists per kind.
	Kind string

	// Origin records where in the partitioned log a record came from.
	// It is written to the event log for audit and replay.
	Origin struct {
		Topic     string
		Partition int
		Offset    int64

		// RetryCount counts prior transient delivery attempts for this
		// record. Recorded on the log entry when the record finally lands.
		RetryCount int
	}

	// Outcome is the result of handing one event to the ingestion handler.
	Outcome string

	// ProcessingStatus is the terminal status recorded on an event log entry.
	ProcessingStatus string

	// LogEntry is the audit record written for every record the pipeline
	// observed, whether it was stored, absorbed as a duplicate, or failed.
	LogEntry struct {
		EventID          string
		Topic            string
		Partition        int
		Offset           int64
		TenantID         string
		ProcessingStatus ProcessingStatus
		ProcessedAt      time.Time
		ErrorMessage     string
		RetryCount       int
	}
)

const (
	// KindLead covers lead.* events.
	KindLead Kind = "lead"

	// KindContact covers contact.* events.
	KindContact Kind = "contact"

	// KindOpportunity covers opportunity.* events.
	KindOpportunity Kind = "opportunity"

	// KindActivity covers activity.* events (calls, meetings, emails).
	KindActivity Kind = "activity"
)

const (
	// OutcomeProcessed means the staging row and log entry were committed in
	// one transaction.
	OutcomeProcessed Outcome = "processed"

	// OutcomeSkippedDuplicate means the EventID was seen before; only a
	// skipped log entry was written.
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"

	// OutcomeFailedTransient means storage failed in a retryable way
	// (connectivity, deadlock). The caller must not commit the offset.
	OutcomeFailedTransient Outcome = "failed_transient"

	// OutcomeFailedPermanent means the event can never be stored (validation,
	// constraint, missing partition). A failed log entry was written and the
	// offset may advance.
	OutcomeFailedPermanent Outcome = "failed_permanent"
)

const (
	// StatusProcessed marks an event whose staging row was committed.
	StatusProcessed ProcessingStatus = "processed"

	// StatusSkipped marks a duplicate or undecodable event that was absorbed.
	StatusSkipped ProcessingStatus = "skipped"

	// StatusFailed marks an event that failed permanently.
	StatusFailed ProcessingStatus = "failed"
)

// ValidKinds returns all staging families known to the pipeline.
func ValidKinds() []Kind {
	return []Kind{KindLead, KindContact, KindOpportunity, KindActivity}
}

// IsValid checks whether the kind maps to a staging table.
func (k Kind) IsValid() bool {
	for _, valid := range ValidKinds() {
		if k == valid {
			return true
		}
	}

	return false
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Kind extracts the staging family from the dotted event type.
//
// Example:
//
//	EventType("opportunity.won").Kind()  // KindOpportunity
//	EventType("bogus").Kind()            // "" (invalid)
func (et EventType) Kind() Kind {
	name := string(et)

	idx := strings.Index(name, ".")
	if idx <= 0 {
		return ""
	}

	kind := Kind(name[:idx])
	if !kind.IsValid() {
		return ""
	}

	return kind
}

// IsValid checks that the event type has the kind.verb shape and a known kind.
func (et EventType) IsValid() bool {
	name := string(et)

	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return false
	}

	return et.Kind() != ""
}

// String returns the string representation of the event type.
func (et EventType) String() string {
	return string(et)
}

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// Success reports whether the outcome allows the consumer to commit the
// record's offset. Both stored and absorbed events advance; permanent
// failures advance after their log entry is written; only transient
// failures hold the offset back.
func (o Outcome) Success() bool {
	return o == OutcomeProcessed || o == OutcomeSkippedDuplicate
}

// Status maps the outcome to the processing status recorded on the log entry.
func (o Outcome) Status() ProcessingStatus {
	switch o {
	case OutcomeProcessed:
		return StatusProcessed
	case OutcomeSkippedDuplicate:
		return StatusSkipped
	case OutcomeFailedTransient, OutcomeFailedPermanent:
		return StatusFailed
	default:
		return StatusFailed
	}
}

// String returns the string representation of the processing status.
func (ps ProcessingStatus) String() string {
	return string(ps)
}

// IsValid checks if the processing status is a known enum value.
func (ps ProcessingStatus) IsValid() bool {
	switch ps {
	case StatusProcessed, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}
