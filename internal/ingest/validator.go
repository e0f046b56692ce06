// Package ingest provides CRM event validation.
package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for validation failures. Validation failures are permanent:
// re-delivering the same malformed event can never succeed.
var (
	ErrNilEvent         = errors.New("event cannot be nil")
	ErrMissingEventID   = errors.New("eventId is required")
	ErrEventIDTooLong   = errors.New("eventId exceeds maximum length")
	ErrInvalidEventType = errors.New("invalid eventType")
	ErrMissingTenantID  = errors.New("tenantId is required")
	ErrMissingTimestamp = errors.New("timestamp is required")
)

// maxEventIDLength bounds the producer-assigned identifier so it fits the
// staging unique index comfortably.
const maxEventIDLength = 255

// Validator performs semantic validation of CRM events after decoding.
// Validation is structural (required fields, enumerated kinds); payload
// contents are opaque to the pipeline and stored as-is.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateEvent validates that an Event carries everything the ingestion
// handler needs to land it.
//
// Required fields:
//   - eventId: non-empty, ≤255 chars
//   - eventType: kind.verb with a known staging kind
//   - tenantId: non-empty (tenant scoping is mandatory)
//   - timestamp: non-zero (drives partition selection)
//
// Payload and metadata are optional; an empty payload is legal (e.g.
// tombstone-style deletion events carry only identifiers).
//
// Returns nil if valid, a sentinel-wrapped error otherwise. All returned
// errors classify as permanent failures.
func (v *Validator) ValidateEvent(event *Event) error {
	if event == nil {
		return ErrNilEvent
	}

	if strings.TrimSpace(event.EventID) == "" {
		return ErrMissingEventID
	}

	if len(event.EventID) > maxEventIDLength {
		return fmt.Errorf("%w: got %d characters", ErrEventIDTooLong, len(event.EventID))
	}

	if !event.EventType.IsValid() {
		return fmt.Errorf(
			"%w: %q (expected kind.verb with kind in: lead, contact, opportunity, activity)",
			ErrInvalidEventType, event.EventType,
		)
	}

	if strings.TrimSpace(event.TenantID) == "" {
		return ErrMissingTenantID
	}

	if event.OccurredAt.IsZero() {
		return ErrMissingTimestamp
	}

	return nil
}
