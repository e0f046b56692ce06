// Package ingest provides CRM event validation.
package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validEvent() *Event {
	return &Event{
		EventID:    "evt-2a9f8c41",
		EventType:  "lead.created",
		TenantID:   "tenant-acme",
		OccurredAt: time.Now().UTC(),
		Payload: map[string]interface{}{
			"leadId": "L-1042",
			"source": "webform",
		},
		Metadata: Metadata{
			Source:        "salesforce-bridge",
			Version:       "2.3.1",
			CorrelationID: "corr-77f0",
		},
	}
}

// ==============================================================================
// Unit Tests: Valid Events (Should Pass)
// ==============================================================================

func TestValidateEvent_Complete(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	if err := validator.ValidateEvent(validEvent()); err != nil {
		t.Errorf("ValidateEvent() failed for valid event: %v", err)
	}
}

func TestValidateEvent_EmptyPayloadAllowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	event := validEvent()
	event.EventType = "contact.deleted"
	event.Payload = nil

	if err := validator.ValidateEvent(event); err != nil {
		t.Errorf("ValidateEvent() failed for tombstone event without payload: %v", err)
	}
}

// ==============================================================================
// Unit Tests: Invalid Events (Should Fail Permanently)
// ==============================================================================

func TestValidateEvent_NilEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	err := validator.ValidateEvent(nil)
	if !errors.Is(err, ErrNilEvent) {
		t.Errorf("ValidateEvent(nil) = %v, want ErrNilEvent", err)
	}
}

func TestValidateEvent_MissingEventID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	event := validEvent()
	event.EventID = "   "

	err := validator.ValidateEvent(event)
	if !errors.Is(err, ErrMissingEventID) {
		t.Errorf("ValidateEvent() = %v, want ErrMissingEventID", err)
	}
}

func TestValidateEvent_EventIDTooLong(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	event := validEvent()
	event.EventID = strings.Repeat("x", maxEventIDLength+1)

	err := validator.ValidateEvent(event)
	if !errors.Is(err, ErrEventIDTooLong) {
		t.Errorf("ValidateEvent() = %v, want ErrEventIDTooLong", err)
	}
}

func TestValidateEvent_InvalidEventType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	for _, eventType := range []EventType{"", "lead", "invoice.created", "lead."} {
		event := validEvent()
		event.EventType = eventType

		err := validator.ValidateEvent(event)
		if !errors.Is(err, ErrInvalidEventType) {
			t.Errorf("ValidateEvent(eventType=%q) = %v, want ErrInvalidEventType", eventType, err)
		}
	}
}

func TestValidateEvent_MissingTenantID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	event := validEvent()
	event.TenantID = ""

	err := validator.ValidateEvent(event)
	if !errors.Is(err, ErrMissingTenantID) {
		t.Errorf("ValidateEvent() = %v, want ErrMissingTenantID", err)
	}
}

func TestValidateEvent_MissingTimestamp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	event := validEvent()
	event.OccurredAt = time.Time{}

	err := validator.ValidateEvent(event)
	if !errors.Is(err, ErrMissingTimestamp) {
		t.Errorf("ValidateEvent() = %v, want ErrMissingTimestamp", err)
	}
}
