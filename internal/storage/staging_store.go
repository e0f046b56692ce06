package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/ingest"
)

// Sentinel errors for staging storage operations.
var (
	// ErrStagingStoreFailed is returned when an event landing operation fails
	// for a reason that is neither transient nor attributable to the event.
	ErrStagingStoreFailed = errors.New("staging event storage failed")

	// StagingStore implements ingest.Store (write interface for CRM events).
	_ ingest.Store = (*StagingStore)(nil)
)

// stagingTables maps an event kind to its partitioned staging table. The map
// is the only source of table identifiers interpolated into SQL.
var stagingTables = map[ingest.Kind]string{
	ingest.KindLead:        "staging_leads",
	ingest.KindContact:     "staging_contacts",
	ingest.KindOpportunity: "staging_opportunities",
	ingest.KindActivity:    "staging_activities",
}

type (
	// StagingStore implements ingest.Store with a PostgreSQL backend.
	//
	// This implementation provides production-ready CRM event landing with:
	//   - Idempotency: at most one staging row per (event_id, occurred_at)
	//   - Atomicity: staging row and processed log entry commit together
	//   - Partition routing: occurred_at selects the monthly range partition;
	//     late events fall into the historical partition created by the schema
	//   - Outcome classification: transient faults hold the offset, permanent
	//     faults are logged and released
	StagingStore struct {
		conn      *Connection
		logger    *slog.Logger
		validator *ingest.Validator
	}
)

// NewStagingStore creates a PostgreSQL-backed event landing store.
// Returns error if connection is nil (ErrNoDatabaseConnection).
func NewStagingStore(conn *Connection, logger *slog.Logger) (*StagingStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		return nil, errors.New("staging store logger cannot be nil")
	}

	return &StagingStore{
		conn:      conn,
		logger:    logger.With(slog.String("component", "staging_store")),
		validator: ingest.NewValidator(),
	}, nil
}

// Accept atomically lands a validated event in its staging partition and
// records the outcome in the event log.
//
// Outcome mapping:
//   - fresh event landed and logged        → OutcomeProcessed
//   - (event_id, occurred_at) seen before  → OutcomeSkippedDuplicate
//   - validation failure (missing tenant)  → OutcomeFailedPermanent
//   - timestamp outside every partition    → OutcomeFailedPermanent
//   - constraint violation                 → OutcomeFailedPermanent
//   - connection fault, deadlock           → OutcomeFailedTransient + error
func (s *StagingStore) Accept(ctx context.Context, event *ingest.Event, origin ingest.Origin) (ingest.Outcome, error) {
	if event == nil {
		return ingest.OutcomeFailedPermanent, fmt.Errorf("%w: event cannot be nil", ErrStagingStoreFailed)
	}

	kind := event.EventType.Kind()

	table, ok := stagingTables[kind]
	if !ok {
		return s.failPermanently(ctx, event, origin,
			fmt.Sprintf("unknown event kind for type %q", event.EventType))
	}

	if err := s.validator.ValidateEvent(event); err != nil {
		return s.failPermanently(ctx, event, origin, err.Error())
	}

	payloadJSON, err := marshalPayload(event)
	if err != nil {
		return s.failPermanently(ctx, event, origin,
			fmt.Sprintf("unencodable payload: %v", err))
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return ingest.OutcomeFailedTransient,
			fmt.Errorf("%w: begin transaction: %w", ingest.ErrTransientStorage, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	inserted, err := s.insertStagingRow(ctx, tx, table, event, payloadJSON)
	if err != nil {
		// The transaction is poisoned after an error, so permanent failures
		// are logged outside it after rollback.
		return s.classifyInsertError(ctx, event, origin, err)
	}

	if !inserted {
		// Nothing was written; the duplicate log entry stands alone.
		_ = tx.Rollback()

		entry := logEntryFor(event, origin, ingest.StatusSkipped, "duplicate event_id")
		if err := s.writeLogEntry(ctx, s.conn, entry); err != nil {
			return ingest.OutcomeFailedTransient, err
		}

		s.logger.Debug("Duplicate event absorbed",
			slog.String("event_id", event.EventID),
			slog.String("tenant_id", event.TenantID),
			slog.String("topic", origin.Topic),
			slog.Int("partition", origin.Partition),
			slog.Int64("offset", origin.Offset),
		)

		return ingest.OutcomeSkippedDuplicate, nil
	}

	entry := logEntryFor(event, origin, ingest.StatusProcessed, "")
	if err := s.writeLogEntry(ctx, tx, entry); err != nil {
		return ingest.OutcomeFailedTransient, err
	}

	if err := tx.Commit(); err != nil {
		return ingest.OutcomeFailedTransient,
			fmt.Errorf("%w: commit: %w", ingest.ErrTransientStorage, err)
	}

	return ingest.OutcomeProcessed, nil
}

// LogSkipped records a standalone skipped log entry for a record that never
// produced a domain event (decode failures).
func (s *StagingStore) LogSkipped(ctx context.Context, entry *ingest.LogEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: log entry cannot be nil", ErrStagingStoreFailed)
	}

	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}

	entry.ProcessingStatus = ingest.StatusSkipped

	return s.writeLogEntry(ctx, s.conn, entry)
}

// HealthCheck verifies database connectivity.
func (s *StagingStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// insertStagingRow lands the event row. Returns false when the idempotency
// constraint absorbed the insert.
func (s *StagingStore) insertStagingRow(
	ctx context.Context,
	tx *sql.Tx,
	table string,
	event *ingest.Event,
	payloadJSON []byte,
) (bool, error) {
	// The table identifier comes from stagingTables, never from input.
	query := fmt.Sprintf(`
		INSERT INTO %s (
			event_id,
			tenant_id,
			event_type,
			occurred_at,
			payload,
			source,
			source_version,
			correlation_id,
			ingested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (event_id, occurred_at) DO NOTHING
	`, table)

	result, err := tx.ExecContext(
		ctx,
		query,
		event.EventID,
		event.TenantID,
		event.EventType.String(),
		event.OccurredAt,
		payloadJSON,
		event.Metadata.Source,
		event.Metadata.Version,
		nullableString(event.Metadata.CorrelationID),
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected == 1, nil
}

// classifyInsertError maps a staging insert failure to an outcome.
func (s *StagingStore) classifyInsertError(
	ctx context.Context,
	event *ingest.Event,
	origin ingest.Origin,
	err error,
) (ingest.Outcome, error) {
	switch {
	case isPartitionMissing(err):
		s.logger.Warn("Event timestamp outside retained staging partitions",
			slog.String("event_id", event.EventID),
			slog.String("tenant_id", event.TenantID),
			slog.Time("occurred_at", event.OccurredAt),
		)

		return s.failPermanently(ctx, event, origin, "partition_missing")

	case isTransient(err):
		return ingest.OutcomeFailedTransient,
			fmt.Errorf("%w: %w", ingest.ErrTransientStorage, err)

	case isIntegrityViolation(err):
		return s.failPermanently(ctx, event, origin, err.Error())

	default:
		// Unknown failures are retried rather than dropped; a transient
		// misclassification costs one redelivery, a permanent one loses data.
		return ingest.OutcomeFailedTransient,
			fmt.Errorf("%w: %w", ingest.ErrTransientStorage, err)
	}
}

// failPermanently writes the failed log entry and releases the record.
func (s *StagingStore) failPermanently(
	ctx context.Context,
	event *ingest.Event,
	origin ingest.Origin,
	reason string,
) (ingest.Outcome, error) {
	entry := logEntryFor(event, origin, ingest.StatusFailed, reason)

	if err := s.writeLogEntry(ctx, s.conn, entry); err != nil {
		// Without a durable failure record the offset must not advance.
		return ingest.OutcomeFailedTransient, err
	}

	return ingest.OutcomeFailedPermanent, nil
}

// execer lets log entries be written inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *StagingStore) writeLogEntry(ctx context.Context, db execer, entry *ingest.LogEntry) error {
	query := `
		INSERT INTO ingestion_event_log (
			event_id,
			topic,
			partition,
			record_offset,
			tenant_id,
			processing_status,
			processed_at,
			error_message,
			retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := db.ExecContext(
		ctx,
		query,
		entry.EventID,
		entry.Topic,
		entry.Partition,
		entry.Offset,
		nullableString(entry.TenantID),
		entry.ProcessingStatus.String(),
		entry.ProcessedAt,
		nullableString(entry.ErrorMessage),
		entry.RetryCount,
	)
	if err != nil {
		if isTransient(err) {
			return fmt.Errorf("%w: event log write: %w", ingest.ErrTransientStorage, err)
		}

		return fmt.Errorf("%w: event log write: %w", ErrStagingStoreFailed, err)
	}

	return nil
}

func logEntryFor(event *ingest.Event, origin ingest.Origin, status ingest.ProcessingStatus, errorMessage string) *ingest.LogEntry {
	return &ingest.LogEntry{
		EventID:          event.EventID,
		Topic:            origin.Topic,
		Partition:        origin.Partition,
		Offset:           origin.Offset,
		TenantID:         event.TenantID,
		ProcessingStatus: status,
		ProcessedAt:      time.Now().UTC(),
		ErrorMessage:     errorMessage,
		RetryCount:       origin.RetryCount,
	}
}

func marshalPayload(event *ingest.Event) ([]byte, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return payloadJSON, nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
