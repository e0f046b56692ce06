package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/scheduler"
)

var (
	// ErrScheduleStoreFailed is returned when a schedule storage operation
	// fails unexpectedly.
	ErrScheduleStoreFailed = errors.New("schedule storage failed")

	// ScheduleStore implements scheduler.Store.
	_ scheduler.Store = (*ScheduleStore)(nil)
)

const scheduleColumns = `
	id, name, cron_spec, queue_name, kind, payload, priority, tenant_id,
	enabled, next_fire_at, last_fired_at, created_at, updated_at`

type (
	// ScheduleStore implements scheduler.Store with a PostgreSQL backend.
	//
	// ClaimDue locks due rows with FOR UPDATE SKIP LOCKED so concurrent
	// scheduler replicas partition the due set between them instead of
	// double-firing.
	ScheduleStore struct {
		conn   *Connection
		logger *slog.Logger
	}
)

// NewScheduleStore creates a PostgreSQL-backed schedule store.
// Returns error if connection is nil (ErrNoDatabaseConnection).
func NewScheduleStore(conn *Connection, logger *slog.Logger) (*ScheduleStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		return nil, errors.New("schedule store logger cannot be nil")
	}

	return &ScheduleStore{
		conn:   conn,
		logger: logger.With(slog.String("component", "schedule_store")),
	}, nil
}

// Upsert inserts or replaces a schedule by ID.
func (s *ScheduleStore) Upsert(ctx context.Context, schedule *scheduler.Schedule) (*scheduler.Schedule, error) {
	query := fmt.Sprintf(`
		INSERT INTO schedules (
			id, name, cron_spec, queue_name, kind, payload, priority,
			tenant_id, enabled, next_fire_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET
			name = EXCLUDED.name,
			cron_spec = EXCLUDED.cron_spec,
			queue_name = EXCLUDED.queue_name,
			kind = EXCLUDED.kind,
			payload = EXCLUDED.payload,
			priority = EXCLUDED.priority,
			tenant_id = EXCLUDED.tenant_id,
			enabled = EXCLUDED.enabled,
			next_fire_at = EXCLUDED.next_fire_at,
			updated_at = NOW()
		RETURNING %s
	`, scheduleColumns)

	payload := schedule.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	stored, err := scanSchedule(s.conn.QueryRowContext(
		ctx,
		query,
		schedule.ID,
		schedule.Name,
		schedule.Spec,
		schedule.Queue,
		schedule.Kind,
		[]byte(payload),
		schedule.Priority,
		nullableString(schedule.TenantID),
		schedule.Enabled,
		schedule.NextFireAt,
	))
	if err != nil {
		if isUniqueViolation(err, "schedules_name_key") {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrScheduleNameConflict, schedule.Name)
		}

		return nil, fmt.Errorf("failed to upsert schedule: %w", err)
	}

	return stored, nil
}

// Get fetches a schedule by ID.
func (s *ScheduleStore) Get(ctx context.Context, id string) (*scheduler.Schedule, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM schedules
		WHERE id = $1
	`, scheduleColumns)

	schedule, err := scanSchedule(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, scheduler.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	return schedule, nil
}

// List returns all schedules ordered by name.
func (s *ScheduleStore) List(ctx context.Context) ([]*scheduler.Schedule, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM schedules
		ORDER BY name ASC
	`, scheduleColumns)

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var schedules []*scheduler.Schedule

	for rows.Next() {
		schedule, err := scanScheduleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	return schedules, nil
}

// Delete removes a schedule.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrScheduleStoreFailed, err)
	}

	if affected == 0 {
		return scheduler.ErrScheduleNotFound
	}

	return nil
}

// SetEnabled flips the firing gate and repositions the next fire time.
func (s *ScheduleStore) SetEnabled(ctx context.Context, id string, enabled bool, nextFireAt time.Time) error {
	query := `
		UPDATE schedules SET
			enabled = $2,
			next_fire_at = $3,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, id, enabled, nextFireAt)
	if err != nil {
		return fmt.Errorf("failed to update schedule enabled state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrScheduleStoreFailed, err)
	}

	if affected == 0 {
		return scheduler.ErrScheduleNotFound
	}

	return nil
}

// ClaimDue claims due schedules with SKIP LOCKED and fires each one. The
// row stays locked until commit, so a replica that loses the race skips the
// row instead of blocking. A fire error leaves that schedule's next_fire_at
// untouched; the next tick retries it and the fired job's deduplication key
// absorbs any partial success.
func (s *ScheduleStore) ClaimDue(ctx context.Context, now time.Time, limit int, fire scheduler.FireFunc) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	query := fmt.Sprintf(`
		SELECT %s
		FROM schedules
		WHERE enabled = TRUE
		  AND next_fire_at <= $1
		ORDER BY next_fire_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, scheduleColumns)

	rows, err := tx.QueryContext(ctx, query, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due schedules: %w", err)
	}

	due, err := collectSchedules(rows)
	if err != nil {
		return 0, err
	}

	fired := 0

	for _, schedule := range due {
		bucket := schedule.NextFireAt

		next, err := fire(ctx, schedule, bucket)
		if err != nil {
			// Leave the row due; the enqueue deduplication key makes the
			// retry idempotent for this bucket.
			s.logger.Warn("Schedule fire failed; will retry next tick",
				slog.String("schedule_id", schedule.ID),
				slog.String("name", schedule.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE schedules SET
				next_fire_at = $2,
				last_fired_at = $3,
				updated_at = NOW()
			WHERE id = $1
		`, schedule.ID, next, bucket)
		if err != nil {
			return 0, fmt.Errorf("failed to advance schedule %s: %w", schedule.ID, err)
		}

		fired++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	return fired, nil
}

// HealthCheck verifies database connectivity.
func (s *ScheduleStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

func collectSchedules(rows *sql.Rows) ([]*scheduler.Schedule, error) {
	defer func() {
		_ = rows.Close()
	}()

	var schedules []*scheduler.Schedule

	for rows.Next() {
		schedule, err := scanScheduleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due schedules: %w", err)
	}

	return schedules, nil
}

func scanSchedule(row *sql.Row) (*scheduler.Schedule, error) {
	return scanScheduleRow(row)
}

func scanScheduleRow(row rowScanner) (*scheduler.Schedule, error) {
	var (
		schedule    scheduler.Schedule
		payload     []byte
		tenantID    sql.NullString
		lastFiredAt sql.NullTime
	)

	err := row.Scan(
		&schedule.ID,
		&schedule.Name,
		&schedule.Spec,
		&schedule.Queue,
		&schedule.Kind,
		&payload,
		&schedule.Priority,
		&tenantID,
		&schedule.Enabled,
		&schedule.NextFireAt,
		&lastFiredAt,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.Payload = json.RawMessage(payload)
	schedule.TenantID = tenantID.String
	schedule.LastFiredAt = lastFiredAt.Time

	return &schedule, nil
}
