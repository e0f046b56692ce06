package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/queue"
)

// Sentinel errors for job queue storage operations.
var (
	// ErrJobStoreFailed is returned when a queue storage operation fails
	// unexpectedly.
	ErrJobStoreFailed = errors.New("job queue storage failed")

	// JobStore implements queue.Store (durable state for the queue engine).
	_ queue.Store = (*JobStore)(nil)
)

// enqueueConflictRounds bounds the insert/select dance when a deduplicated
// job turns terminal between the conflict and the lookup.
const enqueueConflictRounds = 3

// jobColumns is the canonical column list scanned into a queue.Job. Kept in
// one place so Claim, Get, and RequeueExpired stay aligned.
const jobColumns = `
	id, seq, queue_name, kind, payload, priority, available_at, attempts,
	max_attempts, backoff_base_ms, backoff_max_ms, backoff_jitter, state,
	lease_until, deduplication_key, tenant_id, correlation_id, last_error,
	result, created_at, updated_at`

type (
	// JobStore implements queue.Store with a PostgreSQL backend.
	//
	// Claim concurrency relies on FOR UPDATE SKIP LOCKED: concurrent workers
	// each lock a different ready row or none, so a job is handed to exactly
	// one claimer without advisory locks or a coordinator.
	JobStore struct {
		conn   *Connection
		logger *slog.Logger
	}
)

// NewJobStore creates a PostgreSQL-backed store for the queue engine.
// Returns error if connection is nil (ErrNoDatabaseConnection).
func NewJobStore(conn *Connection, logger *slog.Logger) (*JobStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		return nil, errors.New("job store logger cannot be nil")
	}

	return &JobStore{
		conn:   conn,
		logger: logger.With(slog.String("component", "job_store")),
	}, nil
}

// Enqueue inserts the job, honoring deduplication. When the deduplication
// key matches a non-terminal job on the same queue the existing job is
// returned with deduplicated=true.
func (s *JobStore) Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, bool, error) {
	query := `
		INSERT INTO jobs (
			id,
			queue_name,
			kind,
			payload,
			priority,
			available_at,
			attempts,
			max_attempts,
			backoff_base_ms,
			backoff_max_ms,
			backoff_jitter,
			state,
			deduplication_key,
			tenant_id,
			correlation_id,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (queue_name, deduplication_key)
			WHERE state IN ('waiting', 'delayed', 'active', 'failed')
			DO NOTHING
		RETURNING seq, created_at, updated_at
	`

	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	for round := 0; round < enqueueConflictRounds; round++ {
		stored := *job
		stored.Payload = payload

		err := s.conn.QueryRowContext(
			ctx,
			query,
			job.ID,
			job.Queue,
			job.Kind,
			[]byte(payload),
			job.Priority,
			job.AvailableAt,
			job.MaxAttempts,
			durationMillis(job.Backoff.Base),
			durationMillis(job.Backoff.Max),
			job.Backoff.Jitter,
			string(job.State),
			nullableString(job.DeduplicationKey),
			nullableString(job.TenantID),
			nullableString(job.CorrelationID),
		).Scan(&stored.Seq, &stored.CreatedAt, &stored.UpdatedAt)

		if err == nil {
			return &stored, false, nil
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
		}

		// Conflict: a non-terminal job holds the deduplication key.
		existing, err := s.findDeduplicated(ctx, job.Queue, job.DeduplicationKey)
		if err == nil {
			return existing, true, nil
		}

		if !errors.Is(err, queue.ErrJobNotFound) {
			return nil, false, err
		}

		// The holder turned terminal between conflict and lookup; insert
		// again.
		s.logger.Debug("Deduplication holder settled mid-enqueue; retrying insert",
			slog.String("queue", job.Queue),
			slog.String("deduplication_key", job.DeduplicationKey),
			slog.Int("round", round+1),
		)
	}

	return nil, false, fmt.Errorf("%w: enqueue contention on deduplication key %q",
		ErrJobStoreFailed, job.DeduplicationKey)
}

func (s *JobStore) findDeduplicated(ctx context.Context, queueName, key string) (*queue.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE queue_name = $1
		  AND deduplication_key = $2
		  AND state IN ('waiting', 'delayed', 'active', 'failed')
		LIMIT 1
	`, jobColumns)

	job, err := scanJob(s.conn.QueryRowContext(ctx, query, queueName, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}

		return nil, fmt.Errorf("failed to look up deduplicated job: %w", err)
	}

	return job, nil
}

// Claim leases the next ready job. The subselect orders by priority, then
// availability, then insertion sequence; SKIP LOCKED makes concurrent claims
// disjoint. Attempts is incremented in the same statement so a crashed
// worker still spends budget.
func (s *JobStore) Claim(ctx context.Context, queueName string, leaseFor time.Duration) (*queue.Job, error) {
	// Lease expiry is computed on the database clock so that claim,
	// extension, and janitor sweep all compare against the same source.
	query := fmt.Sprintf(`
		UPDATE jobs SET
			state = 'active',
			attempts = attempts + 1,
			lease_until = NOW() + make_interval(secs => $2),
			updated_at = NOW()
		WHERE id = (
			SELECT id
			FROM jobs
			WHERE queue_name = $1
			  AND state IN ('waiting', 'delayed', 'failed')
			  AND available_at <= NOW()
			ORDER BY priority DESC, available_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, jobColumns)

	job, err := scanJob(s.conn.QueryRowContext(ctx, query, queueName, leaseFor.Seconds()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// ExtendLease pushes an active job's lease further out.
func (s *JobStore) ExtendLease(ctx context.Context, jobID string, leaseFor time.Duration) error {
	query := `
		UPDATE jobs SET
			lease_until = NOW() + make_interval(secs => $2),
			updated_at = NOW()
		WHERE id = $1
		  AND state = 'active'
		  AND lease_until > NOW()
	`

	result, err := s.conn.ExecContext(ctx, query, jobID, leaseFor.Seconds())
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}

	return s.settleOutcome(ctx, jobID, result)
}

// Complete settles a successful attempt. Only jobs still active transition;
// a reclaimed job returns ErrLeaseLost so the stale result is discarded.
func (s *JobStore) Complete(ctx context.Context, jobID string, jobResult json.RawMessage) error {
	query := `
		UPDATE jobs SET
			state = 'completed',
			result = $2,
			lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1
		  AND state = 'active'
	`

	var resultParam any
	if len(jobResult) > 0 {
		resultParam = []byte(jobResult)
	}

	result, err := s.conn.ExecContext(ctx, query, jobID, resultParam)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return s.settleOutcome(ctx, jobID, result)
}

// Retry settles a failed attempt that has budget left.
func (s *JobStore) Retry(ctx context.Context, jobID string, lastError string, availableAt time.Time) error {
	query := `
		UPDATE jobs SET
			state = 'failed',
			last_error = $2,
			available_at = $3,
			lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1
		  AND state = 'active'
	`

	result, err := s.conn.ExecContext(ctx, query, jobID, lastError, availableAt)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	return s.settleOutcome(ctx, jobID, result)
}

// DeadLetter settles a failed attempt terminally.
func (s *JobStore) DeadLetter(ctx context.Context, jobID string, lastError string) error {
	query := `
		UPDATE jobs SET
			state = 'dead',
			last_error = $2,
			lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1
		  AND state = 'active'
	`

	result, err := s.conn.ExecContext(ctx, query, jobID, lastError)
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}

	return s.settleOutcome(ctx, jobID, result)
}

// Cancel transitions a waiting or delayed job to cancelled.
func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs SET
			state = 'cancelled',
			updated_at = NOW()
		WHERE id = $1
		  AND state IN ('waiting', 'delayed')
	`

	result, err := s.conn.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	if affected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}

	return queue.ErrJobNotCancellable
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE id = $1
	`, jobColumns)

	job, err := scanJob(s.conn.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}

		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// Stats counts the queue's jobs by state.
func (s *JobStore) Stats(ctx context.Context, queueName string) (*queue.Stats, error) {
	query := `
		SELECT state, COUNT(*)
		FROM jobs
		WHERE queue_name = $1
		GROUP BY state
	`

	rows, err := s.conn.QueryContext(ctx, query, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	stats := &queue.Stats{}

	for rows.Next() {
		var (
			state string
			count int
		)

		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}

		switch queue.State(state) {
		case queue.StateWaiting:
			stats.Waiting = count
		case queue.StateDelayed:
			stats.Delayed = count
		case queue.StateActive:
			stats.Active = count
		case queue.StateCompleted:
			stats.Completed = count
		case queue.StateFailed:
			stats.Failed = count
		case queue.StateDead:
			stats.Dead = count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return stats, nil
}

// RequeueExpired recovers active jobs whose lease expired. Jobs with budget
// left return to waiting immediately; jobs on their final attempt move to
// dead.
func (s *JobStore) RequeueExpired(ctx context.Context, limit int) ([]*queue.Job, error) {
	query := fmt.Sprintf(`
		UPDATE jobs SET
			state = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'waiting' END,
			last_error = CASE
				WHEN attempts >= max_attempts THEN 'lease expired on final attempt'
				ELSE COALESCE(last_error, 'lease expired')
			END,
			available_at = CASE WHEN attempts >= max_attempts THEN available_at ELSE NOW() END,
			lease_until = NULL,
			updated_at = NOW()
		WHERE id IN (
			SELECT id
			FROM jobs
			WHERE state = 'active'
			  AND lease_until < NOW()
			ORDER BY lease_until ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, jobColumns)

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue expired leases: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var recovered []*queue.Job

	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovered job: %w", err)
		}

		recovered = append(recovered, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to requeue expired leases: %w", err)
	}

	return recovered, nil
}

// HealthCheck verifies database connectivity.
func (s *JobStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// settleOutcome distinguishes a vanished job from a lost lease after a
// conditional UPDATE matched zero rows.
func (s *JobStore) settleOutcome(ctx context.Context, jobID string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJobStoreFailed, err)
	}

	if affected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}

	return queue.ErrLeaseLost
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*queue.Job, error) {
	return scanJobRow(row)
}

func scanJobRow(row rowScanner) (*queue.Job, error) {
	var (
		job           queue.Job
		payload       []byte
		backoffBaseMS int64
		backoffMaxMS  int64
		state         string
		leaseUntil    sql.NullTime
		dedupKey      sql.NullString
		tenantID      sql.NullString
		correlationID sql.NullString
		lastError     sql.NullString
		result        []byte
	)

	err := row.Scan(
		&job.ID,
		&job.Seq,
		&job.Queue,
		&job.Kind,
		&payload,
		&job.Priority,
		&job.AvailableAt,
		&job.Attempts,
		&job.MaxAttempts,
		&backoffBaseMS,
		&backoffMaxMS,
		&job.Backoff.Jitter,
		&state,
		&leaseUntil,
		&dedupKey,
		&tenantID,
		&correlationID,
		&lastError,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	job.Backoff.Base = time.Duration(backoffBaseMS) * time.Millisecond
	job.Backoff.Max = time.Duration(backoffMaxMS) * time.Millisecond
	job.State = queue.State(state)
	job.LeaseUntil = leaseUntil.Time
	job.DeduplicationKey = dedupKey.String
	job.TenantID = tenantID.String
	job.CorrelationID = correlationID.String
	job.LastError = lastError.String

	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}

	return &job, nil
}

func durationMillis(d time.Duration) int64 {
	return d.Milliseconds()
}
