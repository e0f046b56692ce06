package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"
)

// Sentinel errors for view refresh operations.
var (
	// ErrViewUnknown is returned when the view name is not registered.
	ErrViewUnknown = errors.New("view not registered for refresh")

	// ErrViewRefreshFailed is returned when the refresh statement fails.
	ErrViewRefreshFailed = errors.New("materialized view refresh failed")
)

const slowRefreshThreshold = 2 * time.Second

type (
	// RefreshRecord is the bookkeeping row for one registered view.
	RefreshRecord struct {
		ViewName              string
		LastRefreshedAt       time.Time
		LastSuccessDurationMs int64
		RefreshCount          int64
		LastError             string
		UpdatedAt             time.Time
	}

	// RefreshStore executes registered view refresh statements and maintains
	// refresh_records. Only registered views can be refreshed; the registry
	// is fixed at construction so job payloads can never name arbitrary SQL.
	RefreshStore struct {
		conn       *Connection
		logger     *slog.Logger
		statements map[string]string
	}
)

// NewRefreshStore creates a refresh store over the given registry. Map keys
// are view names; an empty value registers the default statement
// REFRESH MATERIALIZED VIEW CONCURRENTLY for that view.
func NewRefreshStore(conn *Connection, logger *slog.Logger, views map[string]string) *RefreshStore {
	statements := make(map[string]string, len(views))

	for name, statement := range views {
		if statement == "" {
			statement = fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s", pq.QuoteIdentifier(name))
		}

		statements[name] = statement
	}

	return &RefreshStore{
		conn:       conn,
		logger:     logger.With(slog.String("component", "refresh_store")),
		statements: statements,
	}
}

// Views returns the registered view names in sorted order.
func (s *RefreshStore) Views() []string {
	names := make([]string, 0, len(s.statements))
	for name := range s.statements {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Registered reports whether the view name is in the registry.
func (s *RefreshStore) Registered(viewName string) bool {
	_, ok := s.statements[viewName]

	return ok
}

// Refresh runs the registered statement for viewName and updates its
// refresh_records row. On failure the row keeps its last success fields and
// records the error.
//
// CONCURRENTLY refreshes take no table locks, so refreshing a view that is
// being queried is safe; typical duration is dominated by the view's own
// aggregation cost.
func (s *RefreshStore) Refresh(ctx context.Context, viewName string) (*RefreshRecord, error) {
	statement, ok := s.statements[viewName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrViewUnknown, viewName)
	}

	start := time.Now()

	s.logger.Debug("Starting view refresh", slog.String("view", viewName))

	if _, err := s.conn.ExecContext(ctx, statement); err != nil {
		s.logger.Error("Failed to refresh view",
			slog.String("view", viewName),
			slog.Any("error", err),
			slog.Duration("duration", time.Since(start)))

		if recordErr := s.recordFailure(ctx, viewName, err.Error()); recordErr != nil {
			s.logger.Error("Failed to record refresh failure",
				slog.String("view", viewName),
				slog.Any("error", recordErr))
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrViewRefreshFailed, viewName, err)
	}

	duration := time.Since(start)

	record, err := s.recordSuccess(ctx, viewName, duration)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Refreshed view",
		slog.String("view", viewName),
		slog.Duration("duration", duration),
		slog.Int64("refresh_count", record.RefreshCount))

	if duration > slowRefreshThreshold {
		s.logger.Warn("Slow view refresh detected",
			slog.String("view", viewName),
			slog.Duration("duration", duration))
	}

	return record, nil
}

// Record returns the refresh_records row for viewName. Returns a zero-valued
// record when the view has never been refreshed.
func (s *RefreshStore) Record(ctx context.Context, viewName string) (*RefreshRecord, error) {
	if !s.Registered(viewName) {
		return nil, fmt.Errorf("%w: %q", ErrViewUnknown, viewName)
	}

	query := `
		SELECT view_name, last_refreshed_at, last_success_duration_ms,
		       refresh_count, last_error, updated_at
		FROM refresh_records
		WHERE view_name = $1`

	record, err := scanRefreshRecord(s.conn.QueryRowContext(ctx, query, viewName))
	if errors.Is(err, sql.ErrNoRows) {
		return &RefreshRecord{ViewName: viewName}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load record for %s: %w", ErrViewRefreshFailed, viewName, err)
	}

	return record, nil
}

// Records returns every refresh_records row, sorted by view name.
func (s *RefreshStore) Records(ctx context.Context) ([]*RefreshRecord, error) {
	query := `
		SELECT view_name, last_refreshed_at, last_success_duration_ms,
		       refresh_count, last_error, updated_at
		FROM refresh_records
		ORDER BY view_name`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %w", ErrViewRefreshFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []*RefreshRecord

	for rows.Next() {
		record, err := scanRefreshRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan record: %w", ErrViewRefreshFailed, err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate records: %w", ErrViewRefreshFailed, err)
	}

	return records, nil
}

func (s *RefreshStore) recordSuccess(ctx context.Context, viewName string, duration time.Duration) (*RefreshRecord, error) {
	query := `
		INSERT INTO refresh_records (
			view_name, last_refreshed_at, last_success_duration_ms,
			refresh_count, last_error, updated_at
		) VALUES ($1, NOW(), $2, 1, NULL, NOW())
		ON CONFLICT (view_name) DO UPDATE SET
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			last_success_duration_ms = EXCLUDED.last_success_duration_ms,
			refresh_count = refresh_records.refresh_count + 1,
			last_error = NULL,
			updated_at = NOW()
		RETURNING view_name, last_refreshed_at, last_success_duration_ms,
		          refresh_count, last_error, updated_at`

	record, err := scanRefreshRecord(s.conn.QueryRowContext(ctx, query, viewName, duration.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("%w: record success for %s: %w", ErrViewRefreshFailed, viewName, err)
	}

	return record, nil
}

func (s *RefreshStore) recordFailure(ctx context.Context, viewName, message string) error {
	query := `
		INSERT INTO refresh_records (view_name, last_error, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (view_name) DO UPDATE SET
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`

	_, err := s.conn.ExecContext(ctx, query, viewName, message)

	return err
}

func scanRefreshRecord(row rowScanner) (*RefreshRecord, error) {
	var (
		record      RefreshRecord
		refreshedAt sql.NullTime
		durationMs  sql.NullInt64
		lastError   sql.NullString
	)

	err := row.Scan(
		&record.ViewName, &refreshedAt, &durationMs,
		&record.RefreshCount, &lastError, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.LastRefreshedAt = refreshedAt.Time
	record.LastSuccessDurationMs = durationMs.Int64
	record.LastError = lastError.String

	return &record, nil
}
