package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Sentinel errors for delivery operations.
var (
	// ErrDeliveryStoreFailed is returned when a delivery operation fails.
	ErrDeliveryStoreFailed = errors.New("delivery store operation failed")

	// ErrExportJobNotFound is returned when the export job ID does not exist.
	ErrExportJobNotFound = errors.New("export job not found")

	// ErrExportQueryUnknown is returned when the export's query name is not
	// registered.
	ErrExportQueryUnknown = errors.New("export query not registered")

	// ErrAlertNotFound is returned when the alert ID does not exist.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrMetricUnknown is returned when the metric name is not registered.
	ErrMetricUnknown = errors.New("metric not registered")

	// ErrReportNotFound is returned when the report ID does not exist.
	ErrReportNotFound = errors.New("report not found")
)

// Export job lifecycle states.
const (
	ExportStatusPending   = "pending"
	ExportStatusRendering = "rendering"
	ExportStatusCompleted = "completed"
	ExportStatusFailed    = "failed"
)

// Alert evaluation states.
const (
	AlertStateOK        = "ok"
	AlertStateTriggered = "triggered"
)

type (
	// ExportJob is one requested export, rendered asynchronously by the
	// export_render handler.
	ExportJob struct {
		ID                string
		TenantID          string
		QueryName         string
		Params            json.RawMessage
		Format            string
		Status            string
		ArtifactURL       string
		ArtifactExpiresAt time.Time
		RowCount          int64
		ErrorMessage      string
		RequestedBy       string
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	// Alert is one configured alert rule evaluated by alert_evaluate.
	Alert struct {
		ID              string
		TenantID        string
		Name            string
		MetricName      string
		RuleType        string
		Comparator      string
		Threshold       float64
		BaselineWindow  time.Duration
		Channels        []string
		Enabled         bool
		LastState       string
		LastEvaluatedAt time.Time
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// AlertNotification records one dispatch attempt on one channel.
	AlertNotification struct {
		ID           int64
		AlertID      string
		TenantID     string
		Channel      string
		Status       string
		Message      string
		ErrorMessage string
		DispatchedAt time.Time
	}

	// Report is one configured report definition.
	Report struct {
		ID                string
		TenantID          string
		Name              string
		MetricNames       []string
		NarrativeTemplate string
		Recipients        []string
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	// ReportGeneration records one rendered report artifact.
	ReportGeneration struct {
		ID                string
		ReportID          string
		TenantID          string
		Status            string
		ArtifactURL       string
		ArtifactExpiresAt time.Time
		MetricsSnapshot   json.RawMessage
		ErrorMessage      string
		GeneratedAt       time.Time
	}

	// DeliveryStore persists export jobs, alerts, reports, and their
	// delivery records, and runs the registered export and metric queries.
	//
	// Export queries take the tenant ID as $1 and return the rows to
	// render. Metric queries take ($1 tenant ID, $2 window start, $3 window
	// end) and return one numeric value. Both registries are fixed at
	// construction so payloads can never name arbitrary SQL.
	DeliveryStore struct {
		conn          *Connection
		logger        *slog.Logger
		exportQueries map[string]string
		metricQueries map[string]string
	}
)

// NewDeliveryStore creates a delivery store over the given query registries.
func NewDeliveryStore(conn *Connection, logger *slog.Logger, exportQueries, metricQueries map[string]string) *DeliveryStore {
	return &DeliveryStore{
		conn:          conn,
		logger:        logger.With(slog.String("component", "delivery_store")),
		exportQueries: exportQueries,
		metricQueries: metricQueries,
	}
}

// InsertExportJob persists a new export request in pending state.
func (s *DeliveryStore) InsertExportJob(ctx context.Context, job *ExportJob) (*ExportJob, error) {
	if _, ok := s.exportQueries[job.QueryName]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrExportQueryUnknown, job.QueryName)
	}

	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO export_jobs (
			id, tenant_id, query_name, params, format, status,
			requested_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING ` + exportJobColumns

	stored, err := scanExportJob(s.conn.QueryRowContext(ctx, query,
		job.ID, job.TenantID, job.QueryName, string(params), job.Format,
		ExportStatusPending, nullableString(job.RequestedBy),
	))
	if err != nil {
		return nil, fmt.Errorf("%w: insert export job: %w", ErrDeliveryStoreFailed, err)
	}

	return stored, nil
}

// GetExportJob loads one export job.
func (s *DeliveryStore) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE id = $1`

	job, err := scanExportJob(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExportJobNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load export job %s: %w", ErrDeliveryStoreFailed, id, err)
	}

	return job, nil
}

// MarkExportRendering transitions an export job to rendering.
func (s *DeliveryStore) MarkExportRendering(ctx context.Context, id string) error {
	return s.updateExportStatus(ctx, id,
		`UPDATE export_jobs SET status = $2, updated_at = NOW() WHERE id = $1`,
		ExportStatusRendering)
}

// CompleteExportJob records the rendered artifact on the export row.
func (s *DeliveryStore) CompleteExportJob(ctx context.Context, id, artifactURL string, expiresAt time.Time, rowCount int64) error {
	query := `
		UPDATE export_jobs
		SET status = $2, artifact_url = $3, artifact_expires_at = $4,
		    row_count = $5, error_message = NULL, updated_at = NOW()
		WHERE id = $1`

	result, err := s.conn.ExecContext(ctx, query, id, ExportStatusCompleted, artifactURL, expiresAt, rowCount)
	if err != nil {
		return fmt.Errorf("%w: complete export job %s: %w", ErrDeliveryStoreFailed, id, err)
	}

	return s.requireExportRow(result, id)
}

// FailExportJob records a terminal failure on the export row.
func (s *DeliveryStore) FailExportJob(ctx context.Context, id, message string) error {
	query := `
		UPDATE export_jobs
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`

	result, err := s.conn.ExecContext(ctx, query, id, ExportStatusFailed, message)
	if err != nil {
		return fmt.Errorf("%w: fail export job %s: %w", ErrDeliveryStoreFailed, id, err)
	}

	return s.requireExportRow(result, id)
}

// FetchExportRows runs the registered export query for the tenant and
// returns the column names plus every row rendered as strings.
func (s *DeliveryStore) FetchExportRows(ctx context.Context, queryName, tenantID string) ([]string, [][]string, error) {
	query, ok := s.exportQueries[queryName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrExportQueryUnknown, queryName)
	}

	start := time.Now()

	rows, err := s.conn.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: export query %s: %w", ErrDeliveryStoreFailed, queryName, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: export columns: %w", ErrDeliveryStoreFailed, err)
	}

	var records [][]string

	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		scanArgs := make([]any, len(columns))

		for i := range values {
			scanArgs[i] = &values[i]
		}

		if err := rows.Scan(scanArgs...); err != nil {
			return nil, nil, fmt.Errorf("%w: scan export row: %w", ErrDeliveryStoreFailed, err)
		}

		record := make([]string, len(columns))
		for i, value := range values {
			record[i] = value.String
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: iterate export rows: %w", ErrDeliveryStoreFailed, err)
	}

	s.logger.Debug("Fetched export rows",
		slog.String("query", queryName),
		slog.String("tenant_id", tenantID),
		slog.Int("rows", len(records)),
		slog.Duration("duration", time.Since(start)))

	return columns, records, nil
}

// MetricValue runs the registered metric query over [start, end) for the
// tenant. A NULL aggregate reads as 0.
func (s *DeliveryStore) MetricValue(ctx context.Context, metricName, tenantID string, start, end time.Time) (float64, error) {
	query, ok := s.metricQueries[metricName]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMetricUnknown, metricName)
	}

	var value sql.NullFloat64

	err := s.conn.QueryRowContext(ctx, query, tenantID, start, end).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("%w: metric %s: %w", ErrDeliveryStoreFailed, metricName, err)
	}

	return value.Float64, nil
}

// MetricRegistered reports whether the metric name has a registered query.
func (s *DeliveryStore) MetricRegistered(metricName string) bool {
	_, ok := s.metricQueries[metricName]

	return ok
}

// UpsertAlert inserts or updates an alert definition.
func (s *DeliveryStore) UpsertAlert(ctx context.Context, alert *Alert) (*Alert, error) {
	query := `
		INSERT INTO alerts (
			id, tenant_id, name, metric_name, rule_type, comparator,
			threshold, baseline_window_secs, channels, enabled,
			last_state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			metric_name = EXCLUDED.metric_name,
			rule_type = EXCLUDED.rule_type,
			comparator = EXCLUDED.comparator,
			threshold = EXCLUDED.threshold,
			baseline_window_secs = EXCLUDED.baseline_window_secs,
			channels = EXCLUDED.channels,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING ` + alertColumns

	state := alert.LastState
	if state == "" {
		state = AlertStateOK
	}

	stored, err := scanAlert(s.conn.QueryRowContext(ctx, query,
		alert.ID, alert.TenantID, alert.Name, alert.MetricName, alert.RuleType,
		alert.Comparator, alert.Threshold, int64(alert.BaselineWindow.Seconds()),
		pq.Array(alert.Channels), alert.Enabled, state,
	))
	if err != nil {
		return nil, fmt.Errorf("%w: upsert alert %s: %w", ErrDeliveryStoreFailed, alert.Name, err)
	}

	return stored, nil
}

// GetAlert loads one alert.
func (s *DeliveryStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	alert, err := scanAlert(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load alert %s: %w", ErrDeliveryStoreFailed, id, err)
	}

	return alert, nil
}

// RecordAlertEvaluation updates the alert's last evaluation outcome.
func (s *DeliveryStore) RecordAlertEvaluation(ctx context.Context, id, state string) error {
	query := `
		UPDATE alerts
		SET last_state = $2, last_evaluated_at = NOW(), updated_at = NOW()
		WHERE id = $1`

	result, err := s.conn.ExecContext(ctx, query, id, state)
	if err != nil {
		return fmt.Errorf("%w: record evaluation for %s: %w", ErrDeliveryStoreFailed, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrDeliveryStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}

	return nil
}

// InsertAlertNotification records one channel dispatch attempt.
func (s *DeliveryStore) InsertAlertNotification(ctx context.Context, notification *AlertNotification) error {
	query := `
		INSERT INTO alert_notifications (
			alert_id, tenant_id, channel, status, message,
			error_message, dispatched_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, dispatched_at`

	err := s.conn.QueryRowContext(ctx, query,
		notification.AlertID, notification.TenantID, notification.Channel,
		notification.Status, notification.Message, nullableString(notification.ErrorMessage),
	).Scan(&notification.ID, &notification.DispatchedAt)
	if err != nil {
		return fmt.Errorf("%w: insert notification for %s: %w", ErrDeliveryStoreFailed, notification.AlertID, err)
	}

	return nil
}

// ListAlertNotifications returns the dispatch history of an alert, newest
// first.
func (s *DeliveryStore) ListAlertNotifications(ctx context.Context, alertID string) ([]*AlertNotification, error) {
	query := `
		SELECT id, alert_id, tenant_id, channel, status, message,
		       error_message, dispatched_at
		FROM alert_notifications
		WHERE alert_id = $1
		ORDER BY dispatched_at DESC, id DESC`

	rows, err := s.conn.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("%w: list notifications: %w", ErrDeliveryStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var notifications []*AlertNotification

	for rows.Next() {
		var (
			notification AlertNotification
			errorMessage sql.NullString
		)

		err := rows.Scan(
			&notification.ID, &notification.AlertID, &notification.TenantID,
			&notification.Channel, &notification.Status, &notification.Message,
			&errorMessage, &notification.DispatchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan notification: %w", ErrDeliveryStoreFailed, err)
		}

		notification.ErrorMessage = errorMessage.String

		notifications = append(notifications, &notification)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate notifications: %w", ErrDeliveryStoreFailed, err)
	}

	return notifications, nil
}

// UpsertReport inserts or updates a report definition.
func (s *DeliveryStore) UpsertReport(ctx context.Context, report *Report) (*Report, error) {
	query := `
		INSERT INTO reports (
			id, tenant_id, name, metric_names, narrative_template,
			recipients, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			metric_names = EXCLUDED.metric_names,
			narrative_template = EXCLUDED.narrative_template,
			recipients = EXCLUDED.recipients,
			updated_at = NOW()
		RETURNING id, tenant_id, name, metric_names, narrative_template,
		          recipients, created_at, updated_at`

	var (
		stored      Report
		metricNames pq.StringArray
		recipients  pq.StringArray
	)

	err := s.conn.QueryRowContext(ctx, query,
		report.ID, report.TenantID, report.Name, pq.Array(report.MetricNames),
		report.NarrativeTemplate, pq.Array(report.Recipients),
	).Scan(
		&stored.ID, &stored.TenantID, &stored.Name, &metricNames,
		&stored.NarrativeTemplate, &recipients, &stored.CreatedAt, &stored.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert report %s: %w", ErrDeliveryStoreFailed, report.Name, err)
	}

	stored.MetricNames = metricNames
	stored.Recipients = recipients

	return &stored, nil
}

// GetReport loads one report definition.
func (s *DeliveryStore) GetReport(ctx context.Context, id string) (*Report, error) {
	query := `
		SELECT id, tenant_id, name, metric_names, narrative_template,
		       recipients, created_at, updated_at
		FROM reports
		WHERE id = $1`

	var (
		report      Report
		metricNames pq.StringArray
		recipients  pq.StringArray
	)

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&report.ID, &report.TenantID, &report.Name, &metricNames,
		&report.NarrativeTemplate, &recipients, &report.CreatedAt, &report.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load report %s: %w", ErrDeliveryStoreFailed, id, err)
	}

	report.MetricNames = metricNames
	report.Recipients = recipients

	return &report, nil
}

// InsertReportGeneration records one rendered report artifact.
func (s *DeliveryStore) InsertReportGeneration(ctx context.Context, generation *ReportGeneration) error {
	snapshot := generation.MetricsSnapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO report_generations (
			id, report_id, tenant_id, status, artifact_url,
			artifact_expires_at, metrics_snapshot, error_message, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING generated_at`

	err := s.conn.QueryRowContext(ctx, query,
		generation.ID, generation.ReportID, generation.TenantID, generation.Status,
		nullableString(generation.ArtifactURL), nullableTime(generation.ArtifactExpiresAt),
		string(snapshot), nullableString(generation.ErrorMessage),
	).Scan(&generation.GeneratedAt)
	if err != nil {
		return fmt.Errorf("%w: insert generation for %s: %w", ErrDeliveryStoreFailed, generation.ReportID, err)
	}

	return nil
}

// ListReportGenerations returns the generation history of a report, newest
// first.
func (s *DeliveryStore) ListReportGenerations(ctx context.Context, reportID string) ([]*ReportGeneration, error) {
	query := `
		SELECT id, report_id, tenant_id, status, artifact_url,
		       artifact_expires_at, metrics_snapshot, error_message, generated_at
		FROM report_generations
		WHERE report_id = $1
		ORDER BY generated_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, reportID)
	if err != nil {
		return nil, fmt.Errorf("%w: list generations: %w", ErrDeliveryStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var generations []*ReportGeneration

	for rows.Next() {
		var (
			generation   ReportGeneration
			artifactURL  sql.NullString
			expiresAt    sql.NullTime
			snapshot     []byte
			errorMessage sql.NullString
		)

		err := rows.Scan(
			&generation.ID, &generation.ReportID, &generation.TenantID, &generation.Status,
			&artifactURL, &expiresAt, &snapshot, &errorMessage, &generation.GeneratedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan generation: %w", ErrDeliveryStoreFailed, err)
		}

		generation.ArtifactURL = artifactURL.String
		generation.ArtifactExpiresAt = expiresAt.Time
		generation.MetricsSnapshot = snapshot
		generation.ErrorMessage = errorMessage.String

		generations = append(generations, &generation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate generations: %w", ErrDeliveryStoreFailed, err)
	}

	return generations, nil
}

const exportJobColumns = `id, tenant_id, query_name, params, format, status,
	artifact_url, artifact_expires_at, row_count, error_message, requested_by,
	created_at, updated_at`

const alertColumns = `id, tenant_id, name, metric_name, rule_type, comparator,
	threshold, baseline_window_secs, channels, enabled, last_state,
	last_evaluated_at, created_at, updated_at`

func (s *DeliveryStore) updateExportStatus(ctx context.Context, id, query, status string) error {
	result, err := s.conn.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("%w: update export job %s: %w", ErrDeliveryStoreFailed, id, err)
	}

	return s.requireExportRow(result, id)
}

func (s *DeliveryStore) requireExportRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrDeliveryStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrExportJobNotFound, id)
	}

	return nil
}

func scanExportJob(row rowScanner) (*ExportJob, error) {
	var (
		job          ExportJob
		params       []byte
		artifactURL  sql.NullString
		expiresAt    sql.NullTime
		rowCount     sql.NullInt64
		errorMessage sql.NullString
		requestedBy  sql.NullString
	)

	err := row.Scan(
		&job.ID, &job.TenantID, &job.QueryName, &params, &job.Format, &job.Status,
		&artifactURL, &expiresAt, &rowCount, &errorMessage, &requestedBy,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Params = params
	job.ArtifactURL = artifactURL.String
	job.ArtifactExpiresAt = expiresAt.Time
	job.RowCount = rowCount.Int64
	job.ErrorMessage = errorMessage.String
	job.RequestedBy = requestedBy.String

	return &job, nil
}

func scanAlert(row rowScanner) (*Alert, error) {
	var (
		alert       Alert
		windowSecs  int64
		channels    pq.StringArray
		evaluatedAt sql.NullTime
	)

	err := row.Scan(
		&alert.ID, &alert.TenantID, &alert.Name, &alert.MetricName, &alert.RuleType,
		&alert.Comparator, &alert.Threshold, &windowSecs, &channels, &alert.Enabled,
		&alert.LastState, &evaluatedAt, &alert.CreatedAt, &alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.BaselineWindow = time.Duration(windowSecs) * time.Second
	alert.Channels = channels
	alert.LastEvaluatedAt = evaluatedAt.Time

	return &alert, nil
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
