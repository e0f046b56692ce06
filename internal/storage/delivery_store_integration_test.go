package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/revlens-io/revlens/internal/config"
)

// Test registries mirror the manifest wiring: exports take the tenant as $1,
// metrics take ($1 tenant, $2 window start, $3 window end).
func deliveryStoreForTest(ctx context.Context, t *testing.T) (*DeliveryStore, *Connection) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{DB: testDB.Connection}

	exportQueries := map[string]string{
		"opportunities_raw": `
			SELECT event_id, payload->>'stage' AS stage,
			       (payload->>'amount_cents')::bigint AS amount_cents
			FROM staging_opportunities
			WHERE tenant_id = $1
			ORDER BY event_id`,
	}

	metricQueries := map[string]string{
		"opportunities_ingested": `
			SELECT COUNT(*)::float8
			FROM staging_opportunities
			WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3`,
		"largest_open_amount": `
			SELECT MAX((payload->>'amount_cents')::bigint)::float8
			FROM staging_opportunities
			WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3`,
	}

	return NewDeliveryStore(conn, slog.New(slog.DiscardHandler), exportQueries, metricQueries), conn
}

func seedOpportunityAt(ctx context.Context, t *testing.T, conn *Connection, tenantID, eventID, stage string, amountCents int64, occurredAt time.Time) {
	t.Helper()

	_, err := conn.ExecContext(ctx, `
		INSERT INTO staging_opportunities (
			event_id, tenant_id, event_type, occurred_at, payload
		) VALUES ($1, $2, 'opportunity.stage_changed', $3,
		          jsonb_build_object('stage', $4::text, 'amount_cents', $5::bigint))
	`, eventID, tenantID, occurredAt, stage, amountCents)
	require.NoError(t, err)
}

func TestDeliveryStoreExportLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := deliveryStoreForTest(ctx, t)

	job := &ExportJob{
		ID:          uuid.NewString(),
		TenantID:    "t-acme",
		QueryName:   "opportunities_raw",
		Params:      json.RawMessage(`{"stage": "won"}`),
		Format:      "csv",
		RequestedBy: "ops@acme.example",
	}

	stored, err := store.InsertExportJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ExportStatusPending, stored.Status)
	assert.Equal(t, "csv", stored.Format)
	assert.False(t, stored.CreatedAt.IsZero())

	require.NoError(t, store.MarkExportRendering(ctx, job.ID))

	rendering, err := store.GetExportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ExportStatusRendering, rendering.Status)

	// First attempt fails, second succeeds; completion clears the error.
	require.NoError(t, store.FailExportJob(ctx, job.ID, "blob upload timed out"))

	failed, err := store.GetExportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ExportStatusFailed, failed.Status)
	assert.Equal(t, "blob upload timed out", failed.ErrorMessage)

	expiresAt := time.Now().UTC().Add(24 * time.Hour)
	require.NoError(t, store.CompleteExportJob(ctx, job.ID,
		"https://blob.revlens.example/exports/acme.csv", expiresAt, 1284))

	completed, err := store.GetExportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ExportStatusCompleted, completed.Status)
	assert.Equal(t, "https://blob.revlens.example/exports/acme.csv", completed.ArtifactURL)
	assert.WithinDuration(t, expiresAt, completed.ArtifactExpiresAt, time.Second)
	assert.EqualValues(t, 1284, completed.RowCount)
	assert.Empty(t, completed.ErrorMessage)
}

func TestDeliveryStoreExportJobErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := deliveryStoreForTest(ctx, t)

	// Unregistered query names are rejected before anything is persisted.
	_, err := store.InsertExportJob(ctx, &ExportJob{
		ID:        uuid.NewString(),
		TenantID:  "t-acme",
		QueryName: "drop_all_tables",
		Format:    "csv",
	})
	assert.ErrorIs(t, err, ErrExportQueryUnknown)

	_, err = store.GetExportJob(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrExportJobNotFound)

	err = store.CompleteExportJob(ctx, uuid.NewString(), "https://example.com/x.csv", time.Now(), 0)
	assert.ErrorIs(t, err, ErrExportJobNotFound)

	err = store.FailExportJob(ctx, uuid.NewString(), "boom")
	assert.ErrorIs(t, err, ErrExportJobNotFound)
}

func TestDeliveryStoreFetchExportRows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, conn := deliveryStoreForTest(ctx, t)

	occurredAt := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	seedOpportunityAt(ctx, t, conn, "t-acme", "evt-001", "qualified", 250000, occurredAt)
	seedOpportunityAt(ctx, t, conn, "t-acme", "evt-002", "won", 900000, occurredAt)
	seedOpportunityAt(ctx, t, conn, "t-globex", "evt-900", "lost", 50000, occurredAt)

	columns, records, err := store.FetchExportRows(ctx, "opportunities_raw", "t-acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"event_id", "stage", "amount_cents"}, columns)
	require.Len(t, records, 2)

	// Other tenants' rows never leak into the export.
	assert.Equal(t, []string{"evt-001", "qualified", "250000"}, records[0])
	assert.Equal(t, []string{"evt-002", "won", "900000"}, records[1])

	_, _, err = store.FetchExportRows(ctx, "not_registered", "t-acme")
	assert.ErrorIs(t, err, ErrExportQueryUnknown)
}

func TestDeliveryStoreMetricValue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, conn := deliveryStoreForTest(ctx, t)

	inWindow := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	beforeWindow := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

	seedOpportunityAt(ctx, t, conn, "t-acme", "evt-101", "won", 900000, inWindow)
	seedOpportunityAt(ctx, t, conn, "t-acme", "evt-102", "qualified", 250000, inWindow)
	seedOpportunityAt(ctx, t, conn, "t-acme", "evt-103", "won", 100000, beforeWindow)

	start := time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC)

	value, err := store.MetricValue(ctx, "opportunities_ingested", "t-acme", start, end)
	require.NoError(t, err)
	assert.InDelta(t, 2, value, 0.001)

	value, err = store.MetricValue(ctx, "largest_open_amount", "t-acme", start, end)
	require.NoError(t, err)
	assert.InDelta(t, 900000, value, 0.001)

	// An empty window aggregates to NULL, which reads as zero.
	value, err = store.MetricValue(ctx, "largest_open_amount", "t-initech", start, end)
	require.NoError(t, err)
	assert.Zero(t, value)

	_, err = store.MetricValue(ctx, "unknown_metric", "t-acme", start, end)
	assert.ErrorIs(t, err, ErrMetricUnknown)

	assert.True(t, store.MetricRegistered("opportunities_ingested"))
	assert.False(t, store.MetricRegistered("unknown_metric"))
}

func TestDeliveryStoreAlerts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := deliveryStoreForTest(ctx, t)

	alert := &Alert{
		ID:             uuid.NewString(),
		TenantID:       "t-acme",
		Name:           "ingest-volume-drop",
		MetricName:     "opportunities_ingested",
		RuleType:       "percent_change",
		Comparator:     "lt",
		Threshold:      -25,
		BaselineWindow: time.Hour,
		Channels:       []string{"slack", "webhook"},
		Enabled:        true,
	}

	stored, err := store.UpsertAlert(ctx, alert)
	require.NoError(t, err)
	assert.Equal(t, alert.ID, stored.ID)
	assert.Equal(t, AlertStateOK, stored.LastState)
	assert.Equal(t, time.Hour, stored.BaselineWindow)
	assert.Equal(t, []string{"slack", "webhook"}, stored.Channels)
	assert.True(t, stored.LastEvaluatedAt.IsZero())

	// Definition updates keep the identity and evaluation state.
	alert.Threshold = -40
	alert.Channels = []string{"slack"}

	updated, err := store.UpsertAlert(ctx, alert)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, updated.ID)
	assert.InDelta(t, -40, updated.Threshold, 0.001)
	assert.Equal(t, []string{"slack"}, updated.Channels)

	require.NoError(t, store.RecordAlertEvaluation(ctx, alert.ID, AlertStateTriggered))

	evaluated, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, AlertStateTriggered, evaluated.LastState)
	assert.False(t, evaluated.LastEvaluatedAt.IsZero())

	_, err = store.GetAlert(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrAlertNotFound)

	err = store.RecordAlertEvaluation(ctx, uuid.NewString(), AlertStateOK)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestDeliveryStoreAlertNotifications(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := deliveryStoreForTest(ctx, t)

	alert, err := store.UpsertAlert(ctx, &Alert{
		ID:         uuid.NewString(),
		TenantID:   "t-acme",
		Name:       "pipeline-stall",
		MetricName: "opportunities_ingested",
		RuleType:   "threshold",
		Comparator: "lt",
		Threshold:  1,
		Channels:   []string{"slack"},
		Enabled:    true,
	})
	require.NoError(t, err)

	first := &AlertNotification{
		AlertID:  alert.ID,
		TenantID: "t-acme",
		Channel:  "slack",
		Status:   "sent",
		Message:  "pipeline-stall triggered: opportunities_ingested=0 < 1",
	}

	require.NoError(t, store.InsertAlertNotification(ctx, first))
	assert.Positive(t, first.ID)
	assert.False(t, first.DispatchedAt.IsZero())

	second := &AlertNotification{
		AlertID:      alert.ID,
		TenantID:     "t-acme",
		Channel:      "webhook",
		Status:       "failed",
		Message:      "pipeline-stall triggered: opportunities_ingested=0 < 1",
		ErrorMessage: "circuit breaker open",
	}

	require.NoError(t, store.InsertAlertNotification(ctx, second))

	notifications, err := store.ListAlertNotifications(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, notifications, 2)

	// Newest first.
	assert.Equal(t, second.ID, notifications[0].ID)
	assert.Equal(t, "webhook", notifications[0].Channel)
	assert.Equal(t, "circuit breaker open", notifications[0].ErrorMessage)
	assert.Equal(t, "slack", notifications[1].Channel)
	assert.Empty(t, notifications[1].ErrorMessage)
}

func TestDeliveryStoreReports(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := deliveryStoreForTest(ctx, t)

	report := &Report{
		ID:                uuid.NewString(),
		TenantID:          "t-acme",
		Name:              "weekly-pipeline",
		MetricNames:       []string{"opportunities_ingested", "largest_open_amount"},
		NarrativeTemplate: "Ingested {{.opportunities_ingested}} opportunities this week.",
		Recipients:        []string{"revops@acme.example"},
	}

	stored, err := store.UpsertReport(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, report.ID, stored.ID)
	assert.Equal(t, []string{"opportunities_ingested", "largest_open_amount"}, stored.MetricNames)

	report.Recipients = []string{"revops@acme.example", "cfo@acme.example"}

	updated, err := store.UpsertReport(ctx, report)
	require.NoError(t, err)
	assert.Len(t, updated.Recipients, 2)

	fetched, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, "weekly-pipeline", fetched.Name)

	_, err = store.GetReport(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrReportNotFound)

	generation := &ReportGeneration{
		ID:              uuid.NewString(),
		ReportID:        report.ID,
		TenantID:        "t-acme",
		Status:          "completed",
		ArtifactURL:     "https://blob.revlens.example/reports/weekly.html",
		MetricsSnapshot: json.RawMessage(`{"opportunities_ingested": 42}`),
	}

	require.NoError(t, store.InsertReportGeneration(ctx, generation))
	assert.False(t, generation.GeneratedAt.IsZero())

	require.NoError(t, store.InsertReportGeneration(ctx, &ReportGeneration{
		ID:           uuid.NewString(),
		ReportID:     report.ID,
		TenantID:     "t-acme",
		Status:       "failed",
		ErrorMessage: "metric query timed out",
	}))

	generations, err := store.ListReportGenerations(ctx, report.ID)
	require.NoError(t, err)
	require.Len(t, generations, 2)
	assert.Equal(t, "failed", generations[0].Status)
	assert.Equal(t, "metric query timed out", generations[0].ErrorMessage)
	assert.Equal(t, "completed", generations[1].Status)
	assert.JSONEq(t, `{"opportunities_ingested": 42}`, string(generations[1].MetricsSnapshot))
}
