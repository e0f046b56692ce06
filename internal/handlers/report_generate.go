package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

// reportWindow is the trailing period a report's metric snapshot covers.
const reportWindow = 30 * 24 * time.Hour

// reportBucket quantizes the snapshot window's end, so a retried upload or a
// second generation in the same hour reuses the cached metric readings.
const reportBucket = time.Hour

// Report generation states recorded on generation rows.
const (
	GenerationCompleted = "completed"
	GenerationFailed    = "failed"
)

// ReportGeneratePayload names the report definition to render.
type ReportGeneratePayload struct {
	ReportID string `json:"report_id"`
}

// ReportGenerateResult reports the rendered generation.
type ReportGenerateResult struct {
	ReportID     string    `json:"report_id"`
	GenerationID string    `json:"generation_id"`
	ArtifactURL  string    `json:"artifact_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// narrativeData is the template context for a report's narrative.
type narrativeData struct {
	ReportName  string
	TenantID    string
	GeneratedAt time.Time
	Metrics     map[string]float64
}

// ReportGenerate snapshots the report's metrics over the trailing window,
// renders the narrative template, uploads the document as an artifact, and
// records a generation row. Failed renders also record a generation row so
// the report's history shows the attempt.
func (s *Set) ReportGenerate(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var payload ReportGeneratePayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ReportID == "" {
		return nil, queue.Permanent(fmt.Errorf("%w: report_id is required", ErrBadPayload))
	}

	report, err := s.deps.Deliveries.GetReport(ctx, payload.ReportID)
	if errors.Is(err, storage.ErrReportNotFound) {
		return nil, queue.Permanent(fmt.Errorf("report %s was deleted: %w", payload.ReportID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", payload.ReportID, err)
	}
	for _, name := range report.MetricNames {
		if !s.deps.Deliveries.MetricRegistered(name) {
			return nil, queue.Permanent(fmt.Errorf("report %s: %w: %q", report.ID, storage.ErrMetricUnknown, name))
		}
	}

	generationID := uuid.NewString()
	now := time.Now().UTC()

	result, err := s.renderReport(ctx, report, generationID, now)
	if err != nil {
		s.recordFailedGeneration(ctx, report, generationID, now, err)
		return nil, err
	}

	s.logger.Info("report generated",
		slog.String("report_id", report.ID),
		slog.String("generation_id", generationID),
		slog.Int("metrics", len(report.MetricNames)))

	return json.Marshal(result)
}

func (s *Set) renderReport(ctx context.Context, report *storage.Report, generationID string, now time.Time) (*ReportGenerateResult, error) {
	windowEnd := now.Truncate(reportBucket)

	metrics := make(map[string]float64, len(report.MetricNames))
	for _, name := range report.MetricNames {
		value, err := s.cachedMetricValue(ctx, name, report.TenantID, windowEnd.Add(-reportWindow), windowEnd)
		if err != nil {
			return nil, fmt.Errorf("read metric %s for report %s: %w", name, report.ID, err)
		}
		metrics[name] = value
	}

	narrative, err := renderNarrative(report.NarrativeTemplate, narrativeData{
		ReportName:  report.Name,
		TenantID:    report.TenantID,
		GeneratedAt: now,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("report %s: %w", report.ID, err))
	}

	document := renderReportDocument(report, metrics, narrative, now)
	objectKey := fmt.Sprintf("reports/%s/%s/%s.md", report.TenantID, report.ID, generationID)
	storedKey, err := s.deps.Artifacts.Upload(ctx, objectKey, "text/markdown", document)
	if err != nil {
		return nil, fmt.Errorf("upload artifact for report %s: %w", report.ID, err)
	}

	url, expiresAt, err := s.deps.Artifacts.SignedURL(ctx, storedKey)
	if err != nil {
		return nil, fmt.Errorf("sign artifact URL for report %s: %w", report.ID, err)
	}

	snapshot, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("encode metrics snapshot for report %s: %w", report.ID, err)
	}
	generation := &storage.ReportGeneration{
		ID:                generationID,
		ReportID:          report.ID,
		TenantID:          report.TenantID,
		Status:            GenerationCompleted,
		ArtifactURL:       url,
		ArtifactExpiresAt: expiresAt,
		MetricsSnapshot:   snapshot,
	}
	if err := s.deps.Deliveries.InsertReportGeneration(ctx, generation); err != nil {
		return nil, fmt.Errorf("record generation for report %s: %w", report.ID, err)
	}

	return &ReportGenerateResult{
		ReportID:     report.ID,
		GenerationID: generationID,
		ArtifactURL:  url,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Set) recordFailedGeneration(ctx context.Context, report *storage.Report, generationID string, now time.Time, cause error) {
	generation := &storage.ReportGeneration{
		ID:           generationID,
		ReportID:     report.ID,
		TenantID:     report.TenantID,
		Status:       GenerationFailed,
		ErrorMessage: cause.Error(),
	}
	if err := s.deps.Deliveries.InsertReportGeneration(ctx, generation); err != nil {
		s.logger.Warn("recording failed generation failed",
			slog.String("report_id", report.ID),
			slog.String("error", err.Error()))
	}
}

// renderNarrative executes the report's narrative template. Metrics are
// addressed as {{index .Metrics "metric_name"}}.
func renderNarrative(tmpl string, data narrativeData) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	parsed, err := template.New("narrative").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse narrative template: %w", err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render narrative template: %w", err)
	}
	return buf.String(), nil
}

func renderReportDocument(report *storage.Report, metrics map[string]float64, narrative string, now time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n", report.Name)
	fmt.Fprintf(&buf, "Generated %s for tenant %s.\n\n", now.Format(time.RFC3339), report.TenantID)
	buf.WriteString("| Metric | Value |\n| --- | --- |\n")
	for _, name := range report.MetricNames {
		fmt.Fprintf(&buf, "| %s | %.2f |\n", name, metrics[name])
	}
	if narrative != "" {
		buf.WriteString("\n")
		buf.WriteString(narrative)
		buf.WriteString("\n")
	}
	return buf.Bytes()
}
