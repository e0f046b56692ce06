package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

func boardPackReport() *storage.Report {
	return &storage.Report{
		ID:                "rep-1",
		TenantID:          "t-acme",
		Name:              "Board Pack",
		MetricNames:       []string{"qualified_leads_daily", "win_rate"},
		NarrativeTemplate: `Leads came in at {{index .Metrics "qualified_leads_daily"}}.`,
		Recipients:        []string{"cro@acme.test"},
	}
}

func TestReportGenerate_RendersAndRecords(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	f.deliveries.report = boardPackReport()
	f.deliveries.metricSeq = []float64{42, 0.31}
	set := f.set(t)

	raw, err := set.ReportGenerate(context.Background(), testJob(KindReportGenerate, `{"report_id":"rep-1"}`))
	if err != nil {
		t.Fatalf("ReportGenerate: %v", err)
	}

	calls := f.deliveries.metricCalls
	if len(calls) != 2 {
		t.Fatalf("metric calls = %d, want 2", len(calls))
	}
	if got := calls[0].end.Sub(calls[0].start); got != reportWindow {
		t.Errorf("metric window = %v, want %v", got, reportWindow)
	}
	if !calls[0].end.Truncate(reportBucket).Equal(calls[0].end) {
		t.Errorf("window end %v should fall on the hour", calls[0].end)
	}
	if calls[0].tenant != "t-acme" {
		t.Errorf("metric tenant = %q", calls[0].tenant)
	}

	if len(f.artifacts.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(f.artifacts.uploads))
	}
	upload := f.artifacts.uploads[0]
	if !strings.HasPrefix(upload.key, "reports/t-acme/rep-1/") || !strings.HasSuffix(upload.key, ".md") {
		t.Errorf("upload key = %q", upload.key)
	}
	if upload.contentType != "text/markdown" {
		t.Errorf("content type = %q", upload.contentType)
	}

	body := string(upload.body)
	if !strings.Contains(body, "# Board Pack") {
		t.Errorf("document missing title: %q", body)
	}
	if !strings.Contains(body, "| qualified_leads_daily | 42.00 |") {
		t.Errorf("document missing metric row: %q", body)
	}
	if !strings.Contains(body, "Leads came in at 42.") {
		t.Errorf("document missing narrative: %q", body)
	}

	if len(f.artifacts.signedKeys) != 1 || f.artifacts.signedKeys[0] != "blob/"+upload.key {
		t.Fatalf("signed keys = %v, want the stored key", f.artifacts.signedKeys)
	}

	if len(f.deliveries.generations) != 1 {
		t.Fatalf("generations = %d, want 1", len(f.deliveries.generations))
	}
	generation := f.deliveries.generations[0]
	if generation.Status != GenerationCompleted || generation.ReportID != "rep-1" || generation.TenantID != "t-acme" {
		t.Fatalf("generation = %+v", generation)
	}

	var snapshot map[string]float64
	if err := json.Unmarshal(generation.MetricsSnapshot, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot["qualified_leads_daily"] != 42 || snapshot["win_rate"] != 0.31 {
		t.Errorf("snapshot = %v", snapshot)
	}

	var result ReportGenerateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.GenerationID != generation.ID {
		t.Errorf("result generation = %q, row = %q", result.GenerationID, generation.ID)
	}
	if !strings.Contains(upload.key, result.GenerationID) {
		t.Errorf("artifact key %q should carry the generation ID %q", upload.key, result.GenerationID)
	}
	if result.ArtifactURL != generation.ArtifactURL {
		t.Errorf("result URL %q != generation URL %q", result.ArtifactURL, generation.ArtifactURL)
	}
}

func TestReportGenerate_MetricFailureRecordsFailedGeneration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	f.deliveries.report = boardPackReport()
	f.deliveries.metricErr = errors.New("query timeout")
	set := f.set(t)

	_, err := set.ReportGenerate(context.Background(), testJob(KindReportGenerate, `{"report_id":"rep-1"}`))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	if len(f.deliveries.generations) != 1 {
		t.Fatalf("generations = %d, want failure recorded", len(f.deliveries.generations))
	}
	generation := f.deliveries.generations[0]
	if generation.Status != GenerationFailed || generation.ErrorMessage == "" {
		t.Fatalf("generation = %+v", generation)
	}
	if generation.ArtifactURL != "" {
		t.Errorf("failed generation should have no artifact, got %q", generation.ArtifactURL)
	}
}

func TestReportGenerate_BadTemplatePermanent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	report := boardPackReport()
	report.NarrativeTemplate = `{{.Broken`
	f.deliveries.report = report
	f.deliveries.metricSeq = []float64{42, 0.31}
	set := f.set(t)

	_, err := set.ReportGenerate(context.Background(), testJob(KindReportGenerate, `{"report_id":"rep-1"}`))
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if len(f.deliveries.generations) != 1 || f.deliveries.generations[0].Status != GenerationFailed {
		t.Fatalf("generations = %+v, want failed row", f.deliveries.generations)
	}
}

func TestReportGenerate_PermanentFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name    string
		prepare func(*fixture)
		payload string
	}{
		{"malformed payload", func(*fixture) {}, `{"report_id"`},
		{"missing report id", func(*fixture) {}, `{}`},
		{"deleted report", func(*fixture) {}, `{"report_id":"rep-1"}`},
		{
			name: "unregistered metric",
			prepare: func(f *fixture) {
				f.deliveries.report = boardPackReport()
				f.deliveries.unregistered["win_rate"] = true
			},
			payload: `{"report_id":"rep-1"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			if tc.prepare != nil {
				tc.prepare(f)
			}

			_, err := f.set(t).ReportGenerate(context.Background(), testJob(KindReportGenerate, tc.payload))
			if !queue.IsPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
			if len(f.deliveries.generations) != 0 {
				t.Fatalf("definition problems must not record generations, got %+v", f.deliveries.generations)
			}
		})
	}
}

func TestRenderNarrative(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	data := narrativeData{
		ReportName:  "Board Pack",
		TenantID:    "t-acme",
		GeneratedAt: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Metrics:     map[string]float64{"win_rate": 0.25},
	}

	out, err := renderNarrative(`{{.ReportName}}: win rate {{index .Metrics "win_rate"}}`, data)
	if err != nil {
		t.Fatalf("renderNarrative: %v", err)
	}
	if out != "Board Pack: win rate 0.25" {
		t.Errorf("narrative = %q", out)
	}

	if out, err = renderNarrative("", data); err != nil || out != "" {
		t.Errorf("empty template = (%q, %v), want empty", out, err)
	}

	if _, err = renderNarrative(`{{.Broken`, data); err == nil {
		t.Error("expected parse error")
	}
	if _, err = renderNarrative(`{{.DoesNotExist}}`, data); err == nil {
		t.Error("expected execute error for unknown field")
	}
}
