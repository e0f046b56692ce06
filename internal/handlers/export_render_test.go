package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

func pendingExport(format string) *storage.ExportJob {
	return &storage.ExportJob{
		ID:        "exp-1",
		TenantID:  "t-acme",
		QueryName: "pipeline_by_stage",
		Format:    format,
		Status:    storage.ExportStatusPending,
	}
}

func exportRows(f *fixture) {
	f.deliveries.headers = []string{"stage", "count"}
	f.deliveries.rows = [][]string{
		{"qualified", "12"},
		{"closed_won", "4"},
	}
}

func TestExportRender_CSV(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	f.deliveries.export = pendingExport(ExportFormatCSV)
	exportRows(f)
	set := f.set(t)

	raw, err := set.ExportRender(context.Background(), testJob(KindExportRender, `{"export_job_id":"exp-1"}`))
	if err != nil {
		t.Fatalf("ExportRender: %v", err)
	}

	if len(f.deliveries.rendering) != 1 || f.deliveries.rendering[0] != "exp-1" {
		t.Fatalf("rendering marks = %v", f.deliveries.rendering)
	}
	if len(f.artifacts.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(f.artifacts.uploads))
	}

	upload := f.artifacts.uploads[0]
	if upload.key != "exports/t-acme/exp-1.csv" {
		t.Errorf("upload key = %q", upload.key)
	}
	if upload.contentType != "text/csv" {
		t.Errorf("content type = %q", upload.contentType)
	}
	body := string(upload.body)
	if !strings.HasPrefix(body, "stage,count\n") || !strings.Contains(body, "qualified,12\n") {
		t.Errorf("csv body = %q", body)
	}

	// The signed key must be the key the upload returned, prefix included.
	if len(f.artifacts.signedKeys) != 1 || f.artifacts.signedKeys[0] != "blob/exports/t-acme/exp-1.csv" {
		t.Fatalf("signed keys = %v", f.artifacts.signedKeys)
	}

	if len(f.deliveries.completions) != 1 {
		t.Fatalf("completions = %d, want 1", len(f.deliveries.completions))
	}
	completion := f.deliveries.completions[0]
	if completion.id != "exp-1" || completion.rows != 2 || completion.url == "" {
		t.Fatalf("completion = %+v", completion)
	}

	var result ExportRenderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ExportJobID != "exp-1" || result.RowCount != 2 || result.ArtifactURL != completion.url {
		t.Errorf("result = %+v", result)
	}
}

func TestExportRender_JSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	f.deliveries.export = pendingExport(ExportFormatJSON)
	exportRows(f)
	set := f.set(t)

	if _, err := set.ExportRender(context.Background(), testJob(KindExportRender, `{"export_job_id":"exp-1"}`)); err != nil {
		t.Fatalf("ExportRender: %v", err)
	}

	upload := f.artifacts.uploads[0]
	if upload.contentType != "application/json" {
		t.Errorf("content type = %q", upload.contentType)
	}

	var records []map[string]string
	if err := json.Unmarshal(upload.body, &records); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(records) != 2 || records[0]["stage"] != "qualified" || records[1]["count"] != "4" {
		t.Fatalf("records = %v", records)
	}
}

func TestExportRender_CompletedJobReturnsStoredArtifact(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	expiresAt := time.Date(2025, 7, 3, 12, 0, 0, 0, time.UTC)
	f := newFixture()
	f.deliveries.export = &storage.ExportJob{
		ID:                "exp-1",
		TenantID:          "t-acme",
		QueryName:         "pipeline_by_stage",
		Format:            ExportFormatCSV,
		Status:            storage.ExportStatusCompleted,
		ArtifactURL:       "https://artifacts.example.com/previous",
		ArtifactExpiresAt: expiresAt,
		RowCount:          7,
	}
	set := f.set(t)

	raw, err := set.ExportRender(context.Background(), testJob(KindExportRender, `{"export_job_id":"exp-1"}`))
	if err != nil {
		t.Fatalf("ExportRender: %v", err)
	}

	if len(f.deliveries.rendering) != 0 || len(f.artifacts.uploads) != 0 {
		t.Fatal("completed export must not re-render")
	}

	var result ExportRenderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ArtifactURL != "https://artifacts.example.com/previous" || result.RowCount != 7 {
		t.Errorf("result = %+v", result)
	}
	if !result.ExpiresAt.Equal(expiresAt) {
		t.Errorf("expires at = %v, want %v", result.ExpiresAt, expiresAt)
	}
}

func TestExportRender_DeletedJobPermanent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set := newFixture().set(t)

	_, err := set.ExportRender(context.Background(), testJob(KindExportRender, `{"export_job_id":"exp-gone"}`))
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !errors.Is(err, storage.ErrExportJobNotFound) {
		t.Fatalf("expected ErrExportJobNotFound, got %v", err)
	}
}

func TestExportRender_UnknownQueryPermanentAndMarksFailed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	f.deliveries.export = pendingExport(ExportFormatCSV)
	f.deliveries.fetchErr = fmt.Errorf("%w: %q", storage.ErrExportQueryUnknown, "pipeline_by_stage")
	set := f.set(t)

	_, err := set.ExportRender(context.Background(), testJob(KindExportRender, `{"export_job_id":"exp-1"}`))
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if len(f.deliveries.failures) != 1 || f.deliveries.failures[0].id != "exp-1" {
		t.Fatalf("failures = %+v, want exp-1 marked failed", f.deliveries.failures)
	}
}

func TestExportRender_UnsupportedFormatPermanent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	f.deliveries.export = pendingExport("xlsx")
	exportRows(f)
	set := f.set(t)

	_, err := set.ExportRender(context.Background(), testJob(KindExportRender, `{"export_job_id":"exp-1"}`))
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if len(f.deliveries.failures) != 1 {
		t.Fatalf("failures = %+v", f.deliveries.failures)
	}
	if msg := f.deliveries.failures[0].message; !strings.Contains(msg, "xlsx") {
		t.Errorf("failure message = %q, want format named", msg)
	}
}

func TestExportRender_UploadFailureRetriesAndMarksFailed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture()
	f.deliveries.export = pendingExport(ExportFormatCSV)
	exportRows(f)
	f.artifacts.uploadErr = errors.New("s3 timeout")
	set := f.set(t)

	_, err := set.ExportRender(context.Background(), testJob(KindExportRender, `{"export_job_id":"exp-1"}`))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(f.deliveries.failures) != 1 {
		t.Fatalf("failures = %+v, want failure recorded", f.deliveries.failures)
	}
	if len(f.deliveries.completions) != 0 {
		t.Fatal("export must not complete after upload failure")
	}
}

func TestExportRender_PayloadValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"export_job_id"`},
		{"missing id", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := newFixture().set(t)

			_, err := set.ExportRender(context.Background(), testJob(KindExportRender, tc.payload))
			if !queue.IsPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
		})
	}
}
