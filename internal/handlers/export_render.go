package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

// Export formats the renderer can produce.
const (
	ExportFormatCSV  = "csv"
	ExportFormatJSON = "json"
)

// ExportRenderPayload names the export job row to render.
type ExportRenderPayload struct {
	ExportJobID string `json:"export_job_id"`
}

// ExportRenderResult reports the rendered artifact.
type ExportRenderResult struct {
	ExportJobID string    `json:"export_job_id"`
	ArtifactURL string    `json:"artifact_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	RowCount    int64     `json:"row_count"`
}

// ExportRender runs the export's registered query, renders the rows in the
// requested format, uploads the artifact, and completes the export row with
// a signed download URL. A job redelivered after completion returns the
// stored artifact without re-rendering. Failures mark the export row failed
// before surfacing, so its status always reflects the last attempt.
func (s *Set) ExportRender(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var payload ExportRenderPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ExportJobID == "" {
		return nil, queue.Permanent(fmt.Errorf("%w: export_job_id is required", ErrBadPayload))
	}

	export, err := s.deps.Deliveries.GetExportJob(ctx, payload.ExportJobID)
	if errors.Is(err, storage.ErrExportJobNotFound) {
		return nil, queue.Permanent(fmt.Errorf("export job %s was deleted: %w", payload.ExportJobID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("load export job %s: %w", payload.ExportJobID, err)
	}

	if export.Status == storage.ExportStatusCompleted {
		return json.Marshal(ExportRenderResult{
			ExportJobID: export.ID,
			ArtifactURL: export.ArtifactURL,
			ExpiresAt:   export.ArtifactExpiresAt,
			RowCount:    export.RowCount,
		})
	}

	if err := s.deps.Deliveries.MarkExportRendering(ctx, export.ID); err != nil {
		return nil, fmt.Errorf("mark export %s rendering: %w", export.ID, err)
	}

	result, err := s.renderExport(ctx, export)
	if err != nil {
		if failErr := s.deps.Deliveries.FailExportJob(ctx, export.ID, err.Error()); failErr != nil {
			s.logger.Warn("recording export failure failed",
				slog.String("export_job_id", export.ID),
				slog.String("error", failErr.Error()))
		}
		return nil, err
	}

	s.logger.Info("export rendered",
		slog.String("export_job_id", export.ID),
		slog.String("format", export.Format),
		slog.Int64("rows", result.RowCount))

	return json.Marshal(result)
}

func (s *Set) renderExport(ctx context.Context, export *storage.ExportJob) (*ExportRenderResult, error) {
	headers, rows, err := s.deps.Deliveries.FetchExportRows(ctx, export.QueryName, export.TenantID)
	if errors.Is(err, storage.ErrExportQueryUnknown) {
		return nil, queue.Permanent(fmt.Errorf("export %s: %w", export.ID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch rows for export %s: %w", export.ID, err)
	}

	body, contentType, err := encodeExport(export.Format, headers, rows)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("export %s: %w", export.ID, err))
	}

	objectKey := fmt.Sprintf("exports/%s/%s.%s", export.TenantID, export.ID, export.Format)
	storedKey, err := s.deps.Artifacts.Upload(ctx, objectKey, contentType, body)
	if err != nil {
		return nil, fmt.Errorf("upload artifact for export %s: %w", export.ID, err)
	}

	url, expiresAt, err := s.deps.Artifacts.SignedURL(ctx, storedKey)
	if err != nil {
		return nil, fmt.Errorf("sign artifact URL for export %s: %w", export.ID, err)
	}

	rowCount := int64(len(rows))
	if err := s.deps.Deliveries.CompleteExportJob(ctx, export.ID, url, expiresAt, rowCount); err != nil {
		return nil, fmt.Errorf("complete export %s: %w", export.ID, err)
	}

	return &ExportRenderResult{
		ExportJobID: export.ID,
		ArtifactURL: url,
		ExpiresAt:   expiresAt,
		RowCount:    rowCount,
	}, nil
}

// encodeExport renders header and row data in the requested format and
// returns the body with its content type.
func encodeExport(format string, headers []string, rows [][]string) ([]byte, string, error) {
	switch format {
	case ExportFormatCSV:
		var buf bytes.Buffer
		writer := csv.NewWriter(&buf)
		if err := writer.Write(headers); err != nil {
			return nil, "", fmt.Errorf("write csv header: %w", err)
		}
		if err := writer.WriteAll(rows); err != nil {
			return nil, "", fmt.Errorf("write csv rows: %w", err)
		}
		return buf.Bytes(), "text/csv", nil

	case ExportFormatJSON:
		records := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			record := make(map[string]string, len(headers))
			for i, header := range headers {
				if i < len(row) {
					record[header] = row[i]
				}
			}
			records = append(records, record)
		}
		body, err := json.Marshal(records)
		if err != nil {
			return nil, "", fmt.Errorf("encode json rows: %w", err)
		}
		return body, "application/json", nil

	default:
		return nil, "", fmt.Errorf("unsupported export format %q", format)
	}
}
