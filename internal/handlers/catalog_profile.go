package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

// profileSampleLimit bounds the rows sampled per column so profiling a wide
// fact table cannot monopolize the warehouse.
const profileSampleLimit = 10000

// CatalogProfilePayload names the datasets whose columns should be profiled.
type CatalogProfilePayload struct {
	DatasetIDs          []string `json:"dataset_ids"`
	IncludePIIDetection bool     `json:"include_pii_detection"`
}

// CatalogProfileResult reports per-column outcomes across all datasets.
type CatalogProfileResult struct {
	ColumnsProfiled int      `json:"columns_profiled"`
	ColumnsFailed   int      `json:"columns_failed"`
	MissingDatasets []string `json:"missing_datasets,omitempty"`
}

// CatalogProfile samples every column of the named datasets and persists a
// profile row per column. One column failing, a type without btree ordering
// for instance, does not abort the rest; failures are counted and logged.
// A dataset deleted since enqueue is skipped, not retried.
func (s *Set) CatalogProfile(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var payload CatalogProfilePayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if len(payload.DatasetIDs) == 0 {
		return nil, queue.Permanent(fmt.Errorf("%w: dataset_ids is required", ErrBadPayload))
	}

	var result CatalogProfileResult
	for _, datasetID := range payload.DatasetIDs {
		dataset, columns, err := s.deps.Catalog.GetDataset(ctx, datasetID)
		if errors.Is(err, storage.ErrDatasetNotFound) {
			result.MissingDatasets = append(result.MissingDatasets, datasetID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load dataset %s: %w", datasetID, err)
		}

		for _, column := range columns {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("profiling interrupted: %w", err)
			}
			if err := s.profileColumn(ctx, dataset, column, payload.IncludePIIDetection); err != nil {
				result.ColumnsFailed++
				s.logger.Warn("column profile failed",
					slog.String("dataset_id", datasetID),
					slog.String("column", column.Name),
					slog.String("error", err.Error()))
				continue
			}
			result.ColumnsProfiled++
		}
	}

	s.logger.Info("catalog profiling completed",
		slog.Int("profiled", result.ColumnsProfiled),
		slog.Int("failed", result.ColumnsFailed),
		slog.Int("missing", len(result.MissingDatasets)))

	return json.Marshal(result)
}

func (s *Set) profileColumn(ctx context.Context, dataset *storage.CatalogDataset, column storage.CatalogColumn, detectPII bool) error {
	stats, err := s.deps.Catalog.ProfileColumn(ctx, dataset.SchemaName, dataset.TableName, column.Name, profileSampleLimit)
	if err != nil {
		return fmt.Errorf("sample column: %w", err)
	}

	profile := &storage.ColumnProfile{
		DatasetID:     dataset.ID,
		ColumnName:    column.Name,
		SampleSize:    stats.SampleSize,
		NullFraction:  stats.NullFraction,
		DistinctCount: stats.DistinctCount,
		MinValue:      stats.MinValue,
		MaxValue:      stats.MaxValue,
		ProfiledAt:    time.Now().UTC(),
	}
	if detectPII {
		profile.PIIFlags = DetectPII(column.Name, []string{stats.MinValue, stats.MaxValue})
	}

	if err := s.deps.Catalog.UpsertColumnProfile(ctx, profile); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}
