package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

// CatalogDiscoveryPayload scopes a discovery sweep to one connector,
// optionally narrowed to a schema and a table name pattern.
type CatalogDiscoveryPayload struct {
	ConnectorID  string `json:"connector_id"`
	SchemaFilter string `json:"schema_filter,omitempty"`
	TablePattern string `json:"table_pattern,omitempty"`
}

// CatalogDiscoveryResult reports the sweep outcome.
type CatalogDiscoveryResult struct {
	ConnectorID        string `json:"connector_id"`
	DatasetsDiscovered int    `json:"datasets_discovered"`
	ColumnsRecorded    int    `json:"columns_recorded"`
}

// CatalogDiscovery enumerates the warehouse tables visible to a connector
// and upserts a dataset row plus its column set for each. Jobs deduplicate
// per connector, so a sweep never races itself; re-running is a no-op beyond
// bumping last_seen timestamps.
func (s *Set) CatalogDiscovery(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var payload CatalogDiscoveryPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ConnectorID == "" {
		return nil, queue.Permanent(fmt.Errorf("%w: connector_id is required", ErrBadPayload))
	}

	tables, err := s.deps.Catalog.DiscoverTables(ctx, payload.SchemaFilter, payload.TablePattern)
	if err != nil {
		return nil, fmt.Errorf("discover tables for connector %s: %w", payload.ConnectorID, err)
	}

	result := CatalogDiscoveryResult{ConnectorID: payload.ConnectorID}
	for _, table := range tables {
		estimate, err := s.deps.Catalog.EstimateRows(ctx, table.SchemaName, table.TableName)
		if err != nil {
			// Statistics may be stale or absent for freshly created tables.
			// Record the dataset anyway with an unknown row count.
			s.logger.Warn("row estimate failed",
				slog.String("schema", table.SchemaName),
				slog.String("table", table.TableName),
				slog.String("error", err.Error()))
			estimate = -1
		}

		dataset, err := s.deps.Catalog.UpsertDataset(ctx, &storage.CatalogDataset{
			ConnectorID: payload.ConnectorID,
			SchemaName:  table.SchemaName,
			TableName:   table.TableName,
			DatasetType: table.DatasetType,
			RowEstimate: estimate,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert dataset %s.%s: %w", table.SchemaName, table.TableName, err)
		}

		columns := make([]storage.CatalogColumn, len(table.Columns))
		copy(columns, table.Columns)
		for i := range columns {
			columns[i].DatasetID = dataset.ID
		}
		if err := s.deps.Catalog.ReplaceColumns(ctx, dataset.ID, columns); err != nil {
			return nil, fmt.Errorf("replace columns for dataset %s: %w", dataset.ID, err)
		}

		result.DatasetsDiscovered++
		result.ColumnsRecorded += len(columns)
	}

	s.logger.Info("catalog discovery completed",
		slog.String("connector_id", payload.ConnectorID),
		slog.Int("datasets", result.DatasetsDiscovered),
		slog.Int("columns", result.ColumnsRecorded))

	return json.Marshal(result)
}
