package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Sentinel errors for catalog operations.
var (
	// ErrCatalogStoreFailed is returned when a catalog operation fails.
	ErrCatalogStoreFailed = errors.New("catalog store operation failed")

	// ErrDatasetNotFound is returned when a dataset ID does not exist.
	ErrDatasetNotFound = errors.New("dataset not found")
)

type (
	// CatalogDataset is one discovered table or view, keyed by
	// (connector_id, schema_name, table_name).
	CatalogDataset struct {
		ID          string
		ConnectorID string
		SchemaName  string
		TableName   string
		DatasetType string
		RowEstimate int64
		FirstSeenAt time.Time
		LastSeenAt  time.Time
	}

	// CatalogColumn is one column of a discovered dataset.
	CatalogColumn struct {
		DatasetID  string
		Name       string
		Ordinal    int
		DataType   string
		IsNullable bool
	}

	// DiscoveredTable is the raw discovery result before it is persisted as
	// a dataset.
	DiscoveredTable struct {
		SchemaName  string
		TableName   string
		DatasetType string
		Columns     []CatalogColumn
	}

	// ColumnStats are the sampled statistics for one column.
	ColumnStats struct {
		SampleSize    int64
		NullFraction  float64
		DistinctCount int64
		MinValue      string
		MaxValue      string
	}

	// ColumnProfile is the persisted profile row for one column, keyed by
	// (dataset_id, column_name).
	ColumnProfile struct {
		DatasetID     string
		ColumnName    string
		SampleSize    int64
		NullFraction  float64
		DistinctCount int64
		MinValue      string
		MaxValue      string
		PIIFlags      []string
		ProfiledAt    time.Time
	}

	// CatalogStore persists discovered datasets, their columns, and column
	// profiles, and runs the discovery and sampling queries against the
	// warehouse.
	CatalogStore struct {
		conn   *Connection
		logger *slog.Logger
	}
)

// NewCatalogStore creates a catalog store.
func NewCatalogStore(conn *Connection, logger *slog.Logger) *CatalogStore {
	return &CatalogStore{
		conn:   conn,
		logger: logger.With(slog.String("component", "catalog_store")),
	}
}

// DiscoverTables enumerates tables and their columns from the warehouse's
// information schema. schemaFilter narrows to one schema; tablePattern is a
// SQL LIKE pattern. Empty filters match everything outside the system
// schemas.
func (s *CatalogStore) DiscoverTables(ctx context.Context, schemaFilter, tablePattern string) ([]*DiscoveredTable, error) {
	start := time.Now()

	tableQuery := `
		SELECT table_schema, table_name, table_type
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		  AND ($1 = '' OR table_schema = $1)
		  AND ($2 = '' OR table_name LIKE $2)
		ORDER BY table_schema, table_name`

	rows, err := s.conn.QueryContext(ctx, tableQuery, schemaFilter, tablePattern)
	if err != nil {
		return nil, fmt.Errorf("%w: discover tables: %w", ErrCatalogStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var (
		tables []*DiscoveredTable
		index  = make(map[string]*DiscoveredTable)
	)

	for rows.Next() {
		var table DiscoveredTable

		if err := rows.Scan(&table.SchemaName, &table.TableName, &table.DatasetType); err != nil {
			return nil, fmt.Errorf("%w: scan table: %w", ErrCatalogStoreFailed, err)
		}

		tables = append(tables, &table)
		index[table.SchemaName+"."+table.TableName] = &table
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate tables: %w", ErrCatalogStoreFailed, err)
	}

	if len(tables) == 0 {
		return nil, nil
	}

	if err := s.attachColumns(ctx, schemaFilter, tablePattern, index); err != nil {
		return nil, err
	}

	s.logger.Debug("Discovered tables",
		slog.Int("count", len(tables)),
		slog.String("schema_filter", schemaFilter),
		slog.String("table_pattern", tablePattern),
		slog.Duration("duration", time.Since(start)))

	return tables, nil
}

// attachColumns loads the column listing in one query and stitches it onto
// the discovered tables.
func (s *CatalogStore) attachColumns(ctx context.Context, schemaFilter, tablePattern string, index map[string]*DiscoveredTable) error {
	columnQuery := `
		SELECT table_schema, table_name, column_name, ordinal_position,
		       data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		  AND ($1 = '' OR table_schema = $1)
		  AND ($2 = '' OR table_name LIKE $2)
		ORDER BY table_schema, table_name, ordinal_position`

	rows, err := s.conn.QueryContext(ctx, columnQuery, schemaFilter, tablePattern)
	if err != nil {
		return fmt.Errorf("%w: discover columns: %w", ErrCatalogStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			schemaName string
			tableName  string
			column     CatalogColumn
			nullable   string
		)

		err := rows.Scan(&schemaName, &tableName, &column.Name, &column.Ordinal, &column.DataType, &nullable)
		if err != nil {
			return fmt.Errorf("%w: scan column: %w", ErrCatalogStoreFailed, err)
		}

		column.IsNullable = nullable == "YES"

		if table, ok := index[schemaName+"."+tableName]; ok {
			table.Columns = append(table.Columns, column)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate columns: %w", ErrCatalogStoreFailed, err)
	}

	return nil
}

// EstimateRows returns the planner's row estimate for a table. Returns 0 for
// tables that have never been analyzed.
func (s *CatalogStore) EstimateRows(ctx context.Context, schemaName, tableName string) (int64, error) {
	query := `
		SELECT GREATEST(c.reltuples, 0)::bigint
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`

	var estimate int64

	err := s.conn.QueryRowContext(ctx, query, schemaName, tableName).Scan(&estimate)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("%w: estimate rows for %s.%s: %w", ErrCatalogStoreFailed, schemaName, tableName, err)
	}

	return estimate, nil
}

// UpsertDataset inserts or refreshes a dataset row, bumping last_seen_at.
// The stored row, including its assigned ID, is returned.
func (s *CatalogStore) UpsertDataset(ctx context.Context, dataset *CatalogDataset) (*CatalogDataset, error) {
	query := `
		INSERT INTO catalog_datasets (
			id, connector_id, schema_name, table_name, dataset_type,
			row_estimate, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (connector_id, schema_name, table_name) DO UPDATE SET
			dataset_type = EXCLUDED.dataset_type,
			row_estimate = EXCLUDED.row_estimate,
			last_seen_at = NOW()
		RETURNING id, connector_id, schema_name, table_name, dataset_type,
		          row_estimate, first_seen_at, last_seen_at`

	stored, err := scanCatalogDataset(s.conn.QueryRowContext(ctx, query,
		dataset.ID, dataset.ConnectorID, dataset.SchemaName, dataset.TableName,
		dataset.DatasetType, dataset.RowEstimate,
	))
	if err != nil {
		return nil, fmt.Errorf("%w: upsert dataset %s.%s: %w",
			ErrCatalogStoreFailed, dataset.SchemaName, dataset.TableName, err)
	}

	return stored, nil
}

// ReplaceColumns replaces the column listing of a dataset in one
// transaction. Discovery calls this after every run so dropped columns
// disappear from the catalog.
func (s *CatalogStore) ReplaceColumns(ctx context.Context, datasetID string, columns []CatalogColumn) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrCatalogStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_columns WHERE dataset_id = $1`, datasetID); err != nil {
		return fmt.Errorf("%w: clear columns for %s: %w", ErrCatalogStoreFailed, datasetID, err)
	}

	insert := `
		INSERT INTO catalog_columns (dataset_id, column_name, ordinal, data_type, is_nullable)
		VALUES ($1, $2, $3, $4, $5)`

	for _, column := range columns {
		_, err := tx.ExecContext(ctx, insert, datasetID, column.Name, column.Ordinal, column.DataType, column.IsNullable)
		if err != nil {
			return fmt.Errorf("%w: insert column %s: %w", ErrCatalogStoreFailed, column.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit columns: %w", ErrCatalogStoreFailed, err)
	}

	return nil
}

// GetDataset loads one dataset with its columns.
func (s *CatalogStore) GetDataset(ctx context.Context, id string) (*CatalogDataset, []CatalogColumn, error) {
	query := `
		SELECT id, connector_id, schema_name, table_name, dataset_type,
		       row_estimate, first_seen_at, last_seen_at
		FROM catalog_datasets
		WHERE id = $1`

	dataset, err := scanCatalogDataset(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("%w: load dataset %s: %w", ErrCatalogStoreFailed, id, err)
	}

	columns, err := s.datasetColumns(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return dataset, columns, nil
}

// ListDatasets returns every dataset of a connector, ordered by schema and
// table name.
func (s *CatalogStore) ListDatasets(ctx context.Context, connectorID string) ([]*CatalogDataset, error) {
	query := `
		SELECT id, connector_id, schema_name, table_name, dataset_type,
		       row_estimate, first_seen_at, last_seen_at
		FROM catalog_datasets
		WHERE connector_id = $1
		ORDER BY schema_name, table_name`

	rows, err := s.conn.QueryContext(ctx, query, connectorID)
	if err != nil {
		return nil, fmt.Errorf("%w: list datasets: %w", ErrCatalogStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var datasets []*CatalogDataset

	for rows.Next() {
		dataset, err := scanCatalogDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan dataset: %w", ErrCatalogStoreFailed, err)
		}

		datasets = append(datasets, dataset)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate datasets: %w", ErrCatalogStoreFailed, err)
	}

	return datasets, nil
}

// ProfileColumn computes sampled statistics for one column. The sample is
// the first sampleLimit rows; min and max are cast to text after native
// aggregation so numeric ordering is preserved.
//
// Columns whose type has no btree ordering (json, xml) fail here; the
// profiling handler records the failure for that column and continues.
func (s *CatalogStore) ProfileColumn(ctx context.Context, schemaName, tableName, columnName string, sampleLimit int) (*ColumnStats, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(*) - COUNT(col),
		       COUNT(DISTINCT col),
		       MIN(col)::text,
		       MAX(col)::text
		FROM (SELECT %s AS col FROM %s.%s LIMIT $1) AS sample`,
		pq.QuoteIdentifier(columnName),
		pq.QuoteIdentifier(schemaName),
		pq.QuoteIdentifier(tableName),
	)

	var (
		stats     ColumnStats
		nullCount int64
		minValue  sql.NullString
		maxValue  sql.NullString
	)

	err := s.conn.QueryRowContext(ctx, query, sampleLimit).Scan(
		&stats.SampleSize, &nullCount, &stats.DistinctCount, &minValue, &maxValue,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: profile %s.%s.%s: %w",
			ErrCatalogStoreFailed, schemaName, tableName, columnName, err)
	}

	if stats.SampleSize > 0 {
		stats.NullFraction = float64(nullCount) / float64(stats.SampleSize)
	}

	stats.MinValue = minValue.String
	stats.MaxValue = maxValue.String

	return &stats, nil
}

// UpsertColumnProfile persists one column profile, replacing any previous
// profile for the same column.
func (s *CatalogStore) UpsertColumnProfile(ctx context.Context, profile *ColumnProfile) error {
	query := `
		INSERT INTO catalog_column_profiles (
			dataset_id, column_name, sample_size, null_fraction,
			distinct_estimate, min_value, max_value, pii_flags, profiled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (dataset_id, column_name) DO UPDATE SET
			sample_size = EXCLUDED.sample_size,
			null_fraction = EXCLUDED.null_fraction,
			distinct_estimate = EXCLUDED.distinct_estimate,
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			pii_flags = EXCLUDED.pii_flags,
			profiled_at = NOW()`

	_, err := s.conn.ExecContext(ctx, query,
		profile.DatasetID, profile.ColumnName, profile.SampleSize, profile.NullFraction,
		profile.DistinctCount, nullableString(profile.MinValue), nullableString(profile.MaxValue),
		pq.Array(profile.PIIFlags),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert profile %s.%s: %w",
			ErrCatalogStoreFailed, profile.DatasetID, profile.ColumnName, err)
	}

	return nil
}

// ListColumnProfiles returns the stored profiles of a dataset ordered by
// column name.
func (s *CatalogStore) ListColumnProfiles(ctx context.Context, datasetID string) ([]*ColumnProfile, error) {
	query := `
		SELECT dataset_id, column_name, sample_size, null_fraction,
		       distinct_estimate, min_value, max_value, pii_flags, profiled_at
		FROM catalog_column_profiles
		WHERE dataset_id = $1
		ORDER BY column_name`

	rows, err := s.conn.QueryContext(ctx, query, datasetID)
	if err != nil {
		return nil, fmt.Errorf("%w: list profiles: %w", ErrCatalogStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var profiles []*ColumnProfile

	for rows.Next() {
		var (
			profile  ColumnProfile
			minValue sql.NullString
			maxValue sql.NullString
			flags    pq.StringArray
		)

		err := rows.Scan(
			&profile.DatasetID, &profile.ColumnName, &profile.SampleSize, &profile.NullFraction,
			&profile.DistinctCount, &minValue, &maxValue, &flags, &profile.ProfiledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan profile: %w", ErrCatalogStoreFailed, err)
		}

		profile.MinValue = minValue.String
		profile.MaxValue = maxValue.String
		profile.PIIFlags = flags

		profiles = append(profiles, &profile)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate profiles: %w", ErrCatalogStoreFailed, err)
	}

	return profiles, nil
}

func (s *CatalogStore) datasetColumns(ctx context.Context, datasetID string) ([]CatalogColumn, error) {
	query := `
		SELECT dataset_id, column_name, ordinal, data_type, is_nullable
		FROM catalog_columns
		WHERE dataset_id = $1
		ORDER BY ordinal`

	rows, err := s.conn.QueryContext(ctx, query, datasetID)
	if err != nil {
		return nil, fmt.Errorf("%w: load columns: %w", ErrCatalogStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var columns []CatalogColumn

	for rows.Next() {
		var column CatalogColumn

		err := rows.Scan(&column.DatasetID, &column.Name, &column.Ordinal, &column.DataType, &column.IsNullable)
		if err != nil {
			return nil, fmt.Errorf("%w: scan column: %w", ErrCatalogStoreFailed, err)
		}

		columns = append(columns, column)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate columns: %w", ErrCatalogStoreFailed, err)
	}

	return columns, nil
}

func scanCatalogDataset(row rowScanner) (*CatalogDataset, error) {
	var dataset CatalogDataset

	err := row.Scan(
		&dataset.ID, &dataset.ConnectorID, &dataset.SchemaName, &dataset.TableName,
		&dataset.DatasetType, &dataset.RowEstimate, &dataset.FirstSeenAt, &dataset.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	return &dataset, nil
}
