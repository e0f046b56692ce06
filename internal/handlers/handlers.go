// Package handlers implements the job handlers executed by the queue engine:
// materialized view refreshes, warehouse catalog discovery and column
// profiling, export rendering, alert evaluation, report generation, and
// consumer offset repositioning. Handlers are pure functions of their payload
// and their injected dependencies; the engine owns retries, backoff, and
// dead-lettering. A handler returns a normal error for transient faults so
// the job is retried, and wraps with queue.Permanent when the payload or the
// referenced entity can never succeed.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/cache"
	"github.com/revlens-io/revlens/internal/notify"
	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/storage"
)

// Job kinds understood by the handler set. Payloads are validated against
// these kinds at enqueue time, so an unknown kind never reaches a worker.
const (
	KindRefreshView      = "refresh_view"
	KindCatalogDiscovery = "catalog_discovery"
	KindCatalogProfile   = "catalog_profile"
	KindExportRender     = "export_render"
	KindAlertEvaluate    = "alert_evaluate"
	KindReportGenerate   = "report_generate"
	KindIngestOffset     = "crm_ingest_offset"
)

// Queue names used by the default bindings.
const (
	QueueRefresh  = "refresh"
	QueueCatalog  = "catalog"
	QueueDelivery = "delivery"
	QueueOps      = "ops"
)

var (
	// ErrBadPayload is returned (wrapped as permanent) when a job payload
	// cannot be decoded or fails validation.
	ErrBadPayload = errors.New("malformed job payload")

	// ErrMissingDependency is returned by NewSet when a required dependency
	// is nil.
	ErrMissingDependency = errors.New("missing handler dependency")

	// ErrUnknownBinding is returned by Register when a binding names a job
	// kind the set does not implement.
	ErrUnknownBinding = errors.New("unknown job kind in binding")
)

// ViewRefresher executes registered materialized view refreshes.
type ViewRefresher interface {
	Registered(viewName string) bool
	Refresh(ctx context.Context, viewName string) (*storage.RefreshRecord, error)
}

// ResultCache serves cached query results under fingerprinted keys and
// drops them by prefix when a refresh changes their sources. Satisfied by
// *cache.Cache.
type ResultCache interface {
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer cache.ProducerFunc) ([]byte, error)
	Invalidate(ctx context.Context, keyPrefix string) (int64, error)
}

// Catalog runs schema discovery and column sampling against the warehouse
// and persists the results.
type Catalog interface {
	DiscoverTables(ctx context.Context, schemaFilter, tablePattern string) ([]*storage.DiscoveredTable, error)
	EstimateRows(ctx context.Context, schemaName, tableName string) (int64, error)
	UpsertDataset(ctx context.Context, dataset *storage.CatalogDataset) (*storage.CatalogDataset, error)
	ReplaceColumns(ctx context.Context, datasetID string, columns []storage.CatalogColumn) error
	GetDataset(ctx context.Context, id string) (*storage.CatalogDataset, []storage.CatalogColumn, error)
	ProfileColumn(ctx context.Context, schemaName, tableName, columnName string, sampleLimit int) (*storage.ColumnStats, error)
	UpsertColumnProfile(ctx context.Context, profile *storage.ColumnProfile) error
}

// Deliveries reads and writes export jobs, alert definitions, and report
// definitions, and answers registered metric queries.
type Deliveries interface {
	GetExportJob(ctx context.Context, id string) (*storage.ExportJob, error)
	MarkExportRendering(ctx context.Context, id string) error
	CompleteExportJob(ctx context.Context, id, artifactURL string, expiresAt time.Time, rowCount int64) error
	FailExportJob(ctx context.Context, id, message string) error
	FetchExportRows(ctx context.Context, queryName, tenantID string) ([]string, [][]string, error)
	MetricValue(ctx context.Context, metricName, tenantID string, start, end time.Time) (float64, error)
	MetricRegistered(metricName string) bool
	GetAlert(ctx context.Context, id string) (*storage.Alert, error)
	RecordAlertEvaluation(ctx context.Context, id, state string) error
	InsertAlertNotification(ctx context.Context, notification *storage.AlertNotification) error
	GetReport(ctx context.Context, id string) (*storage.Report, error)
	InsertReportGeneration(ctx context.Context, generation *storage.ReportGeneration) error
}

// ArtifactStore uploads rendered artifacts and signs time-limited download
// URLs for them.
type ArtifactStore interface {
	Upload(ctx context.Context, key, contentType string, body []byte) (string, error)
	SignedURL(ctx context.Context, objectKey string) (string, time.Time, error)
}

// AlertDispatcher fans an alert message out to the named notification
// channels and reports the per-channel outcome.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, msg *notify.Message, channelNames []string) []notify.Delivery
}

// OffsetRepositioner rewrites the consumer group's committed offset for one
// partition.
type OffsetRepositioner interface {
	Reposition(ctx context.Context, topic string, partition int, offset int64) (int64, error)
}

// Deps collects the dependencies shared by the handler set. ViewDependents
// maps a materialized view name to the cache key prefixes whose results read
// from it; those prefixes are invalidated after each successful refresh.
type Deps struct {
	Views          ViewRefresher
	Cache          ResultCache
	Catalog        Catalog
	Deliveries     Deliveries
	Artifacts      ArtifactStore
	Notifier       AlertDispatcher
	Offsets        OffsetRepositioner
	ViewDependents map[string][]string
	Logger         *slog.Logger
}

// Set owns the handler implementations and their shared dependencies.
type Set struct {
	deps   Deps
	logger *slog.Logger
}

// NewSet validates the dependencies and returns the handler set.
func NewSet(deps Deps) (*Set, error) {
	required := []struct {
		name string
		ok   bool
	}{
		{"views", deps.Views != nil},
		{"cache", deps.Cache != nil},
		{"catalog", deps.Catalog != nil},
		{"deliveries", deps.Deliveries != nil},
		{"artifacts", deps.Artifacts != nil},
		{"notifier", deps.Notifier != nil},
		{"offsets", deps.Offsets != nil},
		{"logger", deps.Logger != nil},
	}
	for _, dep := range required {
		if !dep.ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingDependency, dep.name)
		}
	}

	return &Set{
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "handlers")),
	}, nil
}

// Binding assigns a job kind to a queue with a worker concurrency.
type Binding struct {
	Queue       string
	Concurrency int
}

// DefaultBindings returns the canonical queue layout. Catalog discovery runs
// single-file because discovery jobs deduplicate per connector and hammer
// information_schema; delivery work parallelizes.
func DefaultBindings() map[string]Binding {
	return map[string]Binding{
		KindRefreshView:      {Queue: QueueRefresh, Concurrency: 2},
		KindCatalogDiscovery: {Queue: QueueCatalog, Concurrency: 1},
		KindCatalogProfile:   {Queue: QueueCatalog, Concurrency: 2},
		KindExportRender:     {Queue: QueueDelivery, Concurrency: 2},
		KindAlertEvaluate:    {Queue: QueueDelivery, Concurrency: 2},
		KindReportGenerate:   {Queue: QueueDelivery, Concurrency: 1},
		KindIngestOffset:     {Queue: QueueOps, Concurrency: 1},
	}
}

// Registrar registers a handler for a queue and kind. Satisfied by
// queue.Engine.
type Registrar interface {
	RegisterHandler(queue, kind string, handler queue.Handler, concurrency int) error
}

// Register binds every handler in the set onto the engine. A nil bindings map
// uses DefaultBindings; a partial map falls back to the default binding for
// any kind it does not name.
func Register(registrar Registrar, set *Set, bindings map[string]Binding) error {
	if registrar == nil {
		return fmt.Errorf("%w: registrar", ErrMissingDependency)
	}
	if set == nil {
		return fmt.Errorf("%w: handler set", ErrMissingDependency)
	}

	handlers := map[string]queue.Handler{
		KindRefreshView:      set.RefreshView,
		KindCatalogDiscovery: set.CatalogDiscovery,
		KindCatalogProfile:   set.CatalogProfile,
		KindExportRender:     set.ExportRender,
		KindAlertEvaluate:    set.AlertEvaluate,
		KindReportGenerate:   set.ReportGenerate,
		KindIngestOffset:     set.IngestOffset,
	}

	defaults := DefaultBindings()
	for kind := range bindings {
		if _, ok := handlers[kind]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownBinding, kind)
		}
	}

	for kind, handler := range handlers {
		binding, ok := bindings[kind]
		if !ok {
			binding = defaults[kind]
		}
		if err := registrar.RegisterHandler(binding.Queue, kind, handler, binding.Concurrency); err != nil {
			return fmt.Errorf("register %s on %s: %w", kind, binding.Queue, err)
		}
	}

	return nil
}

// decodePayload unmarshals the job payload into v. Decode failures are
// permanent: the payload will not improve on retry.
func decodePayload(job *queue.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return queue.Permanent(fmt.Errorf("%w: decode %s payload: %w", ErrBadPayload, job.Kind, err))
	}
	return nil
}

// cachedMetricValue reads one registered metric over [start, end) through
// the result cache, so alerts and reports sharing a window run one warehouse
// query per deployment instead of one per job. The window endpoints are part
// of the fingerprint, so callers pass bucket-aligned windows that repeat
// across evaluations. A cache outage degrades to a direct read.
func (s *Set) cachedMetricValue(ctx context.Context, metricName, tenantID string, start, end time.Time) (float64, error) {
	key, err := cache.Fingerprint(tenantID, metricName, map[string]interface{}{
		"start": start.UTC().Format(time.RFC3339),
		"end":   end.UTC().Format(time.RFC3339),
	}, "")
	if err != nil {
		return 0, fmt.Errorf("fingerprint metric %s: %w", metricName, err)
	}

	raw, err := s.deps.Cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) ([]byte, error) {
		value, err := s.deps.Deliveries.MetricValue(ctx, metricName, tenantID, start, end)
		if err != nil {
			return nil, err
		}
		return json.Marshal(value)
	})
	if errors.Is(err, cache.ErrCacheUnavailable) || errors.Is(err, cache.ErrFlightContention) {
		s.logger.Warn("metric cache unavailable, reading direct",
			slog.String("metric", metricName),
			slog.String("error", err.Error()))
		return s.deps.Deliveries.MetricValue(ctx, metricName, tenantID, start, end)
	}
	if err != nil {
		return 0, err
	}

	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, fmt.Errorf("decode cached metric %s: %w", metricName, err)
	}
	return value, nil
}
