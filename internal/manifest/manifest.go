// Package manifest loads the optional deployment manifest: the static
// registries that are data rather than code. Queue tuning, job routing,
// refreshable views with their cache dependencies, export and metric query
// statements, and schedule seeds all live here so a deployment can change
// them without a rebuild.
//
// The manifest is a hidden YAML file resolved from the working directory or
// REVLENS_MANIFEST_PATH. A missing file runs the deployment on the built-in
// registries. A file that exists but fails to read or parse is a startup
// error: the registries it declares are load-bearing for refresh, export,
// alert, and report jobs, and starting with half a manifest silently drops
// queues, views, and schedules.
package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/revlens-io/revlens/internal/config"
	"github.com/revlens-io/revlens/internal/handlers"
	"github.com/revlens-io/revlens/internal/scheduler"
)

// DefaultManifestPath is the default location for the deployment manifest.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultManifestPath = ".revlens.yaml"

// ManifestPathEnvVar is the environment variable name for a custom manifest path.
const ManifestPathEnvVar = "REVLENS_MANIFEST_PATH"

var (
	// ErrManifestRead indicates a manifest file that exists but cannot be read.
	ErrManifestRead = errors.New("failed to read manifest")

	// ErrManifestParse indicates a manifest file that is not valid YAML.
	ErrManifestParse = errors.New("failed to parse manifest")

	// ErrManifestInvalid indicates a manifest that parsed but fails validation.
	ErrManifestInvalid = errors.New("invalid manifest")
)

// Duration wraps time.Duration for YAML fields. yaml.v3 has no native
// duration support, so values are written in Go syntax: "90s", "10m", "1h30m".
// Bare numbers are rejected; every duration carries a unit.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("%w: duration %q: %w", ErrManifestParse, value.Value, err)
	}

	*d = Duration(parsed)

	return nil
}

type (
	// Manifest declares a deployment's static registries.
	Manifest struct {
		// Queues tunes named queues beyond the engine-wide defaults.
		Queues map[string]QueueSpec `yaml:"queues"`

		// Bindings reroutes job kinds onto queues. Kinds not named here run
		// on the built-in routing.
		Bindings map[string]BindingSpec `yaml:"bindings"`

		// Views registers the refreshable materialized views, keyed by the
		// view name refresh jobs carry.
		Views map[string]ViewSpec `yaml:"views"`

		// ExportQueries registers named export row sources. Statements take
		// the tenant ID as $1.
		ExportQueries map[string]string `yaml:"export_queries"`

		// MetricQueries registers named scalar metrics. Statements take the
		// tenant ID as $1 and the window bounds as $2/$3 and return a single
		// float8.
		MetricQueries map[string]string `yaml:"metric_queries"`

		// Schedules seeds recurring jobs at startup.
		Schedules []ScheduleSpec `yaml:"schedules"`
	}

	// QueueSpec tunes one queue. Zero values fall back to the engine-wide
	// defaults at resolution time.
	QueueSpec struct {
		Concurrency       int          `yaml:"concurrency"`
		VisibilityTimeout Duration     `yaml:"visibility_timeout"`
		MaxAttempts       int          `yaml:"max_attempts"`
		Backoff           *BackoffSpec `yaml:"backoff"`
	}

	// BackoffSpec replaces the retry policy whole: a queue that declares one
	// owns base, max, and jitter together.
	BackoffSpec struct {
		Base   Duration `yaml:"base"`
		Max    Duration `yaml:"max"`
		Jitter bool     `yaml:"jitter"`
	}

	// BindingSpec routes one job kind.
	BindingSpec struct {
		Queue       string `yaml:"queue"`
		Concurrency int    `yaml:"concurrency"`
	}

	// ViewSpec registers one refreshable view.
	ViewSpec struct {
		// Statement overrides the refresh statement. Empty selects the
		// standard concurrent refresh of the view's own name.
		Statement string `yaml:"statement"`

		// CachePrefixes lists the cache key prefixes a successful refresh
		// invalidates.
		CachePrefixes []string `yaml:"cache_prefixes"`
	}

	// ScheduleSpec seeds one recurring job.
	ScheduleSpec struct {
		Name     string                 `yaml:"name"`
		Spec     string                 `yaml:"spec"`
		Queue    string                 `yaml:"queue"`
		Kind     string                 `yaml:"kind"`
		Payload  map[string]interface{} `yaml:"payload"`
		Priority int                    `yaml:"priority"`
		TenantID string                 `yaml:"tenant_id"`
		Disabled bool                   `yaml:"disabled"`
	}
)

// Default returns the registries a deployment runs with no manifest file:
// the two shipped analytics views with exports and metrics over the staging
// tables, plus schedules that keep the views fresh.
func Default() *Manifest {
	return &Manifest{
		Queues:   map[string]QueueSpec{},
		Bindings: map[string]BindingSpec{},
		Views: map[string]ViewSpec{
			"pipeline_by_stage": {
				CachePrefixes: []string{"pipeline_by_stage:"},
			},
			"activity_daily_rollup": {
				CachePrefixes: []string{"activity_daily_rollup:"},
			},
		},
		ExportQueries: map[string]string{
			"pipeline_by_stage": `
				SELECT stage, opportunity_count, total_amount_cents
				FROM pipeline_by_stage
				WHERE tenant_id = $1
				ORDER BY stage`,
			"activity_daily_rollup": `
				SELECT activity_day, event_type, event_count
				FROM activity_daily_rollup
				WHERE tenant_id = $1
				ORDER BY activity_day, event_type`,
		},
		MetricQueries: map[string]string{
			"opportunities_ingested": `
				SELECT COUNT(*)::float8
				FROM staging_opportunities
				WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3`,
			"activities_recorded": `
				SELECT COUNT(*)::float8
				FROM staging_activities
				WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3`,
			"pipeline_amount_cents": `
				SELECT COALESCE(SUM((payload->>'amount_cents')::bigint), 0)::float8
				FROM staging_opportunities
				WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3`,
		},
		Schedules: []ScheduleSpec{
			{
				Name:    "refresh-pipeline-by-stage",
				Spec:    "*/15 * * * *",
				Queue:   handlers.QueueRefresh,
				Kind:    handlers.KindRefreshView,
				Payload: map[string]interface{}{"view_name": "pipeline_by_stage"},
			},
			{
				Name:    "refresh-activity-daily-rollup",
				Spec:    "@hourly",
				Queue:   handlers.QueueRefresh,
				Kind:    handlers.KindRefreshView,
				Payload: map[string]interface{}{"view_name": "activity_daily_rollup"},
			},
		},
	}
}

// Load reads the manifest at path.
//
// A missing file is not an error; the deployment runs on Default. Read and
// parse failures are hard errors rather than degradation because every
// downstream registry trusts what loaded here.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Manifest not found, running on built-in registries",
				slog.String("path", path))

			return Default(), nil
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrManifestRead, path, err)
	}

	manifest := &Manifest{}
	if err := yaml.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrManifestParse, path, err)
	}

	manifest.applyDefaults()

	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return manifest, nil
}

// LoadFromEnv loads the manifest from the path named in REVLENS_MANIFEST_PATH.
// Falls back to ".revlens.yaml" in the current directory if not set.
func LoadFromEnv() (*Manifest, error) {
	return Load(config.GetEnvStr(ManifestPathEnvVar, DefaultManifestPath))
}

// applyDefaults fills sections the manifest never mentions. Sections are
// owned whole: declaring any view replaces the default view registry rather
// than extending it, and an explicitly empty section ("schedules: []") stays
// empty.
func (m *Manifest) applyDefaults() {
	defaults := Default()

	if m.Queues == nil {
		m.Queues = defaults.Queues
	}

	if m.Bindings == nil {
		m.Bindings = defaults.Bindings
	}

	if m.Views == nil {
		m.Views = defaults.Views
	}

	if m.ExportQueries == nil {
		m.ExportQueries = defaults.ExportQueries
	}

	if m.MetricQueries == nil {
		m.MetricQueries = defaults.MetricQueries
	}

	if m.Schedules == nil {
		m.Schedules = defaults.Schedules
	}
}

// Validate checks the declared registries for structural problems. Routing
// against the registered handler set is checked at registration time, not
// here.
func (m *Manifest) Validate() error {
	for name, spec := range m.Queues {
		if name == "" {
			return fmt.Errorf("%w: queue with empty name", ErrManifestInvalid)
		}

		if spec.Concurrency < 0 {
			return fmt.Errorf("%w: queue %s: concurrency cannot be negative", ErrManifestInvalid, name)
		}

		if spec.VisibilityTimeout < 0 {
			return fmt.Errorf("%w: queue %s: visibility timeout cannot be negative", ErrManifestInvalid, name)
		}

		if spec.MaxAttempts < 0 {
			return fmt.Errorf("%w: queue %s: max attempts cannot be negative", ErrManifestInvalid, name)
		}

		if spec.Backoff != nil {
			if spec.Backoff.Base <= 0 {
				return fmt.Errorf("%w: queue %s: backoff base must be positive", ErrManifestInvalid, name)
			}

			if spec.Backoff.Max < spec.Backoff.Base {
				return fmt.Errorf("%w: queue %s: backoff max cannot be below base", ErrManifestInvalid, name)
			}
		}
	}

	for kind, binding := range m.Bindings {
		if kind == "" {
			return fmt.Errorf("%w: binding with empty kind", ErrManifestInvalid)
		}

		if binding.Queue == "" {
			return fmt.Errorf("%w: binding %s: queue is required", ErrManifestInvalid, kind)
		}

		if binding.Concurrency < 0 {
			return fmt.Errorf("%w: binding %s: concurrency cannot be negative", ErrManifestInvalid, kind)
		}
	}

	for name, view := range m.Views {
		if name == "" {
			return fmt.Errorf("%w: view with empty name", ErrManifestInvalid)
		}

		for _, prefix := range view.CachePrefixes {
			// An empty prefix matches every key in the namespace, turning one
			// view refresh into a full cache flush.
			if prefix == "" {
				return fmt.Errorf("%w: view %s: empty cache prefix", ErrManifestInvalid, name)
			}
		}
	}

	for name, query := range m.ExportQueries {
		if name == "" {
			return fmt.Errorf("%w: export query with empty name", ErrManifestInvalid)
		}

		if strings.TrimSpace(query) == "" {
			return fmt.Errorf("%w: export query %s: empty statement", ErrManifestInvalid, name)
		}
	}

	for name, query := range m.MetricQueries {
		if name == "" {
			return fmt.Errorf("%w: metric query with empty name", ErrManifestInvalid)
		}

		if strings.TrimSpace(query) == "" {
			return fmt.Errorf("%w: metric query %s: empty statement", ErrManifestInvalid, name)
		}
	}

	seen := make(map[string]struct{}, len(m.Schedules))

	for _, schedule := range m.Schedules {
		if schedule.Name == "" {
			return fmt.Errorf("%w: schedule with empty name", ErrManifestInvalid)
		}

		if _, dup := seen[schedule.Name]; dup {
			return fmt.Errorf("%w: duplicate schedule name %q", ErrManifestInvalid, schedule.Name)
		}

		seen[schedule.Name] = struct{}{}

		if schedule.Queue == "" || schedule.Kind == "" {
			return fmt.Errorf("%w: schedule %s: queue and kind are required", ErrManifestInvalid, schedule.Name)
		}

		if _, err := scheduler.ParseSpec(schedule.Spec); err != nil {
			return fmt.Errorf("%w: schedule %s: %w", ErrManifestInvalid, schedule.Name, err)
		}
	}

	return nil
}
