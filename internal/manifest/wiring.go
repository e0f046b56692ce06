package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/revlens-io/revlens/internal/handlers"
	"github.com/revlens-io/revlens/internal/queue"
	"github.com/revlens-io/revlens/internal/scheduler"
)

// QueueSettings converts queue tuning into engine per-queue overrides for
// Config.Queues. Zero-valued fields stay zero; the engine resolves them
// against its own defaults.
func (m *Manifest) QueueSettings() map[string]queue.Settings {
	settings := make(map[string]queue.Settings, len(m.Queues))

	for name, spec := range m.Queues {
		converted := queue.Settings{
			Concurrency:       spec.Concurrency,
			VisibilityTimeout: time.Duration(spec.VisibilityTimeout),
			MaxAttempts:       spec.MaxAttempts,
		}

		if spec.Backoff != nil {
			converted.Backoff = queue.BackoffPolicy{
				Base:   time.Duration(spec.Backoff.Base),
				Max:    time.Duration(spec.Backoff.Max),
				Jitter: spec.Backoff.Jitter,
			}
		}

		settings[name] = converted
	}

	return settings
}

// HandlerBindings converts routing overrides for handler registration.
// Kinds the manifest never names fall back to the built-in routing inside
// handlers.Register.
func (m *Manifest) HandlerBindings() map[string]handlers.Binding {
	bindings := make(map[string]handlers.Binding, len(m.Bindings))

	for kind, spec := range m.Bindings {
		bindings[kind] = handlers.Binding{
			Queue:       spec.Queue,
			Concurrency: spec.Concurrency,
		}
	}

	return bindings
}

// ViewStatements returns the refresh statement registry for the refresh
// store, keyed by view name. Empty statements select the store's standard
// concurrent refresh.
func (m *Manifest) ViewStatements() map[string]string {
	statements := make(map[string]string, len(m.Views))

	for name, view := range m.Views {
		statements[name] = view.Statement
	}

	return statements
}

// ViewDependents returns the cache prefixes refresh jobs invalidate after
// each view refresh. Views without prefixes are omitted.
func (m *Manifest) ViewDependents() map[string][]string {
	dependents := make(map[string][]string, len(m.Views))

	for name, view := range m.Views {
		if len(view.CachePrefixes) == 0 {
			continue
		}

		prefixes := make([]string, len(view.CachePrefixes))
		copy(prefixes, view.CachePrefixes)
		dependents[name] = prefixes
	}

	return dependents
}

// ScheduleSeeds converts schedule declarations into scheduler records with
// payloads re-encoded as JSON. IDs are left empty; SeedSchedules resolves
// them against the live schedule set.
func (m *Manifest) ScheduleSeeds() ([]*scheduler.Schedule, error) {
	seeds := make([]*scheduler.Schedule, 0, len(m.Schedules))

	for _, spec := range m.Schedules {
		payload := json.RawMessage(`{}`)

		if len(spec.Payload) > 0 {
			encoded, err := json.Marshal(spec.Payload)
			if err != nil {
				return nil, fmt.Errorf("%w: schedule %s: encode payload: %w", ErrManifestInvalid, spec.Name, err)
			}

			payload = encoded
		}

		seeds = append(seeds, &scheduler.Schedule{
			Name:     spec.Name,
			Spec:     spec.Spec,
			Queue:    spec.Queue,
			Kind:     spec.Kind,
			Payload:  payload,
			Priority: spec.Priority,
			TenantID: spec.TenantID,
			Enabled:  !spec.Disabled,
		})
	}

	return seeds, nil
}

// Seeder is the scheduler surface seeding needs. Satisfied by
// scheduler.Scheduler.
type Seeder interface {
	List(ctx context.Context) ([]*scheduler.Schedule, error)
	Upsert(ctx context.Context, schedule *scheduler.Schedule) (*scheduler.Schedule, error)
}

// SeedSchedules upserts the manifest's schedules, adopting the ID of any
// existing schedule with the same name so redeploys update definitions
// instead of colliding on the unique name. Schedules created outside the
// manifest are left alone; seeding never deletes.
//
// Returns the number of schedules upserted before any failure.
func SeedSchedules(ctx context.Context, seeder Seeder, m *Manifest, logger *slog.Logger) (int, error) {
	if seeder == nil || m == nil || logger == nil {
		return 0, fmt.Errorf("%w: seeding requires a seeder, manifest, and logger", ErrManifestInvalid)
	}

	seeds, err := m.ScheduleSeeds()
	if err != nil {
		return 0, err
	}

	if len(seeds) == 0 {
		return 0, nil
	}

	existing, err := seeder.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}

	byName := make(map[string]string, len(existing))
	for _, schedule := range existing {
		byName[schedule.Name] = schedule.ID
	}

	seeded := 0

	for _, seed := range seeds {
		seed.ID = byName[seed.Name]

		updated, err := seeder.Upsert(ctx, seed)
		if err != nil {
			return seeded, fmt.Errorf("seed schedule %s: %w", seed.Name, err)
		}

		seeded++

		logger.Debug("Seeded schedule",
			slog.String("schedule_id", updated.ID),
			slog.String("schedule_name", updated.Name),
			slog.String("spec", updated.Spec))
	}

	return seeded, nil
}
