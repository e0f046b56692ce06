package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revlens-io/revlens/internal/config"
	"github.com/revlens-io/revlens/internal/observability"
	"github.com/revlens-io/revlens/internal/queue"
)

const (
	defaultTickInterval = 2 * time.Second
	defaultBatchSize    = 50
)

// Enqueuer is the slice of the queue engine the scheduler needs. Satisfied
// by *queue.Engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, kind string, payload json.RawMessage, opts queue.Options) (string, error)
}

type (
	// Config holds scheduler settings.
	Config struct {
		// TickInterval is how often due schedules are claimed.
		TickInterval time.Duration

		// BatchSize bounds one claim round.
		BatchSize int
	}

	// Scheduler claims due schedules and enqueues their jobs. Multiple
	// replicas may run concurrently; SKIP LOCKED claims and per-bucket
	// deduplication keys keep fires exactly-once per bucket.
	Scheduler struct {
		config   *Config
		store    Store
		enqueuer Enqueuer
		logger   *slog.Logger
		metrics  *observability.Metrics

		startMu  sync.Mutex
		started  bool
		cancel   context.CancelFunc
		done     chan struct{}
		stopOnce sync.Once
	}
)

// LoadConfig loads scheduler configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		TickInterval: config.GetEnvDuration("SCHEDULER_TICK_INTERVAL", defaultTickInterval),
		BatchSize:    config.GetEnvInt("SCHEDULER_BATCH_SIZE", defaultBatchSize),
	}
}

// New creates a scheduler bound to the given store and queue engine.
func New(config *Config, store Store, enqueuer Enqueuer, logger *slog.Logger, metrics *observability.Metrics) (*Scheduler, error) {
	if config == nil {
		return nil, errors.New("scheduler config cannot be nil")
	}

	if config.TickInterval <= 0 {
		return nil, errors.New("scheduler tick interval must be positive")
	}

	if config.BatchSize < 1 {
		return nil, errors.New("scheduler batch size must be at least 1")
	}

	if store == nil {
		return nil, errors.New("scheduler store cannot be nil")
	}

	if enqueuer == nil {
		return nil, errors.New("scheduler enqueuer cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("scheduler logger cannot be nil")
	}

	if metrics == nil {
		return nil, errors.New("scheduler metrics cannot be nil")
	}

	return &Scheduler{
		config:   config,
		store:    store,
		enqueuer: enqueuer,
		logger:   logger.With(slog.String("component", "scheduler")),
		metrics:  metrics,
	}, nil
}

// Start launches the tick loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.run(runCtx)

	s.logger.Info("Scheduler started",
		slog.Duration("tick_interval", s.config.TickInterval),
		slog.Int("batch_size", s.config.BatchSize),
	)

	return nil
}

// Stop halts the tick loop and waits for an in-flight round to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error

	s.stopOnce.Do(func() {
		s.startMu.Lock()
		started := s.started
		s.startMu.Unlock()

		if !started {
			return
		}

		s.cancel()

		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})

	return err
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FireDue(ctx, time.Now().UTC()); err != nil {
				if ctx.Err() != nil {
					return
				}

				s.logger.Error("Schedule fire round failed", slog.String("error", err.Error()))
			}
		}
	}
}

// FireDue claims and fires every schedule due at now, up to the batch size.
// Returns the number of schedules fired.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) (int, error) {
	return s.store.ClaimDue(ctx, now, s.config.BatchSize, s.fire)
}

// fire enqueues one schedule's job for the due bucket and computes the next
// fire time.
//
// Catch-up collapse: when the schedule was down for several buckets, only
// the earliest missed bucket fires; the next fire time is computed from now,
// which skips the remaining missed buckets instead of replaying them.
func (s *Scheduler) fire(ctx context.Context, schedule *Schedule, bucket time.Time) (time.Time, error) {
	cronSchedule, err := ParseSpec(schedule.Spec)
	if err != nil {
		// A stored schedule with an unparseable spec cannot make progress;
		// surface loudly but leave the row for the operator.
		s.metrics.ScheduleFire("error")

		return time.Time{}, fmt.Errorf("schedule %s: %w", schedule.ID, err)
	}

	now := time.Now().UTC()

	opts := queue.Options{
		Priority:         schedule.Priority,
		TenantID:         schedule.TenantID,
		CorrelationID:    "sched-" + uuid.NewString(),
		DeduplicationKey: FireKey(schedule.ID, bucket),
	}

	jobID, err := s.enqueuer.Enqueue(ctx, schedule.Queue, schedule.Kind, schedule.Payload, opts)
	if err != nil {
		s.metrics.ScheduleFire("error")

		return time.Time{}, fmt.Errorf("fire schedule %s: %w", schedule.ID, err)
	}

	next := cronSchedule.Next(now)

	collapsed := cronSchedule.Next(bucket).Before(now)
	if collapsed {
		s.metrics.ScheduleFire("collapsed")
		s.logger.Warn("Collapsed missed schedule buckets",
			slog.String("schedule_id", schedule.ID),
			slog.String("name", schedule.Name),
			slog.Time("missed_bucket", bucket),
			slog.Time("next_fire_at", next),
		)
	} else {
		s.metrics.ScheduleFire("fired")
	}

	s.logger.Info("Schedule fired",
		slog.String("schedule_id", schedule.ID),
		slog.String("name", schedule.Name),
		slog.String("job_id", jobID),
		slog.Time("bucket", bucket),
		slog.Time("next_fire_at", next),
	)

	return next, nil
}

// Upsert validates and persists a schedule, computing its next fire time.
// A blank ID is assigned; payload defaults to an empty object.
func (s *Scheduler) Upsert(ctx context.Context, schedule *Schedule) (*Schedule, error) {
	if schedule == nil {
		return nil, fmt.Errorf("%w: schedule cannot be nil", ErrScheduleInvalid)
	}

	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}

	if len(schedule.Payload) == 0 {
		schedule.Payload = json.RawMessage(`{}`)
	}

	cronSchedule, err := ParseSpec(schedule.Spec)
	if err != nil {
		return nil, err
	}

	schedule.NextFireAt = cronSchedule.Next(time.Now().UTC())

	stored, err := s.store.Upsert(ctx, schedule)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Schedule upserted",
		slog.String("schedule_id", stored.ID),
		slog.String("name", stored.Name),
		slog.String("spec", stored.Spec),
		slog.Bool("enabled", stored.Enabled),
		slog.Time("next_fire_at", stored.NextFireAt),
	)

	return stored, nil
}

// Get fetches a schedule by ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.store.Get(ctx, id)
}

// List returns all schedules.
func (s *Scheduler) List(ctx context.Context) ([]*Schedule, error) {
	return s.store.List(ctx)
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("Schedule deleted", slog.String("schedule_id", id))

	return nil
}

// SetEnabled flips a schedule's firing gate. Re-enabling schedules fire from
// the next bucket after now; the downtime window is never replayed.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	schedule, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	next := schedule.NextFireAt

	if enabled {
		cronSchedule, err := ParseSpec(schedule.Spec)
		if err != nil {
			return err
		}

		next = cronSchedule.Next(time.Now().UTC())
	}

	if err := s.store.SetEnabled(ctx, id, enabled, next); err != nil {
		return err
	}

	s.logger.Info("Schedule enabled state changed",
		slog.String("schedule_id", id),
		slog.Bool("enabled", enabled),
	)

	return nil
}
