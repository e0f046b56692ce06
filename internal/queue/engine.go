package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/revlens-io/revlens/internal/observability"
)

// maxPayloadBytes bounds enqueue payloads. Large inputs belong in blob
// storage with a reference on the job.
const maxPayloadBytes = 512 * 1024

// Engine coordinates the worker pools, lease janitor, and queue
// administration for all named queues in the process.
//
// Lifecycle: construct, register handlers, Start, Stop. Registration is
// sealed at Start; enqueueing is allowed at any point after construction.
type Engine struct {
	config   *Config
	store    Store
	registry *registry
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	pauseMu sync.RWMutex
	paused  map[string]bool

	startMu  sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEngine creates an engine bound to the given store.
//
// Parameters:
//   - config: engine-wide and per-queue settings (validated)
//   - store: durable job state
//   - logger: structured logger; the engine derives a component logger
//   - metrics: process metric surface
//
// Returns error if config is invalid or a dependency is nil.
func NewEngine(config *Config, store Store, logger *slog.Logger, metrics *observability.Metrics) (*Engine, error) {
	if config == nil {
		return nil, errors.New("queue engine config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue engine config: %w", err)
	}

	if store == nil {
		return nil, errors.New("queue engine store cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("queue engine logger cannot be nil")
	}

	if metrics == nil {
		return nil, errors.New("queue engine metrics cannot be nil")
	}

	return &Engine{
		config:   config,
		store:    store,
		registry: newRegistry(),
		logger:   logger.With(slog.String("component", "queue")),
		metrics:  metrics,
		tracer:   otel.Tracer("revlens/queue"),
		paused:   make(map[string]bool),
	}, nil
}

// RegisterHandler binds a handler to (queue, kind) and sizes the queue's
// worker pool to at least concurrency. Must be called before Start.
func (e *Engine) RegisterHandler(queue, kind string, handler Handler, concurrency int) error {
	return e.registry.register(queue, kind, handler, concurrency)
}

// Enqueue submits a job and returns its ID.
//
// The queue and kind must have a registered handler: unknown work is a
// caller error, not something to discover at claim time. When the options
// carry a DeduplicationKey that matches a non-terminal job on the queue,
// the existing job's ID is returned and nothing is inserted.
func (e *Engine) Enqueue(ctx context.Context, queue, kind string, payload json.RawMessage, opts Options) (string, error) {
	if !e.registry.knownQueue(queue) {
		return "", fmt.Errorf("%w: %s", ErrQueueUnknown, queue)
	}

	if _, ok := e.registry.lookup(queue, kind); !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrKindUnknown, queue, kind)
	}

	if len(payload) > maxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	settings := e.config.SettingsFor(queue)

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = settings.MaxAttempts
	}

	policy := opts.Backoff
	if policy.Base <= 0 {
		policy = settings.Backoff
	}

	now := time.Now().UTC()

	job := &Job{
		ID:               uuid.NewString(),
		Queue:            queue,
		Kind:             kind,
		Payload:          payload,
		Priority:         opts.Priority,
		AvailableAt:      now,
		MaxAttempts:      maxAttempts,
		Backoff:          policy,
		State:            StateWaiting,
		DeduplicationKey: opts.DeduplicationKey,
		TenantID:         opts.TenantID,
		CorrelationID:    opts.CorrelationID,
	}

	if opts.Delay > 0 {
		job.AvailableAt = now.Add(opts.Delay)
		job.State = StateDelayed
	}

	stored, deduplicated, err := e.store.Enqueue(ctx, job)
	if err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", queue, kind, err)
	}

	if deduplicated {
		e.logger.Debug("Enqueue suppressed by deduplication key",
			slog.String("queue", queue),
			slog.String("kind", kind),
			slog.String("deduplication_key", opts.DeduplicationKey),
			slog.String("existing_job_id", stored.ID),
		)
	}

	return stored.ID, nil
}

// Cancel transitions a waiting or delayed job to cancelled. Active jobs are
// not interrupted; their eventual result is discarded at settle time because
// the settle only applies to jobs still in the active state.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	return e.store.Cancel(ctx, jobID)
}

// Stats returns the queue's job census. Paused reflects jobs held back by an
// administrative pause of the queue.
func (e *Engine) Stats(ctx context.Context, queue string) (*Stats, error) {
	if !e.registry.knownQueue(queue) {
		return nil, fmt.Errorf("%w: %s", ErrQueueUnknown, queue)
	}

	stats, err := e.store.Stats(ctx, queue)
	if err != nil {
		return nil, err
	}

	if e.isPaused(queue) {
		stats.Paused = stats.Waiting + stats.Delayed
	}

	return stats, nil
}

// PauseQueue stops workers from claiming on the queue. Active jobs finish
// normally. Returns false when the queue is unknown.
func (e *Engine) PauseQueue(queue string) bool {
	if !e.registry.knownQueue(queue) {
		return false
	}

	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()

	e.paused[queue] = true

	return true
}

// ResumeQueue re-enables claiming on a paused queue.
func (e *Engine) ResumeQueue(queue string) bool {
	if !e.registry.knownQueue(queue) {
		return false
	}

	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()

	delete(e.paused, queue)

	return true
}

func (e *Engine) isPaused(queue string) bool {
	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()

	return e.paused[queue]
}

// Start seals the handler registry and launches the worker pools, the lease
// janitor, and the depth sampler. The provided context is the parent for all
// claim loops: cancelling it stops new claims, after which Stop drains
// in-flight work.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.started {
		return ErrEngineStarted
	}

	pools := e.registry.queues()
	if len(pools) == 0 {
		return errors.New("no handlers registered")
	}

	e.registry.seal()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	for _, pool := range pools {
		settings := e.config.SettingsFor(pool.queue)

		workers := settings.Concurrency
		if workers < 1 {
			workers = pool.workers
		}

		for i := 1; i <= workers; i++ {
			e.wg.Add(1)

			go func(queue string, workerNum int, settings Settings) {
				defer e.wg.Done()
				e.workerLoop(runCtx, queue, workerNum, settings)
			}(pool.queue, i, settings)
		}

		e.logger.Info("Worker pool started",
			slog.String("queue", pool.queue),
			slog.Int("workers", workers),
			slog.Duration("visibility_timeout", settings.VisibilityTimeout),
			slog.Int("max_attempts", settings.MaxAttempts),
		)
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.janitorLoop(runCtx)
	}()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.depthSampleLoop(runCtx)
	}()

	return nil
}

// Stop drains the engine: claim loops exit, active jobs get the configured
// grace period to settle, and any leases still held afterwards are left to
// expire naturally so another worker re-attempts. Safe to call once.
func (e *Engine) Stop(ctx context.Context) error {
	var err error

	e.stopOnce.Do(func() {
		e.startMu.Lock()
		started := e.started
		e.startMu.Unlock()

		if !started {
			return
		}

		e.cancel()

		done := make(chan struct{})

		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			e.logger.Info("Queue engine drained")
		case <-time.After(e.config.ShutdownGrace):
			e.logger.Warn("Queue engine drain exceeded grace period; remaining leases will expire naturally",
				slog.Duration("grace", e.config.ShutdownGrace),
			)
		case <-ctx.Done():
			err = ctx.Err()
		}
	})

	return err
}
