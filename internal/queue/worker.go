package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// claimTimeout bounds a single claim round-trip so a stalled database
// connection does not wedge the worker loop.
const claimTimeout = 10 * time.Second

type handlerResult struct {
	result json.RawMessage
	err    error
}

// workerLoop claims and executes jobs for one queue until ctx is cancelled.
// An empty claim backs off by the poll interval with a little jitter so a
// pool of workers does not thunder against the store in lockstep.
func (e *Engine) workerLoop(ctx context.Context, queue string, workerNum int, settings Settings) {
	logger := e.logger.With(
		slog.String("queue", queue),
		slog.Int("worker", workerNum),
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if e.isPaused(queue) {
			if !sleepFor(ctx, e.config.PollInterval) {
				return
			}

			continue
		}

		claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
		job, err := e.store.Claim(claimCtx, queue, settings.VisibilityTimeout)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Error("Claim failed", slog.String("error", err.Error()))

			if !sleepFor(ctx, e.config.PollInterval) {
				return
			}

			continue
		}

		if job == nil {
			if !sleepFor(ctx, pollJitter(e.config.PollInterval)) {
				return
			}

			continue
		}

		e.executeJob(ctx, logger, settings, job)
	}
}

// executeJob runs one claimed job through its handler and settles the
// outcome. The handler context is detached from the engine context so a
// shutdown drains in-flight work instead of cancelling it; the visibility
// timeout is the handler's deadline.
func (e *Engine) executeJob(ctx context.Context, logger *slog.Logger, settings Settings, job *Job) {
	e.metrics.WorkerActive(job.Queue, 1)
	defer e.metrics.WorkerActive(job.Queue, -1)

	claimLatency := time.Since(job.AvailableAt)
	if claimLatency < 0 {
		claimLatency = 0
	}

	e.metrics.JobStarted(job.Queue, job.Kind, claimLatency)

	spanCtx, span := e.tracer.Start(ctx, "queue.execute")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.queue", job.Queue),
		attribute.String("job.kind", job.Kind),
		attribute.Int("job.attempt", job.Attempts),
		attribute.String("tenant.id", job.TenantID),
	)
	defer span.End()

	jobLogger := logger.With(
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	if job.CorrelationID != "" {
		jobLogger = jobLogger.With(slog.String("correlation_id", job.CorrelationID))
	}

	handler, ok := e.registry.lookup(job.Queue, job.Kind)
	if !ok {
		// A kind with no handler can only come from config drift between
		// the producer and this process. Retrying cannot fix it.
		jobLogger.Error("No handler registered for job kind; dead-lettering")
		span.SetStatus(codes.Error, "unknown kind")
		e.settle(ctx, jobLogger, func(settleCtx context.Context) error {
			return e.store.DeadLetter(settleCtx, job.ID, fmt.Sprintf("no handler registered for kind %q", job.Kind))
		})
		e.metrics.DeadLetter(job.Queue, job.Kind)
		e.metrics.JobSettled(job.Queue, job.Kind, "dead", 0)

		return
	}

	// Detached so Stop() drains rather than kills; bounded by the lease so
	// the handler cannot outlive its claim.
	execCtx, cancelExec := context.WithTimeout(context.WithoutCancel(spanCtx), settings.VisibilityTimeout)
	defer cancelExec()

	heartbeatStop := make(chan struct{})
	go e.heartbeat(execCtx, jobLogger, job, settings, cancelExec, heartbeatStop)

	started := time.Now()
	done := make(chan handlerResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: Permanent(fmt.Errorf("handler panicked: %v", r))}
			}
		}()

		result, err := handler(execCtx, job)
		done <- handlerResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		close(heartbeatStop)
		e.settleResult(ctx, jobLogger, span, job, res, time.Since(started))

	case <-execCtx.Done():
		close(heartbeatStop)

		// The handler did not come back before its deadline. Its goroutine
		// may still be running, so settling here could race a late write.
		// Abandon the attempt: the lease expires and the janitor requeues.
		jobLogger.Warn("Handler exceeded deadline; abandoning attempt",
			slog.Duration("deadline", settings.VisibilityTimeout),
		)
		span.SetStatus(codes.Error, "deadline exceeded")
		e.metrics.JobSettled(job.Queue, job.Kind, "abandoned", time.Since(started))
	}
}

// settleResult records the handler outcome in the store.
func (e *Engine) settleResult(ctx context.Context, logger *slog.Logger, span trace.Span, job *Job, res handlerResult, elapsed time.Duration) {
	switch {
	case res.err == nil:
		err := e.settle(ctx, logger, func(settleCtx context.Context) error {
			return e.store.Complete(settleCtx, job.ID, res.result)
		})

		if errors.Is(err, ErrLeaseLost) {
			// Another worker owns a newer attempt. This result is stale
			// and must not overwrite whatever that attempt produces.
			logger.Warn("Lease lost before completion; discarding result")
			e.metrics.JobSettled(job.Queue, job.Kind, "discarded", elapsed)

			return
		}

		logger.Info("Job completed", slog.Duration("elapsed", elapsed))
		e.metrics.JobSettled(job.Queue, job.Kind, "completed", elapsed)

	case IsPermanent(res.err):
		logger.Error("Job failed permanently; dead-lettering",
			slog.String("error", res.err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		span.SetStatus(codes.Error, "permanent failure")
		e.settle(ctx, logger, func(settleCtx context.Context) error {
			return e.store.DeadLetter(settleCtx, job.ID, res.err.Error())
		})
		e.metrics.DeadLetter(job.Queue, job.Kind)
		e.metrics.JobSettled(job.Queue, job.Kind, "dead", elapsed)

	case job.Exhausted():
		logger.Error("Job exhausted retry budget; dead-lettering",
			slog.String("error", res.err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		span.SetStatus(codes.Error, "retries exhausted")
		e.settle(ctx, logger, func(settleCtx context.Context) error {
			return e.store.DeadLetter(settleCtx, job.ID, res.err.Error())
		})
		e.metrics.DeadLetter(job.Queue, job.Kind)
		e.metrics.JobSettled(job.Queue, job.Kind, "dead", elapsed)

	default:
		delay := job.Backoff.Delay(job.Attempts)
		availableAt := time.Now().UTC().Add(delay)

		logger.Warn("Job failed; scheduling retry",
			slog.String("error", res.err.Error()),
			slog.Duration("retry_in", delay),
			slog.Duration("elapsed", elapsed),
		)
		span.SetStatus(codes.Error, "transient failure")
		e.settle(ctx, logger, func(settleCtx context.Context) error {
			return e.store.Retry(settleCtx, job.ID, res.err.Error(), availableAt)
		})
		e.metrics.JobSettled(job.Queue, job.Kind, "retried", elapsed)
	}
}

// settle applies a state transition with a short retry envelope. A settle
// that still fails is logged and dropped; the lease expires and the janitor
// re-attempts the job, which every transition here tolerates.
func (e *Engine) settle(ctx context.Context, logger *slog.Logger, fn func(context.Context) error) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), claimTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), settleCtx)

	var lastErr error

	err := backoff.Retry(func() error {
		lastErr = fn(settleCtx)
		if lastErr == nil {
			return nil
		}

		// Lease loss and not-found are verdicts, not transient faults.
		if errors.Is(lastErr, ErrLeaseLost) || errors.Is(lastErr, ErrJobNotFound) {
			return backoff.Permanent(lastErr)
		}

		return lastErr
	}, policy)

	if err != nil && !errors.Is(err, ErrLeaseLost) && !errors.Is(err, ErrJobNotFound) {
		logger.Error("Settle failed after retries; leaving job to lease expiry",
			slog.String("error", err.Error()),
		)
	}

	return err
}

// heartbeat extends the lease while the handler runs. Losing the lease
// cancels the handler context so the attempt stops doing work it no longer
// owns.
func (e *Engine) heartbeat(ctx context.Context, logger *slog.Logger, job *Job, settings Settings, cancelExec context.CancelFunc, stop <-chan struct{}) {
	interval := settings.VisibilityTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(ctx, claimTimeout)
			err := e.store.ExtendLease(extendCtx, job.ID, settings.VisibilityTimeout)
			cancel()

			if err == nil {
				continue
			}

			if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrJobNotFound) {
				logger.Warn("Lease lost during execution; cancelling handler")
				cancelExec()

				return
			}

			logger.Warn("Lease extension failed", slog.String("error", err.Error()))
		}
	}
}

// sleepFor blocks for d or until ctx is cancelled. Returns false on cancel.
func sleepFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// pollJitter spreads idle polls across workers.
func pollJitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)/2+1))
}
