package queue

import (
	"context"
	"log/slog"
	"time"
)

// depthSampleInterval paces the gauge refresh for queue depth metrics.
const depthSampleInterval = 30 * time.Second

// janitorLoop recovers jobs whose lease expired without a settle, which
// happens when a worker crashes or a handler is abandoned at its deadline.
// Recovered jobs re-enter the claimable set; their attempt counter was
// already spent at claim time, so a crash loop still converges on the
// dead-letter state.
func (e *Engine) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired(ctx)
		}
	}
}

func (e *Engine) sweepExpired(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	recovered, err := e.store.RequeueExpired(sweepCtx, e.config.JanitorBatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		e.logger.Error("Lease sweep failed", slog.String("error", err.Error()))

		return
	}

	for _, job := range recovered {
		e.logger.Warn("Recovered job with expired lease",
			slog.String("queue", job.Queue),
			slog.String("kind", job.Kind),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.String("state", string(job.State)),
		)

		e.metrics.JobRequeued(job.Queue, job.Kind)

		if job.State == StateDead {
			e.metrics.DeadLetter(job.Queue, job.Kind)
		}
	}
}

// depthSampleLoop refreshes per-state depth gauges for every registered
// queue.
func (e *Engine) depthSampleLoop(ctx context.Context) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleDepths(ctx)
		}
	}
}

func (e *Engine) sampleDepths(ctx context.Context) {
	for _, pool := range e.registry.queues() {
		sampleCtx, cancel := context.WithTimeout(ctx, claimTimeout)
		stats, err := e.store.Stats(sampleCtx, pool.queue)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			e.logger.Warn("Depth sample failed",
				slog.String("queue", pool.queue),
				slog.String("error", err.Error()),
			)

			continue
		}

		e.metrics.SetQueueDepth(pool.queue, string(StateWaiting), stats.Waiting)
		e.metrics.SetQueueDepth(pool.queue, string(StateDelayed), stats.Delayed)
		e.metrics.SetQueueDepth(pool.queue, string(StateActive), stats.Active)
		e.metrics.SetQueueDepth(pool.queue, string(StateFailed), stats.Failed)
		e.metrics.SetQueueDepth(pool.queue, string(StateDead), stats.Dead)
	}
}
