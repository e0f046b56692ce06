// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/revlens-io/revlens/internal/api/middleware"
	"github.com/revlens-io/revlens/internal/queue"
)

// handleQueueStats returns the job census for one queue: how many jobs are
// waiting, delayed, active, completed, failed, dead, and how many are parked
// behind a pause.
//
// Responses:
//   - 200 OK: census for the queue
//   - 404 Not Found: queue is not configured
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	queueName := r.PathValue("queue")

	stats, err := s.jobs.Stats(r.Context(), queueName)
	if err != nil {
		if errors.Is(err, queue.ErrQueueUnknown) {
			WriteErrorResponse(w, r, s.logger, NotFound("Unknown queue: "+queueName))

			return
		}

		s.logger.Error("Failed to read queue stats",
			slog.String("queue", queueName),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to read queue stats"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, statsResponseFrom(queueName, stats))
}

// handlePauseQueue stops workers from claiming jobs on the queue. Jobs that
// are already running finish normally.
func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	s.setQueuePaused(w, r, true)
}

// handleResumeQueue re-enables claiming on a paused queue.
func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	s.setQueuePaused(w, r, false)
}

func (s *Server) setQueuePaused(w http.ResponseWriter, r *http.Request, paused bool) {
	correlationID := middleware.GetCorrelationID(r.Context())
	queueName := r.PathValue("queue")

	var known bool
	if paused {
		known = s.jobs.PauseQueue(queueName)
	} else {
		known = s.jobs.ResumeQueue(queueName)
	}

	if !known {
		WriteErrorResponse(w, r, s.logger, NotFound("Unknown queue: "+queueName))

		return
	}

	s.logger.Info("Queue pause state updated",
		slog.String("queue", queueName),
		slog.Bool("paused", paused),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, QueuePauseResponse{
		Queue:  queueName,
		Paused: paused,
	})
}
