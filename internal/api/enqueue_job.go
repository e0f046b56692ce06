// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/revlens-io/revlens/internal/api/middleware"
	"github.com/revlens-io/revlens/internal/queue"
)

// handleEnqueueJob enqueues an ad-hoc job of a registered kind. Operators use
// this to force a view refresh or report run outside its schedule.
//
// Responses:
//   - 202 Accepted: job enqueued, body carries the job ID
//   - 400 Bad Request: malformed body, unknown queue or unknown kind
//   - 403 Forbidden: tenant-scoped key targeting another tenant
//   - 413 Payload Too Large: payload exceeds the job size limit
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var req EnqueueJobRequest
	if problem := s.decodeJSONBody(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if req.Queue == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Field 'queue' is required"))

		return
	}

	if req.Kind == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Field 'kind' is required"))

		return
	}

	if tenantForbidden(r.Context(), req.TenantID) {
		WriteErrorResponse(w, r, s.logger, Forbidden("API key is not authorized for the requested tenant"))

		return
	}

	opts, err := req.toOptions(correlationID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	jobID, err := s.jobs.Enqueue(r.Context(), req.Queue, req.Kind, payload, opts)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueUnknown):
			WriteErrorResponse(w, r, s.logger, BadRequest("Unknown queue: "+req.Queue))
		case errors.Is(err, queue.ErrKindUnknown):
			WriteErrorResponse(w, r, s.logger, BadRequest("Unknown job kind: "+req.Kind))
		case errors.Is(err, queue.ErrPayloadTooLarge):
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge("Job payload exceeds the size limit"))
		default:
			s.logger.Error("Failed to enqueue job",
				slog.String("queue", req.Queue),
				slog.String("kind", req.Kind),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to enqueue job"))
		}

		return
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("queue", req.Queue),
		slog.String("kind", req.Kind),
		slog.String("tenant_id", req.TenantID),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusAccepted, EnqueueJobResponse{
		JobID: jobID,
		Queue: req.Queue,
		Kind:  req.Kind,
	})
}

// handleCancelJob cancels a waiting or delayed job by ID. Jobs that are
// already running, finished or dead are not cancellable.
//
// Responses:
//   - 204 No Content: job cancelled
//   - 404 Not Found: no job with that ID
//   - 409 Conflict: job is past the point of cancellation
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	jobID := r.PathValue("id")

	if jobID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Job ID is required"))

		return
	}

	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			WriteErrorResponse(w, r, s.logger, NotFound("Job not found: "+jobID))
		case errors.Is(err, queue.ErrJobNotCancellable):
			WriteErrorResponse(w, r, s.logger, Conflict("Job is no longer cancellable: "+jobID))
		default:
			s.logger.Error("Failed to cancel job",
				slog.String("job_id", jobID),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to cancel job"))
		}

		return
	}

	s.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("correlation_id", correlationID),
	)

	w.WriteHeader(http.StatusNoContent)
}
