// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/revlens-io/revlens/internal/api/middleware"
	"github.com/revlens-io/revlens/internal/handlers"
	"github.com/revlens-io/revlens/internal/queue"
)

// handleIngestionReplay enqueues a consumer offset rewind for a CRM event
// partition. The rewind itself runs as a job on the ops queue so that it is
// retried, audited and serialized like any other piece of background work.
//
// Request body:
//
//	{"topic": "crm.deals", "partition": 2, "offset": 184020}
//
// Responses:
//   - 202 Accepted: replay job enqueued, body carries the job ID
//   - 400 Bad Request: malformed body or invalid coordinates
//   - 413 Payload Too Large: request body exceeds the configured limit
func (s *Server) handleIngestionReplay(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var req ReplayRequest
	if problem := s.decodeJSONBody(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if req.Topic == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Field 'topic' is required"))

		return
	}

	if req.Partition < 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Field 'partition' must not be negative"))

		return
	}

	if req.Offset < 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Field 'offset' must not be negative"))

		return
	}

	payload, err := json.Marshal(handlers.IngestOffsetPayload{
		Topic:     req.Topic,
		Partition: req.Partition,
		Offset:    req.Offset,
	})
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode replay payload"))

		return
	}

	// One pending rewind per partition. A second replay request for the same
	// partition while the first is still waiting coalesces into it.
	jobID, err := s.jobs.Enqueue(r.Context(), handlers.QueueOps, handlers.KindIngestOffset, payload, queue.Options{
		DeduplicationKey: fmt.Sprintf("replay:%s:%d", req.Topic, req.Partition),
		CorrelationID:    correlationID,
	})
	if err != nil {
		if errors.Is(err, queue.ErrPayloadTooLarge) {
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge("Replay payload exceeds the job size limit"))

			return
		}

		s.logger.Error("Failed to enqueue replay job",
			slog.String("topic", req.Topic),
			slog.Int("partition", req.Partition),
			slog.Int64("offset", req.Offset),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to enqueue replay job"))

		return
	}

	s.logger.Info("Replay job enqueued",
		slog.String("job_id", jobID),
		slog.String("topic", req.Topic),
		slog.Int("partition", req.Partition),
		slog.Int64("offset", req.Offset),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusAccepted, ReplayResponse{
		JobID: jobID,
		Queue: handlers.QueueOps,
		Kind:  handlers.KindIngestOffset,
	})
}
