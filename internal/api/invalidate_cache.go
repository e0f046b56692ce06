// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/revlens-io/revlens/internal/api/middleware"
)

// handleInvalidateCache drops every cached query result whose key starts with
// the given prefix. Operators use this after backfills or manual data fixes
// to force recomputation ahead of the normal TTL.
//
// An empty prefix is rejected rather than treated as a full flush. Flushing
// everything must be spelled out with the broadest real prefix in use.
//
// Responses:
//   - 200 OK: body carries the number of entries dropped
//   - 400 Bad Request: missing or empty prefix
func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var req InvalidateCacheRequest
	if problem := s.decodeJSONBody(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if req.Prefix == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Field 'prefix' is required"))

		return
	}

	invalidated, err := s.cache.Invalidate(r.Context(), req.Prefix)
	if err != nil {
		s.logger.Error("Cache invalidation failed",
			slog.String("prefix", req.Prefix),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Cache invalidation failed"))

		return
	}

	s.logger.Info("Cache invalidated",
		slog.String("prefix", req.Prefix),
		slog.Int64("invalidated", invalidated),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, InvalidateCacheResponse{
		Prefix:      req.Prefix,
		Invalidated: invalidated,
	})
}
