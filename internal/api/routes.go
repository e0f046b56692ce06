// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/revlens-io/revlens/internal/api/middleware"
	"github.com/revlens-io/revlens/internal/storage"
)

const (
	healthCheckTimeout = 2 * time.Second
	serviceVersion     = "v1.0.0"
)

type (
	// HealthStatus is the body of GET /health.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route pairs a mux pattern with its handler for declarative
	// registration of unauthenticated endpoints.
	Route struct {
		Path    string // mux pattern, with or without a method ("GET /ping", "/")
		Handler http.HandlerFunc
	}
)

// setupRoutes sets up all HTTP routes for the admin API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Probes and the catch-all 404 answer without credentials.
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},
		Route{"GET /ready", s.handleReady},
		Route{"GET /health", s.handleHealth},
		Route{"/", s.handleNotFound},
	)

	// Prometheus scrape endpoint. Public: scrapers carry no API keys.
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
		middleware.RegisterPublicEndpoint("/metrics")
	}

	// Ingestion replay
	mux.Handle("POST /api/v1/ingestion/replay",
		s.requireScope(storage.ScopeReplay, s.handleIngestionReplay))

	// Ad-hoc jobs
	mux.Handle("POST /api/v1/jobs",
		s.requireScope(storage.ScopeJobsWrite, s.handleEnqueueJob))
	mux.Handle("DELETE /api/v1/jobs/{id}",
		s.requireScope(storage.ScopeJobsWrite, s.handleCancelJob))

	// Schedules
	mux.Handle("GET /api/v1/schedules",
		s.requireScope(storage.ScopeRead, s.handleListSchedules))
	mux.Handle("GET /api/v1/schedules/{id}",
		s.requireScope(storage.ScopeRead, s.handleGetSchedule))
	mux.Handle("PUT /api/v1/schedules/{id}",
		s.requireScope(storage.ScopeSchedulesWrite, s.handleUpsertSchedule))
	mux.Handle("DELETE /api/v1/schedules/{id}",
		s.requireScope(storage.ScopeSchedulesWrite, s.handleDeleteSchedule))
	mux.Handle("POST /api/v1/schedules/{id}/enable",
		s.requireScope(storage.ScopeSchedulesWrite, s.handleEnableSchedule))
	mux.Handle("POST /api/v1/schedules/{id}/disable",
		s.requireScope(storage.ScopeSchedulesWrite, s.handleDisableSchedule))

	// Queues
	mux.Handle("GET /api/v1/queues/{queue}/stats",
		s.requireScope(storage.ScopeRead, s.handleQueueStats))
	mux.Handle("POST /api/v1/queues/{queue}/pause",
		s.requireScope(storage.ScopeJobsWrite, s.handlePauseQueue))
	mux.Handle("POST /api/v1/queues/{queue}/resume",
		s.requireScope(storage.ScopeJobsWrite, s.handleResumeQueue))

	// Cache
	mux.Handle("POST /api/v1/cache/invalidate",
		s.requireScope(storage.ScopeCacheInvalidate, s.handleInvalidateCache))
}

// requireScope wraps a handler with the per-route scope check.
func (s *Server) requireScope(scope string, handler http.HandlerFunc) http.Handler {
	return middleware.RequireScope(scope, s.logger)(handler)
}

// registerPublicRoutes registers routes that bypass authentication and rate
// limiting. Reserved for health probes and other endpoints that must answer
// without credentials; never register control plane handlers here.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Patterns may carry a Go 1.22 method prefix ("GET /ping"), but the
		// auth bypass matches on r.URL.Path, which never does.
		path := route.Path
		if method, rest, found := strings.Cut(path, " "); found && isHTTPMethod(method) {
			path = strings.TrimSpace(rest)
		}

		if path == "" {
			s.logger.Warn("Malformed route path, skipping", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

func isHTTPMethod(candidate string) bool {
	switch candidate {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}

	return false
}

// handlePing answers liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-RevLens-Version", serviceVersion)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to Kubernetes readiness probes by running the
// configured dependency checks (storage, cache).
//
// Response codes:
//   - 200 OK: All dependencies are healthy and ready to accept traffic
//   - 503 Service Unavailable: A dependency is unhealthy or unreachable
//
// K8s readiness probes use this endpoint to determine if the pod should
// receive traffic. If this endpoint returns 503, K8s stops routing requests
// to the pod until it recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	for _, probe := range s.readiness {
		// Each probe gets its own short timeout so one slow dependency
		// cannot stall the whole readiness response.
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := probe.Check(ctx)

		cancel()

		if err != nil {
			s.logger.Error("Readiness check failed",
				slog.String("dependency", probe.Name),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)

			if _, writeErr := w.Write([]byte(probe.Name + " unavailable")); writeErr != nil {
				s.logger.Error("Failed to write unavailable response",
					slog.String("correlation_id", correlationID),
					slog.String("error", writeErr.Error()),
				)
			}

			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("ready")); err != nil {
		s.logger.Error("Failed to write ready response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth returns service status, version and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "revlens",
		Version:     serviceVersion,
		Uptime:      uptime,
	}

	w.Header().Set("X-RevLens-Version", serviceVersion)
	s.writeJSON(w, r, http.StatusOK, health)
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals payload and writes it with the given status code.
// Marshal failures turn into a 500 problem response before headers are sent.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// decodeJSONBody reads a JSON request body capped at the configured maximum
// request size. Returns nil on success, or the problem to write back.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) *ProblemDetail {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return BadRequest("Content-Type must be application/json")
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return PayloadTooLarge(fmt.Sprintf("Request body exceeds %d bytes", maxBytesErr.Limit))
		}

		return BadRequest("Invalid JSON body: " + err.Error())
	}

	return nil
}

// tenantForbidden reports whether the authenticated key is scoped to a
// different tenant than the request targets. Platform-operator keys (empty
// tenant) pass every check, as do requests with authentication disabled.
func tenantForbidden(ctx context.Context, requested string) bool {
	keyCtx, ok := middleware.GetKeyContext(ctx)
	if !ok || keyCtx.TenantID == "" {
		return false
	}

	return requested != keyCtx.TenantID
}

// hasJSONContentType accepts "application/json" with or without parameters
// such as a charset suffix.
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
