// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/revlens-io/revlens/internal/api/middleware"
	"github.com/revlens-io/revlens/internal/scheduler"
)

// handleListSchedules returns every registered schedule with its computed
// next fire time.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list schedules",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list schedules"))

		return
	}

	items := make([]ScheduleResponse, 0, len(schedules))
	for _, sched := range schedules {
		items = append(items, scheduleResponseFrom(sched))
	}

	s.writeJSON(w, r, http.StatusOK, ScheduleListResponse{
		Schedules: items,
		Count:     len(items),
	})
}

// handleGetSchedule returns a single schedule by ID.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := r.PathValue("id")

	if scheduleID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Schedule ID is required"))

		return
	}

	sched, err := s.schedules.Get(r.Context(), scheduleID)
	if err != nil {
		if errors.Is(err, scheduler.ErrScheduleNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Schedule not found: "+scheduleID))

			return
		}

		s.logger.Error("Failed to load schedule",
			slog.String("schedule_id", scheduleID),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load schedule"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, scheduleResponseFrom(sched))
}

// handleUpsertSchedule creates or replaces the schedule with the given ID.
// The cron spec is validated and the next fire time recomputed before the
// schedule is persisted.
//
// Responses:
//   - 200 OK: schedule stored, body carries the computed next fire time
//   - 400 Bad Request: malformed body, invalid cron spec or missing fields
//   - 403 Forbidden: tenant-scoped key targeting another tenant
//   - 409 Conflict: another schedule already uses the requested name
func (s *Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	scheduleID := r.PathValue("id")

	if scheduleID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Schedule ID is required"))

		return
	}

	var req ScheduleRequest
	if problem := s.decodeJSONBody(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if tenantForbidden(r.Context(), req.TenantID) {
		WriteErrorResponse(w, r, s.logger, Forbidden("API key is not authorized for the requested tenant"))

		return
	}

	stored, err := s.schedules.Upsert(r.Context(), req.toSchedule(scheduleID))
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrInvalidCronSpec):
			WriteErrorResponse(w, r, s.logger, BadRequest("Invalid cron spec: "+req.Spec))
		case errors.Is(err, scheduler.ErrScheduleInvalid):
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
		case errors.Is(err, scheduler.ErrScheduleNameConflict):
			WriteErrorResponse(w, r, s.logger, Conflict("Schedule name already in use: "+req.Name))
		default:
			s.logger.Error("Failed to upsert schedule",
				slog.String("schedule_id", scheduleID),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to store schedule"))
		}

		return
	}

	s.logger.Info("Schedule stored",
		slog.String("schedule_id", stored.ID),
		slog.String("schedule_name", stored.Name),
		slog.String("spec", stored.Spec),
		slog.Time("next_fire_at", stored.NextFireAt),
		slog.String("correlation_id", correlationID),
	)

	s.writeJSON(w, r, http.StatusOK, scheduleResponseFrom(stored))
}

// handleDeleteSchedule removes a schedule permanently. Jobs already enqueued
// by past fires are unaffected.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	scheduleID := r.PathValue("id")

	if scheduleID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Schedule ID is required"))

		return
	}

	if err := s.schedules.Delete(r.Context(), scheduleID); err != nil {
		if errors.Is(err, scheduler.ErrScheduleNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Schedule not found: "+scheduleID))

			return
		}

		s.logger.Error("Failed to delete schedule",
			slog.String("schedule_id", scheduleID),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to delete schedule"))

		return
	}

	s.logger.Info("Schedule deleted",
		slog.String("schedule_id", scheduleID),
		slog.String("correlation_id", correlationID),
	)

	w.WriteHeader(http.StatusNoContent)
}

// handleEnableSchedule resumes firing for a disabled schedule.
func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

// handleDisableSchedule stops a schedule from firing without deleting it.
func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	correlationID := middleware.GetCorrelationID(r.Context())
	scheduleID := r.PathValue("id")

	if scheduleID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Schedule ID is required"))

		return
	}

	if err := s.schedules.SetEnabled(r.Context(), scheduleID, enabled); err != nil {
		if errors.Is(err, scheduler.ErrScheduleNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Schedule not found: "+scheduleID))

			return
		}

		s.logger.Error("Failed to update schedule enabled state",
			slog.String("schedule_id", scheduleID),
			slog.Bool("enabled", enabled),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to update schedule"))

		return
	}

	s.logger.Info("Schedule enabled state updated",
		slog.String("schedule_id", scheduleID),
		slog.Bool("enabled", enabled),
		slog.String("correlation_id", correlationID),
	)

	w.WriteHeader(http.StatusNoContent)
}
