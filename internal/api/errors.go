// Package api provides the HTTP admin control plane for the RevLens service.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/revlens-io/revlens/internal/api/middleware"
)

// ProblemDetail is an RFC 7807 problem document. Every error the admin API
// returns is one of these, so clients parse a single error shape.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewProblemDetail builds a problem document with the revlens.io type URI for
// the status code. Instance and correlation ID are filled in by
// WriteErrorResponse from the request.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://revlens.io/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WriteErrorResponse completes the problem document from the request and
// writes it as application/problem+json.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	if problem.CorrelationID == "" {
		problem.CorrelationID = middleware.GetCorrelationID(r.Context())
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	// The status line is already committed, so an encode failure can only be
	// logged, not replaced with a different response.
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", problem.CorrelationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Int("status", problem.Status),
			slog.Any("encode_error", err),
		)
	}
}

// Constructors for the statuses the handlers actually return.

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// Conflict creates a 409 Conflict problem.
func Conflict(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusConflict, "Conflict", detail)
}

// Forbidden creates a 403 Forbidden problem.
func Forbidden(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusForbidden, "Forbidden", detail)
}

// PayloadTooLarge creates a 413 Content Too Large problem.
func PayloadTooLarge(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusRequestEntityTooLarge, "Payload Too Large", detail)
}
