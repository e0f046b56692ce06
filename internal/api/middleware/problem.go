// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// problemDocument mirrors the api package's RFC 7807 shape. The middleware
// package sits below internal/api in the import graph, so the document is
// built here rather than borrowed from there.
type problemDocument struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlationId"`
}

// writeRFC7807Error writes an RFC 7807 problem document with the given
// status and detail.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail, correlationID string,
) error {
	problem := problemDocument{
		Type:          fmt.Sprintf("https://revlens.io/problems/%d", statusCode),
		Title:         problemTitle(statusCode),
		Status:        statusCode,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}

func problemTitle(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusTooManyRequests:
		return "Too Many Requests"
	case http.StatusInternalServerError:
		return "Internal Server Error"
	default:
		return "Request Failed"
	}
}
