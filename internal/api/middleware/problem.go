// Package middleware provides the HTTP middleware of the ingestor API: correlation IDs, panic
// recovery, source identification, rate limiting, request logging and CORS.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemContentType is the media type of RFC 7807 error bodies.
const ProblemContentType = "application/problem+json"

const problemTypeBase = "https://ingestor.sehatku.io/problems/"

// ProblemType returns the RFC 7807 type URI for an HTTP status.
func ProblemType(status int) string {
	return fmt.Sprintf("%s%d", problemTypeBase, status)
}

// writeProblem writes an RFC 7807 body without depending on the api package.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) error {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail,omitempty"`
		Instance      string `json:"instance,omitempty"`
		CorrelationID string `json:"correlationId,omitempty"`
	}{
		Type:          ProblemType(status),
		Title:         http.StatusText(status),
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(problem)
}
