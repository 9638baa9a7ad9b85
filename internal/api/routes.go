package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sehatku-io/ingestor/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	serviceName        = "ingestor"
	versionHeader      = "X-Ingestor-Version"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// ReadinessStatus reports each readiness dependency.
	ReadinessStatus struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}

	// Route pairs a ServeMux pattern with its handler.
	Route struct {
		Pattern string
		Handler http.Handler
	}
)

// setupRoutes registers every route and returns the paths exempt from rate limiting.
func (s *Server) setupRoutes(mux *http.ServeMux) []string {
	public := []Route{
		{"GET /ping", http.HandlerFunc(s.handlePing)},
		{"GET /ready", http.HandlerFunc(s.handleReady)},
		{"GET /health", http.HandlerFunc(s.handleHealth)},
	}

	if s.metrics != nil {
		public = append(public, Route{"GET /metrics", s.metrics})
	}

	for _, route := range public {
		mux.Handle(route.Pattern, route.Handler)
	}

	mux.HandleFunc("/", s.handleNotFound)

	mux.HandleFunc("POST /api/v1/ingest/batch", s.handleIngestBatch)
	mux.HandleFunc("POST /api/v1/ingest/{type}", s.handleIngestCluster)
	mux.HandleFunc("GET /api/v1/ingest/ledger", s.handleListLedger)
	mux.HandleFunc("GET /api/v1/ingest/ledger/{id}", s.handleGetLedgerEntry)

	return routePaths(public)
}

// routePaths strips the method from each pattern: "GET /ping" becomes "/ping".
func routePaths(routes []Route) []string {
	paths := make([]string, 0, len(routes))

	for _, route := range routes {
		pattern := route.Pattern
		if _, path, found := strings.Cut(pattern, " "); found {
			pattern = strings.TrimSpace(path)
		}

		if pattern != "" {
			paths = append(paths, pattern)
		}
	}

	return paths
}

// handlePing responds to liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(versionHeader, s.config.Version)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady runs every readiness check with a 2 second budget each. It answers 200 when all
// pass and 503 otherwise, naming the failing dependency.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	status := ReadinessStatus{Status: "ready", Checks: make(map[string]string, len(s.healthChecks))}
	code := http.StatusOK

	for _, check := range s.healthChecks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.Check(ctx)

		cancel()

		if err != nil {
			s.logger.Error("Readiness check failed",
				slog.String("correlation_id", correlationID),
				slog.String("dependency", check.Name),
				slog.String("error", err.Error()),
			)

			status.Status = "unavailable"
			status.Checks[check.Name] = "unavailable"
			code = http.StatusServiceUnavailable

			continue
		}

		status.Checks[check.Name] = "ok"
	}

	s.writeJSON(w, r, code, status)
}

// handleHealth returns service status, version and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	w.Header().Set(versionHeader, s.config.Version)

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     s.config.Version,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v before writing any header so an encoding failure can still become a 500.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
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

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}
