package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/sehatku-io/ingestor/internal/api/middleware"
	"github.com/sehatku-io/ingestor/internal/ingestion"
	"github.com/sehatku-io/ingestor/internal/signature"
)

type (
	// BatchResponse is the body of a processed or duplicate unified batch. Partial failures
	// are reported per event with HTTP 200.
	BatchResponse struct {
		Success     bool                    `json:"success"`
		Duplicate   bool                    `json:"duplicate"`
		IngestionID uuid.UUID               `json:"ingestionId"`
		Status      ingestion.LedgerStatus  `json:"status"`
		Results     []ingestion.EventResult `json:"results"`
	}

	// ClusterResponse is the flat body of a single-cluster endpoint.
	ClusterResponse struct {
		Success     bool                    `json:"success"`
		Duplicate   bool                    `json:"duplicate"`
		IngestionID uuid.UUID               `json:"ingestionId"`
		Type        ingestion.EventType     `json:"type"`
		Status      ingestion.LedgerStatus  `json:"status"`
		Summary     *ingestion.EventSummary `json:"summary,omitempty"`
		Error       string                  `json:"error,omitempty"`
	}
)

// handleIngestBatch handles POST /api/v1/ingest/batch.
//
//   - 415: Content-Type is not application/json
//   - 413: body exceeds MaxRequestSize
//   - 401: signature missing or wrong
//   - 400: malformed batch (field errors in "errors") or unknown facility
//   - 500: ledger failure; the caller must re-check the ledger before retrying
//   - 200: processed, partially failed or duplicate
//
// Processing runs under a deadline of WriteTimeout.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	body, problem := s.readBody(w, r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.WriteTimeout)
	defer cancel()

	outcome, err := s.ingester.IngestBatch(ctx, body, r.Header.Get(signature.HeaderName))
	if err != nil {
		s.writeIngestError(w, r, err)

		return
	}

	results := outcome.Results
	if results == nil {
		results = []ingestion.EventResult{}
	}

	s.writeJSON(w, r, http.StatusOK, BatchResponse{
		Success:     outcome.Success,
		Duplicate:   outcome.Duplicate,
		IngestionID: outcome.IngestionID,
		Status:      outcome.Status,
		Results:     results,
	})
}

// handleIngestCluster handles POST /api/v1/ingest/{type}: one event type with a flat body,
// tracked in its own ledger partition. Status codes match handleIngestBatch, plus 404 for an
// unknown type.
func (s *Server) handleIngestCluster(w http.ResponseWriter, r *http.Request) {
	eventType := ingestion.EventType(r.PathValue("type"))
	if !eventType.IsValid() {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("Unknown event type %q", eventType)))

		return
	}

	body, problem := s.readBody(w, r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.WriteTimeout)
	defer cancel()

	outcome, err := s.ingester.IngestCluster(ctx, eventType, body, r.Header.Get(signature.HeaderName))
	if err != nil {
		s.writeIngestError(w, r, err)

		return
	}

	response := ClusterResponse{
		Success:     outcome.Success,
		Duplicate:   outcome.Duplicate,
		IngestionID: outcome.IngestionID,
		Type:        eventType,
		Status:      outcome.Status,
	}

	if len(outcome.Results) > 0 {
		response.Summary = outcome.Results[0].Summary
		response.Error = outcome.Results[0].Error
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// readBody returns the raw body bytes the signature is computed over.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, *ProblemDetail) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return nil, UnsupportedMediaType("Content-Type must be application/json")
	}

	if r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, PayloadTooLarge(fmt.Sprintf("Request body exceeds maximum size of %d bytes", maxErr.Limit))
		}

		return nil, BadRequest("Failed to read request body")
	}

	if len(body) == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	return body, nil
}

// writeIngestError maps pipeline errors that stopped a request before or after event
// processing. Per-event failures never reach here.
func (s *Server) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var validationErr *ingestion.ValidationError

	switch {
	case errors.Is(err, signature.ErrUnauthorized):
		s.logger.Warn("Rejected unsigned or mis-signed request",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("reason", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, Unauthorized(err.Error()))
	case errors.As(err, &validationErr):
		WriteErrorResponse(w, r, s.logger, ValidationFailed(validationErr.Fields))
	case errors.Is(err, ingestion.ErrValidation), errors.Is(err, ingestion.ErrFacilityNotFound):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	default:
		s.logger.Error("Ingestion failed",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError(
			"The batch could not be recorded. Check the ingestion ledger for this batchId before retrying.",
		))
	}
}
