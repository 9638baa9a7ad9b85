package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sehatku-io/ingestor/internal/api/middleware"
	"github.com/sehatku-io/ingestor/internal/ingestion"
)

// LedgerListResponse is the body of GET /api/v1/ingest/ledger.
type LedgerListResponse struct {
	Entries []*ingestion.LedgerEntry `json:"entries"`
	Count   int                      `json:"count"`
}

// handleListLedger lists ledger entries newest first, filtered by the facilityId, batchId and
// status query parameters. limit defaults to 50 and is capped at 500.
func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := ingestion.LedgerFilter{
		FacilityID: strings.TrimSpace(query.Get("facilityId")),
		BatchID:    strings.TrimSpace(query.Get("batchId")),
	}

	fields := make(map[string]string)

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		filter.Status = ingestion.LedgerStatus(strings.ToLower(raw))
		if !filter.Status.IsValid() {
			fields["status"] = "must be one of processing, processed, failed"
		}
	}

	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			fields["limit"] = "must be a positive integer"
		}

		filter.Limit = limit
	}

	if len(fields) > 0 {
		WriteErrorResponse(w, r, s.logger, ValidationFailed(fields))

		return
	}

	entries, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list ledger entries",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list ledger entries"))

		return
	}

	if entries == nil {
		entries = []*ingestion.LedgerEntry{}
	}

	s.writeJSON(w, r, http.StatusOK, LedgerListResponse{Entries: entries, Count: len(entries)})
}

// handleGetLedgerEntry returns one ledger entry by ingestion id.
func (s *Server) handleGetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, ValidationFailed(map[string]string{"id": "must be a UUID"}))

		return
	}

	entry, err := s.ledger.Get(r.Context(), id)

	switch {
	case errors.Is(err, ingestion.ErrLedgerEntryNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound("No ledger entry with id "+id.String()))
	case err != nil:
		s.logger.Error("Failed to read ledger entry",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("ingestion_id", id.String()),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to read ledger entry"))
	default:
		s.writeJSON(w, r, http.StatusOK, entry)
	}
}
