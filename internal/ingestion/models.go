// Package ingestion implements the health facility feed pipeline: batch decoding and validation,
// facility resolution, idempotency, diagnosis code checks, aggregation and chunked persistence.
//
// Storage-facing interfaces live in store.go; concrete PostgreSQL and ClickHouse implementations
// live in internal/storage and internal/analytics.
package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the event variants carried in a batch.
type EventType string

const (
	EventVisit         EventType = "visit"
	EventResource      EventType = "resource"
	EventMaternalChild EventType = "maternal_child"
	EventScreening     EventType = "screening"
	EventDailyService  EventType = "daily_service"
	EventDiagnosis     EventType = "diagnosis"
)

// EventTypes returns every supported event type in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventVisit,
		EventResource,
		EventMaternalChild,
		EventScreening,
		EventDailyService,
		EventDiagnosis,
	}
}

// IsValid reports whether t is one of the supported event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventVisit, EventResource, EventMaternalChild, EventScreening, EventDailyService, EventDiagnosis:
		return true
	default:
		return false
	}
}

func (t EventType) String() string {
	return string(t)
}

// BatchPartition is the ledger partition used by the unified multi-event endpoint. Single-cluster
// endpoints partition by their event type instead.
const BatchPartition = "batch"

type (
	// Batch is a validated, normalized ingestion submission.
	Batch struct {
		BatchID      string
		FacilityID   string
		FacilityCode string
		Events       []Event
	}

	// Event is one typed sub-payload of a batch.
	Event struct {
		Type    EventType
		Payload Payload
	}

	// Payload is implemented only by the event variants in this package, so a type switch over
	// it can be exhaustive.
	Payload interface {
		EventType() EventType
		records() int
	}

	// Facility is the reference record a batch is attributed to.
	Facility struct {
		ID   string
		Code string
		Name string
	}

	// Request is a batch bound to its ledger partition.
	Request struct {
		Partition string
		Batch     *Batch
	}

	// Outcome is the result of running a batch through the pipeline.
	Outcome struct {
		IngestionID uuid.UUID
		Duplicate   bool
		Success     bool
		Status      LedgerStatus
		Results     []EventResult
	}

	// EventResult is the per-event entry of an Outcome.
	EventResult struct {
		Type    EventType     `json:"type"`
		OK      bool          `json:"ok"`
		Summary *EventSummary `json:"summary,omitempty"`
		Error   string        `json:"error,omitempty"`
	}

	// EventSummary counts what an event wrote.
	EventSummary struct {
		NormalizedRows int            `json:"normalizedRows"`
		VisitFacts     int            `json:"visitFacts"`
		DiagnosisFacts int            `json:"diagnosisFacts"`
		Tables         map[string]int `json:"tables,omitempty"`
	}

	// VisitFact is a pre-aggregated visit count for the columnar store.
	VisitFact struct {
		FacilityID      string
		Date            time.Time
		ServiceCategory string
		UnitType        string
		Gender          string
		AgeBucket       string
		VisitCount      uint32
		UniquePatients  uint32
	}

	// DiagnosisFact is a pre-aggregated diagnosis count for the columnar store.
	DiagnosisFact struct {
		FacilityID     string
		Date           time.Time
		Code           string
		Gender         string
		AgeBucket      string
		Role           string
		CaseCount      uint32
		UniquePatients uint32
	}
)

// Records returns the number of records across all sub-lists of the event.
func (e Event) Records() int {
	if e.Payload == nil {
		return 0
	}

	return e.Payload.records()
}

// Rows returns the total number of rows the summary reports.
func (s *EventSummary) Rows() int {
	if s == nil {
		return 0
	}

	return s.NormalizedRows + s.VisitFacts + s.DiagnosisFacts
}
