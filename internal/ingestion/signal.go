package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// InvalidationSignal announces that rows for a facility and cluster were written.
type InvalidationSignal struct {
	IngestionID uuid.UUID `json:"ingestionId"`
	FacilityID  string    `json:"facilityId"`
	Cluster     EventType `json:"cluster"`
	BatchID     string    `json:"batchId"`
	Rows        int       `json:"rows"`
	At          time.Time `json:"at"`
}

// Recorder receives pipeline measurements.
type Recorder interface {
	ObserveBatch(partition string, status LedgerStatus, duplicate bool, elapsed time.Duration)
	ObserveEvent(eventType EventType, ok bool, rows int)
	ObserveChunk(table string, rows int, err error)
}

// NopRecorder discards measurements.
type NopRecorder struct{}

func (NopRecorder) ObserveBatch(string, LedgerStatus, bool, time.Duration) {}
func (NopRecorder) ObserveEvent(EventType, bool, int)                      {}
func (NopRecorder) ObserveChunk(string, int, error)                        {}

var _ Recorder = NopRecorder{}
