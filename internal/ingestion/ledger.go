package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// LedgerStatus is the processing state of a ledger entry.
type LedgerStatus string

const (
	StatusProcessing LedgerStatus = "processing"
	StatusProcessed  LedgerStatus = "processed"
	StatusFailed     LedgerStatus = "failed"
)

// IsValid reports whether s is a known ledger status.
func (s LedgerStatus) IsValid() bool {
	switch s {
	case StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

func (s LedgerStatus) String() string {
	return string(s)
}

// IsTerminal reports whether s is a final status.
func (s LedgerStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

var (
	// ErrInvalidTransition indicates a ledger status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid ledger status transition")

	// ErrTerminalStateImmutable indicates an attempt to move a settled entry to another status.
	ErrTerminalStateImmutable = errors.New("terminal ledger status is immutable")
)

// ValidateTransition checks a ledger status change.
//
// Valid transitions:
//   - processing → {processed, failed}
//   - processed/failed → same status (idempotent)
func ValidateTransition(from, to LedgerStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
		}

		return nil
	}

	if to == StatusProcessing {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	return nil
}

const (
	// DefaultLedgerListLimit is used when a ledger listing does not ask for a limit.
	DefaultLedgerListLimit = 50
	// MaxLedgerListLimit caps a ledger listing.
	MaxLedgerListLimit = 500

	truncationSuffix = "…"
)

type (
	// LedgerKey is the idempotency key of a batch. The ledger stores at most one entry per key.
	LedgerKey struct {
		Partition  string
		FacilityID string
		BatchID    string
	}

	// PayloadSummary is what the ledger keeps of a batch body: event types and record counts.
	PayloadSummary struct {
		Events []PayloadEvent `json:"events"`
	}

	PayloadEvent struct {
		Type    EventType `json:"type"`
		Records int       `json:"records"`
	}

	// LedgerEntry is one row of the ingestion ledger.
	LedgerEntry struct {
		ID           uuid.UUID      `json:"id"`
		EventType    string         `json:"eventType"`
		FacilityID   string         `json:"facilityId"`
		BatchID      string         `json:"batchId"`
		Status       LedgerStatus   `json:"status"`
		Payload      PayloadSummary `json:"payload"`
		Results      []EventResult  `json:"results,omitempty"`
		ErrorMessage string         `json:"errorMessage,omitempty"`
		CreatedAt    time.Time      `json:"createdAt"`
		ProcessedAt  *time.Time     `json:"processedAt,omitempty"`
	}

	// LedgerFilter narrows a ledger listing. Zero values match everything.
	LedgerFilter struct {
		FacilityID string
		BatchID    string
		Status     LedgerStatus
		Limit      int
	}
)

// Summarize builds the payload summary of a batch.
func Summarize(batch *Batch) PayloadSummary {
	summary := PayloadSummary{Events: make([]PayloadEvent, 0, len(batch.Events))}

	for _, event := range batch.Events {
		summary.Events = append(summary.Events, PayloadEvent{Type: event.Type, Records: event.Records()})
	}

	return summary
}

// NormalizedLimit clamps the filter limit into [1, MaxLedgerListLimit], defaulting when unset.
func (f LedgerFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLedgerListLimit
	case f.Limit > MaxLedgerListLimit:
		return MaxLedgerListLimit
	default:
		return f.Limit
	}
}

// TruncateMessage shortens msg to at most maxRunes runes, marking the cut with an ellipsis.
func TruncateMessage(msg string, maxRunes int) string {
	msg = strings.TrimSpace(msg)

	if maxRunes <= 0 || utf8.RuneCountInString(msg) <= maxRunes {
		return msg
	}

	runes := []rune(msg)
	keep := maxRunes - utf8.RuneCountInString(truncationSuffix)

	if keep < 0 {
		keep = 0
	}

	return string(runes[:keep]) + truncationSuffix
}
