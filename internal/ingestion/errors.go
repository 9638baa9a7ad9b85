package ingestion

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors. Callers classify failures with errors.Is.
var (
	// ErrValidation marks a malformed batch. The whole request is rejected and no ledger entry exists.
	ErrValidation = errors.New("validation failed")

	// ErrFacilityNotFound marks a batch for an unknown facility. No ledger entry is created.
	ErrFacilityNotFound = errors.New("facility not found")

	// ErrUnknownCodes marks an event that references diagnosis codes missing from the catalog.
	ErrUnknownCodes = errors.New("unknown diagnosis codes")

	// ErrPersistence marks a storage failure while writing an event's rows.
	ErrPersistence = errors.New("persistence failed")

	// ErrLedger marks a failure reading or writing the ingestion ledger.
	ErrLedger = errors.New("ledger operation failed")

	// ErrLedgerEntryNotFound is returned by Ledger.Get for unknown ids.
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")

	// ErrUnhandledEventType is returned when an event variant has no projection.
	ErrUnhandledEventType = errors.New("unhandled event type")

	// ErrInvalidConfig marks an unusable pipeline configuration.
	ErrInvalidConfig = errors.New("invalid ingestion configuration")
)

// ValidationError carries field-path to message pairs, e.g.
// "events[1].staffing[0].jumlah" -> "must be a non-negative integer".
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError creates a ValidationError with a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	paths := make([]string, 0, len(e.Fields))
	for path := range e.Fields {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	parts := make([]string, len(paths))
	for i, path := range paths {
		parts[i] = path + ": " + e.Fields[path]
	}

	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

// Unwrap allows errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// UnknownCodesError lists the diagnosis codes an event referenced that are not in the catalog.
type UnknownCodesError struct {
	Codes []string
}

func (e *UnknownCodesError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownCodes, strings.Join(e.Codes, ", "))
}

// Unwrap allows errors.Is(err, ErrUnknownCodes).
func (e *UnknownCodesError) Unwrap() error {
	return ErrUnknownCodes
}
