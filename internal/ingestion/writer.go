package ingestion

import (
	"context"
	"fmt"
)

// Chunk sizes used when a Config leaves them unset.
const (
	DefaultNormalizedChunkSize = 200
	DefaultFactChunkSize       = 10000
)

// Writer persists a Projection. Normalized records go out in chunks, one transaction per
// chunk; fact rows go out in larger columnar batches. Chunks committed before a failure stay
// committed.
type Writer struct {
	periods         PeriodWriter
	facts           FactWriter
	normalizedChunk int
	factChunk       int
	recorder        Recorder
}

// NewWriter creates a Writer. Non-positive chunk sizes fall back to the defaults.
func NewWriter(periods PeriodWriter, facts FactWriter, normalizedChunk, factChunk int, recorder Recorder) *Writer {
	if normalizedChunk <= 0 {
		normalizedChunk = DefaultNormalizedChunkSize
	}

	if factChunk <= 0 {
		factChunk = DefaultFactChunkSize
	}

	if recorder == nil {
		recorder = NopRecorder{}
	}

	return &Writer{
		periods:         periods,
		facts:           facts,
		normalizedChunk: normalizedChunk,
		factChunk:       factChunk,
		recorder:        recorder,
	}
}

// Write persists proj. The returned summary counts only committed rows and is non-nil even
// when err is not.
func (w *Writer) Write(ctx context.Context, proj *Projection) (*EventSummary, error) {
	summary := &EventSummary{Tables: make(map[string]int)}

	for _, tr := range proj.Tables {
		err := forEachChunk(tr.Records, w.normalizedChunk, func(chunk []PeriodRecord, i, n int) error {
			err := w.periods.UpsertPeriodRecords(ctx, tr.Table, chunk)
			w.recorder.ObserveChunk(tr.Table.Name, len(chunk), err)

			if err != nil {
				return fmt.Errorf("%w: %s chunk %d/%d: %w", ErrPersistence, tr.Table.Name, i, n, err)
			}

			summary.NormalizedRows += len(chunk)
			summary.Tables[tr.Table.Name] += len(chunk)

			return nil
		})
		if err != nil {
			return summary, err
		}
	}

	err := forEachChunk(proj.VisitFacts, w.factChunk, func(chunk []VisitFact, i, n int) error {
		err := w.facts.InsertVisitFacts(ctx, chunk)
		w.recorder.ObserveChunk(VisitFactsTable, len(chunk), err)

		if err != nil {
			return fmt.Errorf("%w: %s chunk %d/%d: %w", ErrPersistence, VisitFactsTable, i, n, err)
		}

		summary.VisitFacts += len(chunk)

		return nil
	})
	if err != nil {
		return summary, err
	}

	err = forEachChunk(proj.DiagnosisFacts, w.factChunk, func(chunk []DiagnosisFact, i, n int) error {
		err := w.facts.InsertDiagnosisFacts(ctx, chunk)
		w.recorder.ObserveChunk(DiagnosisFactsTable, len(chunk), err)

		if err != nil {
			return fmt.Errorf("%w: %s chunk %d/%d: %w", ErrPersistence, DiagnosisFactsTable, i, n, err)
		}

		summary.DiagnosisFacts += len(chunk)

		return nil
	})

	return summary, err
}

// Fact table names in the columnar store.
const (
	VisitFactsTable     = "visit_facts"
	DiagnosisFactsTable = "diagnosis_facts"
)

// forEachChunk calls fn with consecutive slices of at most size items, numbered from 1, and
// stops at the first error.
func forEachChunk[T any](items []T, size int, fn func(chunk []T, i, n int) error) error {
	n := (len(items) + size - 1) / size

	for i := 0; i < n; i++ {
		end := min((i+1)*size, len(items))

		if err := fn(items[i*size:end], i+1, n); err != nil {
			return err
		}
	}

	return nil
}
