package ingestion

import (
	"context"

	"github.com/google/uuid"
)

// The domain declares what it needs from storage; PostgreSQL implementations live in
// internal/storage, the ClickHouse fact writer in internal/analytics and the invalidation
// publishers in internal/invalidation.
type (
	// FacilityStore looks up reference facilities. Both methods return ErrFacilityNotFound
	// (possibly wrapped) when no facility matches.
	FacilityStore interface {
		FindFacilityByID(ctx context.Context, id string) (*Facility, error)
		FindFacilityByCode(ctx context.Context, code string) (*Facility, error)
	}

	// CodeCatalog answers which of the given diagnosis codes exist. Callers bound the size
	// of codes; see CodeValidator.
	CodeCatalog interface {
		ExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error)
	}

	// Ledger records one entry per LedgerKey.
	//
	// Begin inserts a processing entry for key, or returns the existing entry with
	// duplicate=true when the key is already present. Concurrent calls with the same key must
	// yield exactly one non-duplicate result.
	Ledger interface {
		Begin(ctx context.Context, key LedgerKey, payload PayloadSummary) (entry *LedgerEntry, duplicate bool, err error)
		Complete(ctx context.Context, id uuid.UUID, results []EventResult) error
		Fail(ctx context.Context, id uuid.UUID, message string, results []EventResult) error
		Get(ctx context.Context, id uuid.UUID) (*LedgerEntry, error)
		List(ctx context.Context, filter LedgerFilter) ([]*LedgerEntry, error)
	}

	// PeriodWriter upserts normalized records into table in a single transaction, overwriting
	// the value columns of rows whose natural key already exists.
	PeriodWriter interface {
		UpsertPeriodRecords(ctx context.Context, table PeriodTable, records []PeriodRecord) error
	}

	// FactWriter appends one batch of fact rows to the columnar store.
	FactWriter interface {
		InsertVisitFacts(ctx context.Context, facts []VisitFact) error
		InsertDiagnosisFacts(ctx context.Context, facts []DiagnosisFact) error
	}

	// Invalidator tells read-side caches that a facility's data for a cluster changed.
	Invalidator interface {
		Publish(ctx context.Context, signal InvalidationSignal) error
	}
)
