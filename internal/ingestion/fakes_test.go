package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sehatku-io/ingestor/internal/signature"
)

const testSecret = "test-secret"

var errStoreDown = errors.New("store down")

type fakeFacilities struct {
	byID map[string]*Facility
}

func newFakeFacilities(facilities ...*Facility) *fakeFacilities {
	f := &fakeFacilities{byID: make(map[string]*Facility)}
	for _, facility := range facilities {
		f.byID[facility.ID] = facility
	}

	return f
}

func (f *fakeFacilities) FindFacilityByID(_ context.Context, id string) (*Facility, error) {
	if facility, ok := f.byID[id]; ok {
		return facility, nil
	}

	return nil, ErrFacilityNotFound
}

func (f *fakeFacilities) FindFacilityByCode(_ context.Context, code string) (*Facility, error) {
	for _, facility := range f.byID {
		if facility.Code == code {
			return facility, nil
		}
	}

	return nil, ErrFacilityNotFound
}

type fakeCatalog struct {
	mu     sync.Mutex
	codes  map[string]struct{}
	calls  [][]string
	failOn int
}

func newFakeCatalog(codes ...string) *fakeCatalog {
	c := &fakeCatalog{codes: make(map[string]struct{})}
	for _, code := range codes {
		c.codes[code] = struct{}{}
	}

	return c
}

func (c *fakeCatalog) ExistingCodes(_ context.Context, codes []string) (map[string]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, append([]string(nil), codes...))

	if c.failOn > 0 && len(c.calls) == c.failOn {
		return nil, errStoreDown
	}

	found := make(map[string]struct{})

	for _, code := range codes {
		if _, ok := c.codes[code]; ok {
			found[code] = struct{}{}
		}
	}

	return found, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	entries   map[LedgerKey]*LedgerEntry
	byID      map[uuid.UUID]*LedgerEntry
	beginErr  error
	settleErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entries: make(map[LedgerKey]*LedgerEntry),
		byID:    make(map[uuid.UUID]*LedgerEntry),
	}
}

func (l *fakeLedger) Begin(_ context.Context, key LedgerKey, payload PayloadSummary) (*LedgerEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.beginErr != nil {
		return nil, false, l.beginErr
	}

	if existing, ok := l.entries[key]; ok {
		clone := *existing

		return &clone, true, nil
	}

	entry := &LedgerEntry{
		ID:         uuid.New(),
		EventType:  key.Partition,
		FacilityID: key.FacilityID,
		BatchID:    key.BatchID,
		Status:     StatusProcessing,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}

	l.entries[key] = entry
	l.byID[entry.ID] = entry

	clone := *entry

	return &clone, false, nil
}

func (l *fakeLedger) settle(id uuid.UUID, status LedgerStatus, message string, results []EventResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.settleErr != nil {
		return l.settleErr
	}

	entry, ok := l.byID[id]
	if !ok {
		return ErrLedgerEntryNotFound
	}

	if err := ValidateTransition(entry.Status, status); err != nil {
		return err
	}

	now := time.Now()
	entry.Status = status
	entry.ErrorMessage = message
	entry.Results = results
	entry.ProcessedAt = &now

	return nil
}

func (l *fakeLedger) Complete(_ context.Context, id uuid.UUID, results []EventResult) error {
	return l.settle(id, StatusProcessed, "", results)
}

func (l *fakeLedger) Fail(_ context.Context, id uuid.UUID, message string, results []EventResult) error {
	return l.settle(id, StatusFailed, message, results)
}

func (l *fakeLedger) Get(_ context.Context, id uuid.UUID) (*LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok {
		return nil, ErrLedgerEntryNotFound
	}

	clone := *entry

	return &clone, nil
}

func (l *fakeLedger) List(_ context.Context, filter LedgerFilter) ([]*LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*LedgerEntry, 0, len(l.byID))

	for _, entry := range l.byID {
		if filter.FacilityID != "" && entry.FacilityID != filter.FacilityID {
			continue
		}

		clone := *entry
		out = append(out, &clone)
	}

	return out, nil
}

// fakePeriods keeps rows per table keyed by their natural key, mimicking an upsert.
type fakePeriods struct {
	mu        sync.Mutex
	rows      map[string]map[string][]any
	calls     map[string][]int
	failTable string
	failCall  int
}

func newFakePeriods() *fakePeriods {
	return &fakePeriods{
		rows:  make(map[string]map[string][]any),
		calls: make(map[string][]int),
	}
}

func (p *fakePeriods) UpsertPeriodRecords(_ context.Context, table PeriodTable, records []PeriodRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[table.Name] = append(p.calls[table.Name], len(records))

	if table.Name == p.failTable && len(p.calls[table.Name]) == p.failCall {
		return errStoreDown
	}

	if p.rows[table.Name] == nil {
		p.rows[table.Name] = make(map[string][]any)
	}

	for _, r := range records {
		p.rows[table.Name][fmt.Sprint(r.Key...)] = r.Args()
	}

	return nil
}

func (p *fakePeriods) count(table string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.rows[table])
}

func (p *fakePeriods) row(table string, key ...any) []any {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rows[table][fmt.Sprint(key...)]
}

type fakeFacts struct {
	mu             sync.Mutex
	visits         []VisitFact
	diagnoses      []DiagnosisFact
	visitBatches   []int
	diagnosisCalls int
	err            error
}

func (f *fakeFacts) InsertVisitFacts(_ context.Context, facts []VisitFact) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.visitBatches = append(f.visitBatches, len(facts))
	f.visits = append(f.visits, facts...)

	return nil
}

func (f *fakeFacts) InsertDiagnosisFacts(_ context.Context, facts []DiagnosisFact) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.diagnosisCalls++
	f.diagnoses = append(f.diagnoses, facts...)

	return nil
}

type fakeInvalidator struct {
	mu      sync.Mutex
	signals []InvalidationSignal
	err     error
}

func (i *fakeInvalidator) Publish(_ context.Context, signal InvalidationSignal) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.signals = append(i.signals, signal)

	return i.err
}

type pipelineFixture struct {
	pipeline    *Pipeline
	facilities  *fakeFacilities
	catalog     *fakeCatalog
	ledger      *fakeLedger
	periods     *fakePeriods
	facts       *fakeFacts
	invalidator *fakeInvalidator
}

func newPipelineFixture(cfg *Config) (*pipelineFixture, error) {
	f := &pipelineFixture{
		facilities:  newFakeFacilities(&Facility{ID: "F1", Code: "PKM-0001", Name: "Puskesmas Satu"}),
		catalog:     newFakeCatalog("I10", "J06", "E11", "A09"),
		ledger:      newFakeLedger(),
		periods:     newFakePeriods(),
		facts:       &fakeFacts{},
		invalidator: &fakeInvalidator{},
	}

	if cfg == nil {
		cfg = DefaultConfig(testSecret)
	}

	pipeline, err := NewPipeline(cfg, Dependencies{
		Facilities:  f.facilities,
		Codes:       f.catalog,
		Ledger:      f.ledger,
		Periods:     f.periods,
		Facts:       f.facts,
		Invalidator: f.invalidator,
	})
	if err != nil {
		return nil, err
	}

	f.pipeline = pipeline

	return f, nil
}

func sign(body string) string {
	return signature.Sign(testSecret, []byte(body))
}
