package ingestion

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateVisits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	date := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	visits := []VisitRecord{
		{ServiceCategory: "umum", UnitType: UnitOutpatient, Gender: "L", AgeBucket: "25-29", DiagnosisCodes: []string{"I10", "J06"}},
		{ServiceCategory: "umum", UnitType: UnitOutpatient, Gender: "L", AgeBucket: "25-29", DiagnosisCodes: []string{"I10"}},
		{ServiceCategory: "umum", UnitType: UnitOutpatient, Gender: "P", AgeBucket: "25-29", DiagnosisCodes: []string{"J06", "I10"}},
		{ServiceCategory: "gigi", UnitType: UnitOutpatient, Gender: "L", AgeBucket: "5-9"},
	}

	visitFacts, diagnosisFacts := AggregateVisits("F1", date, visits)

	require.Len(t, visitFacts, 3)
	assert.Equal(t, "gigi", visitFacts[0].ServiceCategory)
	assert.Equal(t, VisitFact{
		FacilityID: "F1", Date: date, ServiceCategory: "umum", UnitType: UnitOutpatient,
		Gender: "L", AgeBucket: "25-29", VisitCount: 2, UniquePatients: 2,
	}, visitFacts[1])

	got := make([]string, len(diagnosisFacts))
	for i, f := range diagnosisFacts {
		got[i] = fmt.Sprintf("%s/%s/%s=%d", f.Code, f.Role, f.Gender, f.CaseCount)
	}

	assert.Equal(t, []string{
		"I10/primary/L=2",
		"I10/secondary/P=1",
		"J06/primary/P=1",
		"J06/secondary/L=1",
	}, got)
}

func TestAggregateVisits_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	date := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	visits := make([]VisitRecord, 0, 50)

	for i := 0; i < 50; i++ {
		visits = append(visits, VisitRecord{
			ServiceCategory: fmt.Sprintf("svc-%d", i%7),
			UnitType:        UnitEmergency,
			Gender:          []string{"L", "P"}[i%2],
			AgeBucket:       AgeBucketForAge(i),
			DiagnosisCodes:  []string{fmt.Sprintf("C%02d", i%5)},
		})
	}

	first, firstDx := AggregateVisits("F1", date, visits)

	for i := 0; i < 5; i++ {
		again, againDx := AggregateVisits("F1", date, visits)
		assert.Equal(t, first, again)
		assert.Equal(t, firstDx, againDx)
	}
}

func TestAggregateDailyDiagnoses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	lines := []DailyDiagnosisLine{
		{Date: "2025-06-01", Code: "A09", Gender: "L", AgeBucket: "0-4", Role: RolePrimary, Cases: 2},
		{Date: "2025-06-01", Code: "A09", Gender: "L", AgeBucket: "0-4", Role: RolePrimary, Cases: 3},
		{Date: "2025-06-01", Code: "A09", Gender: "L", AgeBucket: "0-4", Role: RoleSecondary, Cases: 1},
		{Date: "2025-06-02", Code: "I10", Gender: "P", AgeBucket: "70+", Role: RolePrimary, Cases: 0},
	}

	facts, err := AggregateDailyDiagnoses("F1", lines)
	require.NoError(t, err)

	require.Len(t, facts, 2)
	assert.Equal(t, uint32(5), facts[0].CaseCount)
	assert.Equal(t, RolePrimary, facts[0].Role)
	assert.Equal(t, uint32(1), facts[1].CaseCount)
	assert.Equal(t, RoleSecondary, facts[1].Role)
}

func TestCodeValidator(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("chunks lookups", func(t *testing.T) {
		catalog := newFakeCatalog("A", "B", "C", "D", "E")
		v := NewCodeValidator(catalog, 2)

		require.NoError(t, v.Validate(context.Background(), []string{"A", "B", "C", "D", "E"}))
		assert.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}, catalog.calls)
	})

	t.Run("reports unknown codes in order", func(t *testing.T) {
		v := NewCodeValidator(newFakeCatalog("I10"), 0)

		err := v.Validate(context.Background(), []string{"Z99", "I10", "X01"})

		var unknown *UnknownCodesError

		require.ErrorAs(t, err, &unknown)
		require.ErrorIs(t, err, ErrUnknownCodes)
		assert.Equal(t, []string{"Z99", "X01"}, unknown.Codes)
	})

	t.Run("catalog failure", func(t *testing.T) {
		catalog := newFakeCatalog("A")
		catalog.failOn = 2

		err := NewCodeValidator(catalog, 1).Validate(context.Background(), []string{"A", "B"})

		require.ErrorIs(t, err, errStoreDown)
		assert.NotErrorIs(t, err, ErrUnknownCodes)
	})

	t.Run("no codes", func(t *testing.T) {
		catalog := newFakeCatalog()

		require.NoError(t, NewCodeValidator(catalog, 10).Validate(context.Background(), nil))
		assert.Empty(t, catalog.calls)
	})
}

type upperAliaser map[string]string

func (a upperAliaser) Resolve(code string) string {
	if canonical, ok := a[code]; ok {
		return canonical
	}

	return code
}

func TestFacilityResolver(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeFacilities(
		&Facility{ID: "F1", Code: "PKM-0001"},
		&Facility{ID: "F2", Code: "PKM-0002"},
	)
	r := NewFacilityResolver(store, upperAliaser{"OLD-1": "PKM-0001"})

	tests := []struct {
		name    string
		batch   Batch
		wantID  string
		wantErr error
	}{
		{name: "by id", batch: Batch{FacilityID: "F2"}, wantID: "F2"},
		{name: "by code", batch: Batch{FacilityCode: "PKM-0002"}, wantID: "F2"},
		{name: "by alias", batch: Batch{FacilityCode: "OLD-1"}, wantID: "F1"},
		{name: "id wins when both match", batch: Batch{FacilityID: "F1", FacilityCode: "OLD-1"}, wantID: "F1"},
		{name: "mismatched code", batch: Batch{FacilityID: "F1", FacilityCode: "PKM-0002"}, wantErr: ErrValidation},
		{name: "unknown id", batch: Batch{FacilityID: "F9"}, wantErr: ErrFacilityNotFound},
		{name: "unknown code", batch: Batch{FacilityCode: "PKM-9999"}, wantErr: ErrFacilityNotFound},
		{name: "neither", batch: Batch{}, wantErr: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facility, err := r.Resolve(context.Background(), &tt.batch)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, facility.ID)
		})
	}
}

func TestIdempotencyGuard_Settle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ledger := newFakeLedger()
	guard := NewIdempotencyGuard(ledger, 40)
	key := LedgerKey{Partition: BatchPartition, FacilityID: "F1", BatchID: "b"}

	entry, duplicate, err := guard.Claim(context.Background(), key, PayloadSummary{})
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, StatusProcessing, entry.Status)

	again, duplicate, err := guard.Claim(context.Background(), key, PayloadSummary{})
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, entry.ID, again.ID)
	assert.Equal(t, StatusProcessing, again.Status)

	results := []EventResult{
		{Type: EventResource, OK: true},
		{Type: EventVisit, Error: strings.Repeat("x", 100)},
	}

	status, err := guard.Settle(context.Background(), entry.ID, results)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	stored, err := ledger.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, len([]rune(stored.ErrorMessage)))
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "events[1] (visit): xxx"))
	assert.True(t, strings.HasSuffix(stored.ErrorMessage, "…"))

	_, err = guard.Settle(context.Background(), entry.ID, nil)
	require.ErrorIs(t, err, ErrLedger)
	require.ErrorIs(t, err, ErrTerminalStateImmutable)
}

func TestValidateTransition(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		from, to LedgerStatus
		wantErr  error
	}{
		{from: StatusProcessing, to: StatusProcessed},
		{from: StatusProcessing, to: StatusFailed},
		{from: StatusProcessed, to: StatusProcessed},
		{from: StatusFailed, to: StatusFailed},
		{from: StatusProcessed, to: StatusFailed, wantErr: ErrTerminalStateImmutable},
		{from: StatusFailed, to: StatusProcessing, wantErr: ErrTerminalStateImmutable},
		{from: StatusProcessing, to: StatusProcessing, wantErr: ErrInvalidTransition},
		{from: "queued", to: StatusProcessed, wantErr: ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.from, tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTruncateMessage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "short", TruncateMessage("  short ", 500))
	assert.Equal(t, "abcd…", TruncateMessage("abcdefgh", 5))
	assert.Equal(t, "ééé…", TruncateMessage(strings.Repeat("é", 10), 4))

	long := TruncateMessage(strings.Repeat("a", 600), 500)
	assert.Equal(t, 500, len([]rune(long)))
}

func TestLedgerFilter_NormalizedLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, DefaultLedgerListLimit, LedgerFilter{}.NormalizedLimit())
	assert.Equal(t, 10, LedgerFilter{Limit: 10}.NormalizedLimit())
	assert.Equal(t, MaxLedgerListLimit, LedgerFilter{Limit: 10_000}.NormalizedLimit())
}

func TestProject(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("daily service", func(t *testing.T) {
		proj, err := Project("F1", &DailyServiceEvent{
			Triage:    []TriageDay{{Date: "2025-06-01", Red: 1, Yellow: 2, Green: 3, Black: 0}},
			Inpatient: []InpatientDay{{Date: "2025-06-01", Admissions: 4, Discharges: 3, BedDays: 20, OccupiedBeds: 18}},
		})
		require.NoError(t, err)

		require.Len(t, proj.Tables, 2)
		assert.Equal(t, TriageTable.Name, proj.Tables[0].Table.Name)
		assert.Equal(t, []any{"F1", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), 1, 2, 3, 0},
			proj.Tables[0].Records[0].Args())
		assert.Equal(t, InpatientTable.Name, proj.Tables[1].Table.Name)
	})

	t.Run("screening risk factors keyed by gender", func(t *testing.T) {
		proj, err := Project("F1", &ScreeningEvent{
			Period:      Period{Month: 3, Year: 2025},
			RiskFactors: []RiskFactorLine{{Category: "Merokok", Gender: "L", Count: 12}},
		})
		require.NoError(t, err)

		require.Len(t, proj.Tables, 1)
		assert.Equal(t, []any{"F1", "Merokok", "L", 3, 2025}, proj.Tables[0].Records[0].Key)
		assert.Len(t, RiskFactorTable.Columns(), 6)
	})

	t.Run("diagnosis", func(t *testing.T) {
		proj, err := Project("F1", &DiagnosisEvent{
			Period:       Period{Month: 6, Year: 2025},
			TopDiagnoses: []TopDiagnosisLine{{Rank: 1, Code: "I10", Cases: 40}},
			DailyDiagnoses: []DailyDiagnosisLine{
				{Date: "2025-06-01", Code: "I10", Gender: "L", AgeBucket: "50-54", Role: RolePrimary, Cases: 2},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, []any{"F1", 6, 2025, 1, "I10", 40}, proj.Tables[0].Records[0].Args())
		require.Len(t, proj.DiagnosisFacts, 1)
		assert.False(t, proj.Empty())
	})

	t.Run("top diagnoses are written in rank order", func(t *testing.T) {
		proj, err := Project("F1", &DiagnosisEvent{
			Period: Period{Month: 6, Year: 2025},
			TopDiagnoses: []TopDiagnosisLine{
				{Rank: 3, Code: "A09", Cases: 5},
				{Rank: 1, Code: "I10", Cases: 40},
				{Rank: 2, Code: "J06", Cases: 12},
			},
		})
		require.NoError(t, err)

		require.Len(t, proj.Tables, 1)

		ranks := make([]any, 0, 3)
		for _, r := range proj.Tables[0].Records {
			ranks = append(ranks, r.Key[3])
		}

		assert.Equal(t, []any{1, 2, 3}, ranks)
		assert.Equal(t, []string{"facility_id", "month", "year"}, TopDiagnosisTable.ScopeColumns())
		assert.Equal(t, []string{"facility_id", "month", "year", "rank"}, TopDiagnosisTable.KeyColumns)
	})

	t.Run("every table has matching columns", func(t *testing.T) {
		for _, table := range PeriodTables() {
			assert.NotEmpty(t, table.KeyColumns, table.Name)
			assert.NotEmpty(t, table.ValueColumns, table.Name)
			assert.Equal(t, "facility_id", table.KeyColumns[0], table.Name)
		}
	})
}

func TestDiagnosisCodes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	codes := DiagnosisCodes(&DiagnosisEvent{
		TopDiagnoses:   []TopDiagnosisLine{{Code: "J06"}, {Code: "I10"}},
		DailyDiagnoses: []DailyDiagnosisLine{{Code: "I10"}, {Code: "A09"}},
	})

	assert.Equal(t, []string{"J06", "I10", "A09"}, codes)
	assert.Empty(t, DiagnosisCodes(&ResourceEvent{}))
}
