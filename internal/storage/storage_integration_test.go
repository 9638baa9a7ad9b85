package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/sehatku-io/ingestor/internal/config"
	"github.com/sehatku-io/ingestor/internal/ingestion"
	"github.com/sehatku-io/ingestor/internal/signature"
)

const integrationSecret = "integration-secret"

type discardFacts struct {
	visits, diagnoses int
}

func (d *discardFacts) InsertVisitFacts(_ context.Context, facts []ingestion.VisitFact) error {
	d.visits += len(facts)

	return nil
}

func (d *discardFacts) InsertDiagnosisFacts(_ context.Context, facts []ingestion.DiagnosisFact) error {
	d.diagnoses += len(facts)

	return nil
}

// setupTestConnection starts a migrated database seeded with facility F1 and a few codes.
func setupTestConnection(t *testing.T) *Connection {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{DB: testDB.Connection}

	refs, err := NewReferenceStore(conn)
	require.NoError(t, err)

	require.NoError(t, refs.UpsertFacility(ctx, &ingestion.Facility{ID: "F1", Code: "PKM-0001", Name: "Puskesmas Satu"}))

	for _, code := range []string{"I10", "J06", "E11"} {
		require.NoError(t, refs.UpsertDiagnosisCode(ctx, code, ""))
	}

	return conn
}

func countRows(t *testing.T, conn *Connection, table string) int {
	t.Helper()

	var n int

	require.NoError(t, conn.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))

	return n
}

func staffingRecords(n int) []ingestion.PeriodRecord {
	records := make([]ingestion.PeriodRecord, n)
	for i := range records {
		records[i] = ingestion.PeriodRecord{
			Key:    []any{"F1", fmt.Sprintf("category-%03d", i), 6, 2025},
			Values: []any{i, 10},
		}
	}

	return records
}

func TestReferenceStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(t)

	refs, err := NewReferenceStore(conn)
	require.NoError(t, err)

	t.Run("facility by id and code", func(t *testing.T) {
		byID, err := refs.FindFacilityByID(ctx, "F1")
		require.NoError(t, err)
		assert.Equal(t, "PKM-0001", byID.Code)

		byCode, err := refs.FindFacilityByCode(ctx, "PKM-0001")
		require.NoError(t, err)
		assert.Equal(t, "F1", byCode.ID)
	})

	t.Run("unknown facility", func(t *testing.T) {
		_, err := refs.FindFacilityByID(ctx, "F404")
		require.ErrorIs(t, err, ingestion.ErrFacilityNotFound)

		_, err = refs.FindFacilityByCode(ctx, "PKM-404")
		require.ErrorIs(t, err, ingestion.ErrFacilityNotFound)
	})

	t.Run("existing codes", func(t *testing.T) {
		found, err := refs.ExistingCodes(ctx, []string{"I10", "Z99", "E11"})
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"I10": {}, "E11": {}}, found)

		empty, err := refs.ExistingCodes(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestLedgerStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(t)

	ledger, err := NewLedgerStore(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	payload := ingestion.PayloadSummary{Events: []ingestion.PayloadEvent{{Type: ingestion.EventResource, Records: 3}}}

	t.Run("begin then duplicate", func(t *testing.T) {
		key := ingestion.LedgerKey{Partition: ingestion.BatchPartition, FacilityID: "F1", BatchID: "dup-1"}

		first, duplicate, err := ledger.Begin(ctx, key, payload)
		require.NoError(t, err)
		assert.False(t, duplicate)
		assert.Equal(t, ingestion.StatusProcessing, first.Status)

		results := []ingestion.EventResult{{
			Type: ingestion.EventResource, OK: true,
			Summary: &ingestion.EventSummary{NormalizedRows: 3, Tables: map[string]int{"staffing_period": 3}},
		}}
		require.NoError(t, ledger.Complete(ctx, first.ID, results))

		second, duplicate, err := ledger.Begin(ctx, key, payload)
		require.NoError(t, err)
		assert.True(t, duplicate)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, ingestion.StatusProcessed, second.Status)
		assert.Equal(t, results, second.Results)
		assert.Equal(t, payload, second.Payload)
		assert.NotNil(t, second.ProcessedAt)
	})

	t.Run("same batch id in another partition is a new entry", func(t *testing.T) {
		_, duplicate, err := ledger.Begin(ctx,
			ingestion.LedgerKey{Partition: "resource", FacilityID: "F1", BatchID: "dup-1"}, payload)
		require.NoError(t, err)
		assert.False(t, duplicate)
	})

	t.Run("concurrent begin yields exactly one owner", func(t *testing.T) {
		const workers = 10

		key := ingestion.LedgerKey{Partition: ingestion.BatchPartition, FacilityID: "F1", BatchID: "race-1"}

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			owners int
			ids    = make(map[string]struct{})
		)

		for range workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				entry, duplicate, err := ledger.Begin(ctx, key, payload)
				assert.NoError(t, err)

				if err != nil {
					return
				}

				mu.Lock()
				defer mu.Unlock()

				if !duplicate {
					owners++
				}

				ids[entry.ID.String()] = struct{}{}
			}()
		}

		wg.Wait()

		assert.Equal(t, 1, owners)
		assert.Len(t, ids, 1)
	})

	t.Run("fail stores message and terminal state is immutable", func(t *testing.T) {
		entry, _, err := ledger.Begin(ctx,
			ingestion.LedgerKey{Partition: ingestion.BatchPartition, FacilityID: "F1", BatchID: "fail-1"}, payload)
		require.NoError(t, err)

		results := []ingestion.EventResult{{Type: ingestion.EventVisit, Error: "unknown diagnosis codes: Z99"}}
		require.NoError(t, ledger.Fail(ctx, entry.ID, "events[0] (visit): unknown diagnosis codes: Z99", results))

		got, err := ledger.Get(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, ingestion.StatusFailed, got.Status)
		assert.Equal(t, "events[0] (visit): unknown diagnosis codes: Z99", got.ErrorMessage)

		err = ledger.Complete(ctx, entry.ID, nil)
		require.ErrorIs(t, err, ErrLedgerEntryNotProcessing)
		require.ErrorIs(t, err, ingestion.ErrTerminalStateImmutable)

		err = ledger.Fail(ctx, entry.ID, "again", nil)
		require.ErrorIs(t, err, ErrLedgerEntryNotProcessing)
		assert.NotErrorIs(t, err, ingestion.ErrTerminalStateImmutable)

		got, err = ledger.Get(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, "events[0] (visit): unknown diagnosis codes: Z99", got.ErrorMessage)
	})

	t.Run("get unknown id", func(t *testing.T) {
		_, err := ledger.Get(ctx, uuid.New())
		require.ErrorIs(t, err, ingestion.ErrLedgerEntryNotFound)

		err = ledger.Complete(ctx, uuid.New(), nil)
		require.ErrorIs(t, err, ingestion.ErrLedgerEntryNotFound)
	})

	t.Run("list filters and orders newest first", func(t *testing.T) {
		all, err := ledger.List(ctx, ingestion.LedgerFilter{FacilityID: "F1"})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(all), 4)

		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
		}

		failed, err := ledger.List(ctx, ingestion.LedgerFilter{Status: ingestion.StatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "fail-1", failed[0].BatchID)

		byBatch, err := ledger.List(ctx, ingestion.LedgerFilter{BatchID: "dup-1", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, byBatch, 1)
	})

	t.Run("reap stale processing entries", func(t *testing.T) {
		entry, _, err := ledger.Begin(ctx,
			ingestion.LedgerKey{Partition: ingestion.BatchPartition, FacilityID: "F1", BatchID: "stale-1"}, payload)
		require.NoError(t, err)

		_, err = conn.ExecContext(ctx,
			`UPDATE ingestion_ledger SET created_at = NOW() - INTERVAL '2 hours' WHERE id = $1`, entry.ID)
		require.NoError(t, err)

		reaped, err := ledger.ReapStale(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), reaped)

		got, err := ledger.Get(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, ingestion.StatusFailed, got.Status)
		assert.Equal(t, AbandonedMessage, got.ErrorMessage)
	})
}

func TestPeriodStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(t)

	periods, err := NewPeriodStore(conn)
	require.NoError(t, err)

	t.Run("upsert overwrites values on the natural key", func(t *testing.T) {
		record := ingestion.PeriodRecord{Key: []any{"F1", "Bidan", 6, 2025}, Values: []any{7, 10}}
		require.NoError(t, periods.UpsertPeriodRecords(ctx, ingestion.StaffingTable, []ingestion.PeriodRecord{record}))

		record.Values = []any{9, 10}
		require.NoError(t, periods.UpsertPeriodRecords(ctx, ingestion.StaffingTable, []ingestion.PeriodRecord{record}))

		var jumlah int

		require.NoError(t, conn.QueryRowContext(ctx,
			`SELECT jumlah FROM staffing_period WHERE facility_id = 'F1' AND category = 'Bidan' AND month = 6 AND year = 2025`,
		).Scan(&jumlah))
		assert.Equal(t, 9, jumlah)
	})

	t.Run("daily and decimal columns", func(t *testing.T) {
		day := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

		require.NoError(t, periods.UpsertPeriodRecords(ctx, ingestion.LabTable,
			[]ingestion.PeriodRecord{{Key: []any{"F1", day}, Values: []any{40, 3}}}))
		require.NoError(t, periods.UpsertPeriodRecords(ctx, ingestion.FinanceTable,
			[]ingestion.PeriodRecord{{Key: []any{"F1", "Obat", 6, 2025}, Values: []any{1500000.5, 250000.25}}}))

		assert.Equal(t, 1, countRows(t, conn, "lab_daily"))
		assert.Equal(t, 1, countRows(t, conn, "finance_period"))
	})

	t.Run("a shorter ranking replaces the previous one", func(t *testing.T) {
		top := func(n int) []ingestion.PeriodRecord {
			records := make([]ingestion.PeriodRecord, n)
			for i := range records {
				records[i] = ingestion.PeriodRecord{
					Key:    []any{"F1", 5, 2025, i + 1},
					Values: []any{"I10", 100 - i},
				}
			}

			return records
		}

		require.NoError(t, periods.UpsertPeriodRecords(ctx, ingestion.TopDiagnosisTable, top(10)))
		require.NoError(t, periods.UpsertPeriodRecords(ctx, ingestion.TopDiagnosisTable,
			[]ingestion.PeriodRecord{{Key: []any{"F1", 6, 2025, 1}, Values: []any{"J06", 30}}}))
		require.NoError(t, periods.UpsertPeriodRecords(ctx, ingestion.TopDiagnosisTable, top(3)))

		var ranks, topRank int

		require.NoError(t, conn.QueryRowContext(ctx,
			`SELECT COUNT(*), MAX(rank) FROM top_diagnosis_period WHERE facility_id = 'F1' AND month = 5 AND year = 2025`,
		).Scan(&ranks, &topRank))
		assert.Equal(t, 3, ranks)
		assert.Equal(t, 3, topRank)

		// Other periods keep their ranking.
		assert.Equal(t, 4, countRows(t, conn, "top_diagnosis_period"))
	})

	t.Run("a failing record rolls back its whole call", func(t *testing.T) {
		records := staffingRecords(3)
		records[2].Values = []any{-1, 10}

		before := countRows(t, conn, "staffing_period")
		err := periods.UpsertPeriodRecords(ctx, ingestion.StaffingTable, records)
		require.Error(t, err)
		assert.Equal(t, before, countRows(t, conn, "staffing_period"))
	})
}

func TestWriter_ChunkFailureKeepsCommittedChunks_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(t)

	periods, err := NewPeriodStore(conn)
	require.NoError(t, err)

	records := staffingRecords(450)
	records[420].Values = []any{-1, 10} // violates the jumlah CHECK in the third chunk

	writer := ingestion.NewWriter(periods, &discardFacts{}, 200, 10000, nil)
	summary, err := writer.Write(ctx, &ingestion.Projection{
		Tables: []ingestion.TableRecords{{Table: ingestion.StaffingTable, Records: records}},
	})

	require.ErrorIs(t, err, ingestion.ErrPersistence)
	assert.Contains(t, err.Error(), "staffing_period chunk 3/3")
	assert.Equal(t, 400, summary.NormalizedRows)
	assert.Equal(t, 400, countRows(t, conn, "staffing_period"))
}

func TestPipeline_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(t)

	refs, err := NewReferenceStore(conn)
	require.NoError(t, err)

	ledger, err := NewLedgerStore(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	periods, err := NewPeriodStore(conn)
	require.NoError(t, err)

	facts := &discardFacts{}

	pipeline, err := ingestion.NewPipeline(ingestion.DefaultConfig(integrationSecret), ingestion.Dependencies{
		Facilities: refs,
		Codes:      refs,
		Ledger:     ledger,
		Periods:    periods,
		Facts:      facts,
	})
	require.NoError(t, err)

	body := []byte(`{
		"batchId": "2025-06-03",
		"facilityCode": "PKM-0001",
		"events": [
			{"type": "resource", "month": 6, "year": 2025,
			 "staffing": [{"category": "Bidan", "jumlah": 7, "target": 10}]},
			{"type": "visit", "date": "2025-06-03",
			 "visits": [{"serviceCategory": "umum", "unitType": "rawat_jalan", "gender": "L", "age": 40,
			             "diagnosisCodes": ["Z99"]}]},
			{"type": "daily_service",
			 "lab": [{"date": "2025-06-03", "tests": 40, "abnormal": 3}]}
		]
	}`)
	sig := signature.Sign(integrationSecret, body)

	outcome, err := pipeline.IngestBatch(ctx, body, sig)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, ingestion.StatusFailed, outcome.Status)
	require.Len(t, outcome.Results, 3)
	assert.True(t, outcome.Results[0].OK)
	assert.False(t, outcome.Results[1].OK)
	assert.Contains(t, outcome.Results[1].Error, "Z99")
	assert.True(t, outcome.Results[2].OK)

	assert.Equal(t, 1, countRows(t, conn, "staffing_period"))
	assert.Equal(t, 1, countRows(t, conn, "lab_daily"))
	assert.Zero(t, facts.visits)

	entry, err := ledger.Get(ctx, outcome.IngestionID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "events[1] (visit)")

	replay, err := pipeline.IngestBatch(ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, outcome.IngestionID, replay.IngestionID)
	assert.Equal(t, outcome.Results, replay.Results)
	assert.Equal(t, 1, countRows(t, conn, "staffing_period"))
}
