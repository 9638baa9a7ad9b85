package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/sehatku-io/ingestor/internal/config"
	"github.com/sehatku-io/ingestor/internal/ingestion"
	"github.com/sehatku-io/ingestor/internal/signature"
	"github.com/sehatku-io/ingestor/internal/storage"
	"github.com/sehatku-io/ingestor/internal/telemetry"
)

const integrationSecret = "api-integration-secret"

type discardFacts struct{}

func (discardFacts) InsertVisitFacts(context.Context, []ingestion.VisitFact) error { return nil }

func (discardFacts) InsertDiagnosisFacts(context.Context, []ingestion.DiagnosisFact) error {
	return nil
}

type recordingInvalidator struct {
	mu      sync.Mutex
	signals []ingestion.InvalidationSignal
}

func (r *recordingInvalidator) Publish(_ context.Context, signal ingestion.InvalidationSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.signals = append(r.signals, signal)

	return nil
}

func (r *recordingInvalidator) published() []ingestion.InvalidationSignal {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]ingestion.InvalidationSignal(nil), r.signals...)
}

func TestIngestionHTTP_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &storage.Connection{DB: testDB.Connection}

	refs, err := storage.NewReferenceStore(conn)
	require.NoError(t, err)
	require.NoError(t, refs.UpsertFacility(ctx, &ingestion.Facility{ID: "F1", Code: "PKM-0001", Name: "Puskesmas Satu"}))

	ledger, err := storage.NewLedgerStore(conn)
	require.NoError(t, err)

	periods, err := storage.NewPeriodStore(conn)
	require.NoError(t, err)

	metrics := telemetry.NewMetrics()
	invalidator := &recordingInvalidator{}

	pipeline, err := ingestion.NewPipeline(ingestion.DefaultConfig(integrationSecret), ingestion.Dependencies{
		Facilities:  refs,
		Codes:       refs,
		Ledger:      ledger,
		Periods:     periods,
		Facts:       discardFacts{},
		Invalidator: invalidator,
		Recorder:    metrics,
	})
	require.NoError(t, err)

	server, err := NewServer(testServerConfig(), Dependencies{
		Ingester:     pipeline,
		Ledger:       ledger,
		HealthChecks: []HealthCheck{{Name: "postgres", Check: conn.HealthCheck}},
		Metrics:      metrics.Handler(),
		Closers:      []io.Closer{ledger},
		Logger:       slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	post := func(path string, body []byte, sig string) *http.Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpServer.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(signature.HeaderName, sig)

		resp, err := httpServer.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		return resp
	}

	body := []byte(`{"batchId":"2025-06","facilityId":"F1","month":6,"year":2025,` +
		`"staffing":[{"category":"Bidan","jumlah":7,"target":10},{"category":"Perawat","jumlah":12,"target":12}]}`)

	t.Run("bad signature", func(t *testing.T) {
		resp := post("/api/v1/ingest/resource", body, signature.Sign("wrong-secret", body))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	var first ClusterResponse

	t.Run("cluster ingest", func(t *testing.T) {
		resp := post("/api/v1/ingest/resource", body, "sha256="+signature.Sign(integrationSecret, body))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))

		assert.True(t, first.Success)
		assert.False(t, first.Duplicate)
		require.NotNil(t, first.Summary)
		assert.Equal(t, 2, first.Summary.NormalizedRows)

		signals := invalidator.published()
		require.Len(t, signals, 1)
		assert.Equal(t, "F1", signals[0].FacilityID)
		assert.Equal(t, ingestion.EventResource, signals[0].Cluster)
	})

	t.Run("replay is a duplicate", func(t *testing.T) {
		resp := post("/api/v1/ingest/resource", body, signature.Sign(integrationSecret, body))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var replay ClusterResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&replay))
		assert.True(t, replay.Duplicate)
		assert.Equal(t, first.IngestionID, replay.IngestionID)
		assert.Len(t, invalidator.published(), 1, "duplicates do not invalidate again")
	})

	t.Run("ledger lookup", func(t *testing.T) {
		resp, err := httpServer.Client().Get(httpServer.URL + "/api/v1/ingest/ledger/" + first.IngestionID.String())
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var entry ingestion.LedgerEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
		assert.Equal(t, ingestion.StatusProcessed, entry.Status)
		assert.Equal(t, "resource", entry.EventType)

		resp, err = httpServer.Client().Get(httpServer.URL + "/api/v1/ingest/ledger?facilityId=F1")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		var list LedgerListResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		assert.Equal(t, 1, list.Count)
	})

	t.Run("unknown facility", func(t *testing.T) {
		unknown := []byte(`{"batchId":"b","facilityId":"F404","events":[{"type":"resource","month":6,"year":2025,` +
			`"staffing":[{"category":"Bidan","jumlah":1,"target":1}]}]}`)

		resp := post("/api/v1/ingest/batch", unknown, signature.Sign(integrationSecret, unknown))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("probes and metrics", func(t *testing.T) {
		resp, err := httpServer.Client().Get(httpServer.URL + "/ready")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = httpServer.Client().Get(httpServer.URL + "/metrics")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		scrape, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(scrape), `ingestor_batches_total{duplicate="true",partition="resource",status="processed"} 1`)
	})

	server.closeDependencies()
}
