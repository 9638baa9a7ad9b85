// Package telemetry exposes ingestion metrics in the Prometheus format.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sehatku-io/ingestor/internal/ingestion"
)

const namespace = "ingestor"

// Metrics holds the ingestor collectors on a dedicated registry. It implements
// ingestion.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	events        *prometheus.CounterVec
	eventRows     *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	chunkRows     *prometheus.CounterVec

	// ClickHouseInserts counts fact inserts by (table, status) where status is attempt, error
	// or success.
	ClickHouseInserts *prometheus.CounterVec

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited prometheus.Counter
}

var _ ingestion.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers every collector, including the Go runtime and process
// collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches handled by ledger partition, final status and whether they were duplicates.",
		}, []string{"partition", "status", "duplicate"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from facility resolution to ledger settlement.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"partition"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events processed by type and outcome.",
		}, []string{"type", "outcome"}),
		eventRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_rows_total",
			Help:      "Rows committed by event type.",
		}, []string{"type"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Persistence chunks by target table and outcome.",
		}, []string{"table", "outcome"}),
		chunkRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_rows_total",
			Help:      "Rows in committed persistence chunks by target table.",
		}, []string{"table"}),
		ClickHouseInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clickhouse_inserts_total",
			Help:      "ClickHouse batch inserts by table and status.",
		}, []string{"table", "status"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected with 429.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.batches, m.batchDuration, m.events, m.eventRows, m.chunks, m.chunkRows,
		m.ClickHouseInserts, m.RateLimited,
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBatch implements ingestion.Recorder.
func (m *Metrics) ObserveBatch(partition string, status ingestion.LedgerStatus, duplicate bool, elapsed time.Duration) {
	m.batches.WithLabelValues(partition, status.String(), strconv.FormatBool(duplicate)).Inc()

	if !duplicate {
		m.batchDuration.WithLabelValues(partition).Observe(elapsed.Seconds())
	}
}

// ObserveEvent implements ingestion.Recorder.
func (m *Metrics) ObserveEvent(eventType ingestion.EventType, ok bool, rows int) {
	m.events.WithLabelValues(eventType.String(), outcome(ok)).Inc()

	if rows > 0 {
		m.eventRows.WithLabelValues(eventType.String()).Add(float64(rows))
	}
}

// ObserveChunk implements ingestion.Recorder.
func (m *Metrics) ObserveChunk(table string, rows int, err error) {
	m.chunks.WithLabelValues(table, outcome(err == nil)).Inc()

	if err == nil {
		m.chunkRows.WithLabelValues(table).Add(float64(rows))
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}

	return "failed"
}
