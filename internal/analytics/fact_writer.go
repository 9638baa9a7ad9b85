package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sehatku-io/ingestor/internal/ingestion"
)

// ErrNoConnection is returned when a FactWriter is created without a connection.
var ErrNoConnection = errors.New("clickhouse connection is nil")

var _ ingestion.FactWriter = (*FactWriter)(nil)

const (
	insertVisitFacts = `INSERT INTO visit_facts (
		facility_id, date, service_category, unit_type, gender, age_bucket, visit_count, unique_patients
	)`
	insertDiagnosisFacts = `INSERT INTO diagnosis_facts (
		facility_id, date, code, gender, age_bucket, role, case_count, unique_patients
	)`
)

type (
	// appender is the part of driver.Batch a FactWriter uses.
	appender interface {
		Append(v ...any) error
		Send() error
		Abort() error
	}

	prepareFunc func(ctx context.Context, query string) (appender, error)

	// FactWriter implements ingestion.FactWriter with one ClickHouse batch per call. Batches
	// are not transactional; a failed Send may have written nothing or everything.
	FactWriter struct {
		prepare prepareFunc
		inserts *prometheus.CounterVec
		logger  *slog.Logger
	}

	// FactWriterOption configures optional FactWriter behavior.
	FactWriterOption func(*FactWriter)
)

// WithInsertCounter counts insert attempts, errors and successes per table. The counter must
// have the labels (table, status).
func WithInsertCounter(counter *prometheus.CounterVec) FactWriterOption {
	return func(w *FactWriter) {
		w.inserts = counter
	}
}

// WithLogger sets the logger used for insert failures.
func WithLogger(logger *slog.Logger) FactWriterOption {
	return func(w *FactWriter) {
		w.logger = logger
	}
}

// NewFactWriter creates a FactWriter on conn.
func NewFactWriter(conn driver.Conn, opts ...FactWriterOption) (*FactWriter, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}

	return newFactWriter(func(ctx context.Context, query string) (appender, error) {
		return conn.PrepareBatch(ctx, query)
	}, opts...), nil
}

func newFactWriter(prepare prepareFunc, opts ...FactWriterOption) *FactWriter {
	w := &FactWriter{prepare: prepare, logger: slog.Default()}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// InsertVisitFacts implements ingestion.FactWriter.
func (w *FactWriter) InsertVisitFacts(ctx context.Context, facts []ingestion.VisitFact) error {
	return insert(ctx, w, ingestion.VisitFactsTable, insertVisitFacts, facts, func(f ingestion.VisitFact) []any {
		return []any{
			f.FacilityID, f.Date, f.ServiceCategory, f.UnitType, f.Gender, f.AgeBucket, f.VisitCount, f.UniquePatients,
		}
	})
}

// InsertDiagnosisFacts implements ingestion.FactWriter.
func (w *FactWriter) InsertDiagnosisFacts(ctx context.Context, facts []ingestion.DiagnosisFact) error {
	return insert(ctx, w, ingestion.DiagnosisFactsTable, insertDiagnosisFacts, facts, func(f ingestion.DiagnosisFact) []any {
		return []any{
			f.FacilityID, f.Date, f.Code, f.Gender, f.AgeBucket, f.Role, f.CaseCount, f.UniquePatients,
		}
	})
}

func insert[T any](
	ctx context.Context,
	w *FactWriter,
	table, query string,
	rows []T,
	values func(T) []any,
) error {
	if len(rows) == 0 {
		return nil
	}

	w.count(table, "attempt")

	batch, err := w.prepare(ctx, query)
	if err != nil {
		return w.failed(table, "prepare", err)
	}

	for i, row := range rows {
		if err := batch.Append(values(row)...); err != nil {
			_ = batch.Abort()

			return w.failed(table, fmt.Sprintf("append row %d", i), err)
		}
	}

	if err := batch.Send(); err != nil {
		return w.failed(table, "send", err)
	}

	w.count(table, "success")

	return nil
}

func (w *FactWriter) failed(table, op string, err error) error {
	w.count(table, "error")
	w.logger.Error("ClickHouse insert failed",
		slog.String("table", table),
		slog.String("op", op),
		slog.String("error", err.Error()))

	return fmt.Errorf("%s %s: %w", table, op, err)
}

func (w *FactWriter) count(table, status string) {
	if w.inserts != nil {
		w.inserts.WithLabelValues(table, status).Inc()
	}
}
