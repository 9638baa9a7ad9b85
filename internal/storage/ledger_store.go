package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sehatku-io/ingestor/internal/config"
	"github.com/sehatku-io/ingestor/internal/ingestion"
)

var (
	// ErrLedgerEntryNotProcessing is returned when Complete or Fail targets an entry that already
	// left the processing status.
	ErrLedgerEntryNotProcessing = errors.New("ledger entry is not processing")

	// ErrInvalidReapInterval is returned when the stale entry reaper is configured with a
	// non-positive interval or age.
	ErrInvalidReapInterval = errors.New("reap interval and stale age must be greater than zero")

	_ ingestion.Ledger = (*LedgerStore)(nil)
)

const (
	reapQueryTimeout = 30 * time.Second
	shutdownTimeout  = 5 * time.Second

	// AbandonedMessage is stored on entries the reaper fails.
	AbandonedMessage = "abandoned: processing did not finish"

	ledgerColumns = `id, event_type, facility_id, batch_id, payload, status,
		COALESCE(error_message, ''), results, created_at, processed_at`
)

type (
	// LedgerStore implements ingestion.Ledger on the ingestion_ledger table.
	//
	// The unique constraint on (event_type, facility_id, batch_id) is the idempotency guard:
	// Begin inserts with ON CONFLICT DO NOTHING and falls back to reading the existing row.
	//
	// With WithStaleReaper, a background goroutine fails entries left in processing by a crashed
	// process so that retries report a terminal status.
	LedgerStore struct {
		conn         *Connection
		logger       *slog.Logger
		reapInterval time.Duration
		staleAfter   time.Duration
		reapStop     chan struct{}
		reapDone     chan struct{}
		closeOnce    sync.Once
	}

	// LedgerStoreOption configures optional LedgerStore behavior.
	LedgerStoreOption func(*LedgerStore)

	rowScanner interface {
		Scan(dest ...any) error
	}
)

// WithStaleReaper enables the background reaper. Every interval, entries that have been
// processing for longer than staleAfter are marked failed.
func WithStaleReaper(interval, staleAfter time.Duration) LedgerStoreOption {
	return func(s *LedgerStore) {
		s.reapInterval = interval
		s.staleAfter = staleAfter
	}
}

// WithLedgerLogger overrides the store logger.
func WithLedgerLogger(logger *slog.Logger) LedgerStoreOption {
	return func(s *LedgerStore) {
		s.logger = logger
	}
}

// NewLedgerStore creates a LedgerStore. The reaper goroutine starts only when configured and
// stops on Close.
func NewLedgerStore(conn *Connection, opts ...LedgerStoreOption) (*LedgerStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &LedgerStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("INGESTOR_LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(store)
	}

	if store.reapInterval == 0 && store.staleAfter == 0 {
		return store, nil
	}

	if store.reapInterval <= 0 || store.staleAfter <= 0 {
		return nil, ErrInvalidReapInterval
	}

	store.reapStop = make(chan struct{})
	store.reapDone = make(chan struct{})

	go store.runReaper()

	store.logger.Info("Started stale ledger reaper",
		slog.Duration("interval", store.reapInterval),
		slog.Duration("stale_after", store.staleAfter))

	return store, nil
}

// Close stops the reaper goroutine. It does not close the connection, which is owned by the
// caller. Safe to call multiple times.
func (s *LedgerStore) Close() error {
	s.closeOnce.Do(func() {
		if s.reapStop == nil {
			return
		}

		close(s.reapStop)

		select {
		case <-s.reapDone:
			s.logger.Info("Stale ledger reaper stopped gracefully")
		case <-time.After(shutdownTimeout):
			s.logger.Warn("Stale ledger reaper did not stop within timeout")
		}
	})

	return nil
}

// HealthCheck delegates to the connection.
func (s *LedgerStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Begin implements ingestion.Ledger.
//
// Concurrent calls with the same key race on the unique constraint; the loser observes no
// returned row and reads the winner's entry.
func (s *LedgerStore) Begin(
	ctx context.Context,
	key ingestion.LedgerKey,
	payload ingestion.PayloadSummary,
) (*ingestion.LedgerEntry, bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal payload summary: %w", err)
	}

	entry := &ingestion.LedgerEntry{
		ID:         uuid.New(),
		EventType:  key.Partition,
		FacilityID: key.FacilityID,
		BatchID:    key.BatchID,
		Status:     ingestion.StatusProcessing,
		Payload:    payload,
	}

	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO ingestion_ledger (id, event_type, facility_id, batch_id, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT ingestion_ledger_batch_key DO NOTHING
		RETURNING created_at`,
		entry.ID, key.Partition, key.FacilityID, key.BatchID, string(payloadJSON), ingestion.StatusProcessing.String(),
	).Scan(&entry.CreatedAt)

	switch {
	case err == nil:
		return entry, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, s.wrap("begin", err)
	}

	existing, err := s.scanEntry(s.conn.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ingestion_ledger
		WHERE event_type = $1 AND facility_id = $2 AND batch_id = $3`,
		key.Partition, key.FacilityID, key.BatchID))
	if err != nil {
		// The winning row is committed before the conflict is reported, so it must be visible.
		return nil, false, s.wrap("read existing", err)
	}

	return existing, true, nil
}

// Complete implements ingestion.Ledger.
func (s *LedgerStore) Complete(ctx context.Context, id uuid.UUID, results []ingestion.EventResult) error {
	return s.settle(ctx, id, ingestion.StatusProcessed, "", results)
}

// Fail implements ingestion.Ledger.
func (s *LedgerStore) Fail(ctx context.Context, id uuid.UUID, message string, results []ingestion.EventResult) error {
	return s.settle(ctx, id, ingestion.StatusFailed, message, results)
}

func (s *LedgerStore) settle(
	ctx context.Context,
	id uuid.UUID,
	status ingestion.LedgerStatus,
	message string,
	results []ingestion.EventResult,
) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal event results: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE ingestion_ledger
		SET status = $2, error_message = NULLIF($3, ''), results = $4, processed_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id, status.String(), message, string(resultsJSON))
	if err != nil {
		return s.wrap("settle", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return s.wrap("settle", err)
	}

	if affected == 0 {
		existing, err := s.Get(ctx, id)
		if err != nil {
			return err
		}

		if err := ingestion.ValidateTransition(existing.Status, status); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLedgerEntryNotProcessing, id, err)
		}

		return fmt.Errorf("%w: %s is already %s", ErrLedgerEntryNotProcessing, id, existing.Status)
	}

	return nil
}

// Get implements ingestion.Ledger.
func (s *LedgerStore) Get(ctx context.Context, id uuid.UUID) (*ingestion.LedgerEntry, error) {
	entry, err := s.scanEntry(s.conn.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ingestion_ledger WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrLedgerEntryNotFound, id)
	}

	if err != nil {
		return nil, s.wrap("get", err)
	}

	return entry, nil
}

// List implements ingestion.Ledger. Entries are returned newest first.
func (s *LedgerStore) List(ctx context.Context, filter ingestion.LedgerFilter) ([]*ingestion.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)

	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, column+" = $"+strconv.Itoa(len(args)))
	}

	if filter.FacilityID != "" {
		add("facility_id", filter.FacilityID)
	}

	if filter.BatchID != "" {
		add("batch_id", filter.BatchID)
	}

	if filter.Status != "" {
		add("status", filter.Status.String())
	}

	query := `SELECT ` + ledgerColumns + ` FROM ingestion_ledger`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	args = append(args, filter.NormalizedLimit())
	query += ` ORDER BY created_at DESC, id LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("list", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	entries := make([]*ingestion.LedgerEntry, 0)

	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			return nil, s.wrap("list", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrap("list", err)
	}

	return entries, nil
}

// ReapStale fails entries that have been processing for longer than staleAfter and returns how
// many were updated.
func (s *LedgerStore) ReapStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE ingestion_ledger
		SET status = 'failed', error_message = $1, processed_at = NOW()
		WHERE status = 'processing' AND created_at < NOW() - make_interval(secs => $2)`,
		AbandonedMessage, staleAfter.Seconds())
	if err != nil {
		return 0, s.wrap("reap", err)
	}

	return res.RowsAffected()
}

func (s *LedgerStore) runReaper() {
	defer close(s.reapDone)

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), reapQueryTimeout)
			reaped, err := s.ReapStale(ctx, s.staleAfter)

			cancel()

			switch {
			case err != nil:
				s.logger.Error("Failed to reap stale ledger entries", slog.String("error", err.Error()))
			case reaped > 0:
				s.logger.Warn("Reaped stale ledger entries", slog.Int64("count", reaped))
			}
		case <-s.reapStop:
			return
		}
	}
}

func (s *LedgerStore) scanEntry(row rowScanner) (*ingestion.LedgerEntry, error) {
	var (
		entry       ingestion.LedgerEntry
		status      string
		payload     []byte
		results     []byte
		processedAt sql.NullTime
	)

	err := row.Scan(
		&entry.ID, &entry.EventType, &entry.FacilityID, &entry.BatchID, &payload, &status,
		&entry.ErrorMessage, &results, &entry.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Status = ingestion.LedgerStatus(status)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload summary: %w", err)
		}
	}

	if len(results) > 0 {
		if err := json.Unmarshal(results, &entry.Results); err != nil {
			return nil, fmt.Errorf("failed to decode event results: %w", err)
		}
	}

	if processedAt.Valid {
		t := processedAt.Time
		entry.ProcessedAt = &t
	}

	return &entry, nil
}

func (s *LedgerStore) wrap(op string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("Ledger database unavailable", slog.String("op", op), slog.String("error", err.Error()))
	}

	return fmt.Errorf("ledger %s: %w", op, err)
}
