package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/sehatku-io/ingestor/internal/ingestion"
)

// ErrUnknownPeriodTable is returned for a table that is not one of ingestion.PeriodTables.
var ErrUnknownPeriodTable = errors.New("unknown period table")

var _ ingestion.PeriodWriter = (*PeriodStore)(nil)

// PeriodStore upserts normalized period records. Each UpsertPeriodRecords call runs in one
// transaction: either every record of the call lands or none does. For ranked tables the same
// transaction removes rows ranked above the call's highest rank.
type PeriodStore struct {
	conn    *Connection
	allowed map[string]struct{}

	mu         sync.RWMutex
	statements map[string]string
}

// NewPeriodStore creates a PeriodStore accepting the tables of ingestion.PeriodTables.
func NewPeriodStore(conn *Connection) (*PeriodStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	allowed := make(map[string]struct{})
	for _, t := range ingestion.PeriodTables() {
		allowed[t.Name] = struct{}{}
	}

	return &PeriodStore{
		conn:       conn,
		allowed:    allowed,
		statements: make(map[string]string),
	}, nil
}

// UpsertPeriodRecords implements ingestion.PeriodWriter.
func (s *PeriodStore) UpsertPeriodRecords(
	ctx context.Context,
	table ingestion.PeriodTable,
	records []ingestion.PeriodRecord,
) error {
	if len(records) == 0 {
		return nil
	}

	query, err := s.statement(table)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert for %s: %w", table.Name, err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	for i, record := range records {
		if _, err := stmt.ExecContext(ctx, record.Args()...); err != nil {
			return fmt.Errorf("failed to upsert %s record %d: %w", table.Name, i, err)
		}
	}

	if table.RankColumn != "" {
		if err := pruneRanks(ctx, tx, table, records); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s upsert: %w", table.Name, err)
	}

	return nil
}

// statement returns the cached upsert statement for table, building it on first use.
func (s *PeriodStore) statement(table ingestion.PeriodTable) (string, error) {
	if _, ok := s.allowed[table.Name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPeriodTable, table.Name)
	}

	s.mu.RLock()
	query, ok := s.statements[table.Name]
	s.mu.RUnlock()

	if ok {
		return query, nil
	}

	query = buildUpsert(table)

	s.mu.Lock()
	s.statements[table.Name] = query
	s.mu.Unlock()

	return query, nil
}

// buildUpsert renders
//
//	INSERT INTO t (k1, k2, v1) VALUES ($1, $2, $3)
//	ON CONFLICT (k1, k2) DO UPDATE SET v1 = EXCLUDED.v1, updated_at = NOW()
func buildUpsert(table ingestion.PeriodTable) string {
	columns := quoteAll(table.Columns())
	keys := quoteAll(table.KeyColumns)

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}

	updates := make([]string, 0, len(table.ValueColumns)+1)
	for _, col := range quoteAll(table.ValueColumns) {
		updates = append(updates, col+" = EXCLUDED."+col)
	}

	updates = append(updates, "updated_at = NOW()")

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		pq.QuoteIdentifier(table.Name),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(keys, ", "),
		strings.Join(updates, ", "),
	)
}

// pruneRanks deletes, per ranking in records, the rows ranked above the highest rank written.
func pruneRanks(ctx context.Context, tx *sql.Tx, table ingestion.PeriodTable, records []ingestion.PeriodRecord) error {
	rankAt := slices.Index(table.KeyColumns, table.RankColumn)
	if rankAt < 0 {
		return fmt.Errorf("%w: %s has no key column %q", ErrUnknownPeriodTable, table.Name, table.RankColumn)
	}

	type ranking struct {
		scope []any
		top   int
	}

	var order []string

	rankings := make(map[string]*ranking)

	for i, record := range records {
		rank, ok := record.Key[rankAt].(int)
		if !ok {
			return fmt.Errorf("%s record %d: rank %v is not an integer", table.Name, i, record.Key[rankAt])
		}

		scope := slices.Delete(slices.Clone(record.Key), rankAt, rankAt+1)
		id := fmt.Sprint(scope...)

		r, ok := rankings[id]
		if !ok {
			r = &ranking{scope: scope}
			rankings[id] = r
			order = append(order, id)
		}

		r.top = max(r.top, rank)
	}

	query := buildPrune(table)

	for _, id := range order {
		r := rankings[id]
		if _, err := tx.ExecContext(ctx, query, append(r.scope, r.top)...); err != nil {
			return fmt.Errorf("failed to prune %s ranks above %d: %w", table.Name, r.top, err)
		}
	}

	return nil
}

// buildPrune renders
//
//	DELETE FROM t WHERE k1 = $1 AND k2 = $2 AND rank > $3
func buildPrune(table ingestion.PeriodTable) string {
	scope := quoteAll(table.ScopeColumns())

	conds := make([]string, 0, len(scope)+1)
	for i, col := range scope {
		conds = append(conds, col+" = $"+strconv.Itoa(i+1))
	}

	conds = append(conds, pq.QuoteIdentifier(table.RankColumn)+" > $"+strconv.Itoa(len(scope)+1))

	return fmt.Sprintf("DELETE FROM %s WHERE %s", pq.QuoteIdentifier(table.Name), strings.Join(conds, " AND "))
}

func quoteAll(names []string) []string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = pq.QuoteIdentifier(name)
	}

	return quoted
}
