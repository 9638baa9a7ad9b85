package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/sehatku-io/ingestor/internal/ingestion"
)

var (
	_ ingestion.FacilityStore = (*ReferenceStore)(nil)
	_ ingestion.CodeCatalog   = (*ReferenceStore)(nil)
)

// ReferenceStore reads the facility and diagnosis code reference tables.
type ReferenceStore struct {
	conn *Connection
}

// NewReferenceStore creates a ReferenceStore.
func NewReferenceStore(conn *Connection) (*ReferenceStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ReferenceStore{conn: conn}, nil
}

// FindFacilityByID implements ingestion.FacilityStore.
func (s *ReferenceStore) FindFacilityByID(ctx context.Context, id string) (*ingestion.Facility, error) {
	return s.findFacility(ctx, `SELECT id, code, name FROM facilities WHERE id = $1`, id)
}

// FindFacilityByCode implements ingestion.FacilityStore.
func (s *ReferenceStore) FindFacilityByCode(ctx context.Context, code string) (*ingestion.Facility, error) {
	return s.findFacility(ctx, `SELECT id, code, name FROM facilities WHERE code = $1`, code)
}

func (s *ReferenceStore) findFacility(ctx context.Context, query, arg string) (*ingestion.Facility, error) {
	var f ingestion.Facility

	err := s.conn.QueryRowContext(ctx, query, arg).Scan(&f.ID, &f.Code, &f.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingestion.ErrFacilityNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query facility: %w", err)
	}

	return &f, nil
}

// ExistingCodes implements ingestion.CodeCatalog with a single ANY($1) lookup.
func (s *ReferenceStore) ExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(codes))
	if len(codes) == 0 {
		return found, nil
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT code FROM diagnosis_codes WHERE code = ANY($1)`, pq.Array(codes))
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnosis codes: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan diagnosis code: %w", err)
		}

		found[code] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate diagnosis codes: %w", err)
	}

	return found, nil
}

// UpsertFacility inserts or renames a reference facility. Used by seeding and tests.
func (s *ReferenceStore) UpsertFacility(ctx context.Context, f *ingestion.Facility) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO facilities (id, code, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name`,
		f.ID, f.Code, f.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert facility %s: %w", f.ID, err)
	}

	return nil
}

// UpsertDiagnosisCode inserts or updates a catalog code. Used by seeding and tests.
func (s *ReferenceStore) UpsertDiagnosisCode(ctx context.Context, code, description string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO diagnosis_codes (code, description) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET description = EXCLUDED.description`,
		code, description)
	if err != nil {
		return fmt.Errorf("failed to upsert diagnosis code %s: %w", code, err)
	}

	return nil
}
