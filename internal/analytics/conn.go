package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Open connects to ClickHouse over the native protocol and pings it.
func Open(ctx context.Context, cfg *Config) (driver.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.password,
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to ping clickhouse at %v: %w", cfg.Addrs, err)
	}

	return conn, nil
}

// EnsureSchema creates the fact tables when they do not exist.
//
// Both tables use SummingMergeTree over their dimensional key: rows appended for the same key
// by different ingestions are summed when parts merge, and readers aggregate with sum().
func EnsureSchema(ctx context.Context, conn driver.Conn) error {
	for _, ddl := range []string{visitFactsDDL, diagnosisFactsDDL} {
		if err := conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create fact table: %w", err)
		}
	}

	return nil
}

const (
	visitFactsDDL = `
CREATE TABLE IF NOT EXISTS visit_facts (
    facility_id      LowCardinality(String),
    date             Date,
    service_category LowCardinality(String),
    unit_type        LowCardinality(String),
    gender           LowCardinality(String),
    age_bucket       LowCardinality(String),
    visit_count      UInt32,
    unique_patients  UInt32,
    ingested_at      DateTime DEFAULT now()
) ENGINE = SummingMergeTree((visit_count, unique_patients))
PARTITION BY toYYYYMM(date)
ORDER BY (facility_id, date, service_category, unit_type, gender, age_bucket)`

	diagnosisFactsDDL = `
CREATE TABLE IF NOT EXISTS diagnosis_facts (
    facility_id     LowCardinality(String),
    date            Date,
    code            LowCardinality(String),
    gender          LowCardinality(String),
    age_bucket      LowCardinality(String),
    role            LowCardinality(String),
    case_count      UInt32,
    unique_patients UInt32,
    ingested_at     DateTime DEFAULT now()
) ENGINE = SummingMergeTree((case_count, unique_patients))
PARTITION BY toYYYYMM(date)
ORDER BY (facility_id, date, code, gender, age_bucket, role)`
)
