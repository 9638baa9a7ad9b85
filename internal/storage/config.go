// Package storage implements the ingestion stores on PostgreSQL: facility and diagnosis code
// reference lookups, the ingestion ledger and the normalized period tables.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sehatku-io/ingestor/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	defaultLedgerReapInterval = 5 * time.Minute
	defaultLedgerStaleAfter   = 30 * time.Minute
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrStaleAfterTooShort indicates the reaper could fail entries a live request still holds.
	ErrStaleAfterTooShort = errors.New("ledger stale-after must exceed the request timeout")
)

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""), // private so it never lands in a log by accident
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// NewConfig returns a configuration for databaseURL with the default pool settings.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	return config.MaskURL(c.databaseURL)
}

// LedgerConfig configures the stale entry reaper of the ingestion ledger.
type LedgerConfig struct {
	ReapInterval time.Duration
	StaleAfter   time.Duration
}

// LoadLedgerConfig loads the reaper configuration from environment variables with fallback to
// defaults.
func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		ReapInterval: config.GetEnvDuration("INGESTOR_LEDGER_REAP_INTERVAL", defaultLedgerReapInterval),
		StaleAfter:   config.GetEnvDuration("INGESTOR_LEDGER_STALE_AFTER", defaultLedgerStaleAfter),
	}
}

// Validate checks the reaper configuration against requestTimeout, the longest an ingestion
// request may hold an entry in processing.
func (c *LedgerConfig) Validate(requestTimeout time.Duration) error {
	if c.ReapInterval <= 0 {
		return ErrInvalidReapInterval
	}

	if c.StaleAfter <= requestTimeout {
		return fmt.Errorf("%w: stale-after %s, request timeout %s", ErrStaleAfterTooShort, c.StaleAfter, requestTimeout)
	}

	return nil
}

// Options returns the LedgerStore options enabling the reaper.
func (c *LedgerConfig) Options() []LedgerStoreOption {
	return []LedgerStoreOption{WithStaleReaper(c.ReapInterval, c.StaleAfter)}
}
