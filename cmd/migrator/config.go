package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sehatku-io/ingestor/internal/config"
)

var (
	// ErrDatabaseURLEmpty is returned when DATABASE_URL is not set.
	ErrDatabaseURLEmpty = errors.New("DATABASE_URL cannot be empty")

	// ErrMigrationTableEmpty is returned when MIGRATION_TABLE is set to blank.
	ErrMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationTable is the name of the table that tracks applied migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables and validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if strings.TrimSpace(c.MigrationTable) == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String returns a log-safe representation with the database password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		config.MaskURL(c.DatabaseURL), c.MigrationTable)
}
