// Package analytics writes pre-aggregated visit and diagnosis facts to ClickHouse.
package analytics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sehatku-io/ingestor/internal/config"
)

const (
	defaultAddr         = "localhost:9000"
	defaultDatabase     = "default"
	defaultUsername     = "default"
	defaultDialTimeout  = 10 * time.Second
	defaultMaxOpenConns = 10
)

var (
	// ErrAddrEmpty is returned when no ClickHouse address is configured.
	ErrAddrEmpty = errors.New("clickhouse address cannot be empty")

	// ErrDatabaseEmpty is returned when no ClickHouse database is configured.
	ErrDatabaseEmpty = errors.New("clickhouse database cannot be empty")
)

// Config holds ClickHouse native protocol settings.
type Config struct {
	Addrs        []string
	Database     string
	Username     string
	password     string
	DialTimeout  time.Duration
	MaxOpenConns int
}

// LoadConfig loads ClickHouse settings from environment variables with fallback to defaults.
// CLICKHOUSE_ADDR accepts a comma-separated list of host:port pairs.
func LoadConfig() *Config {
	return &Config{
		Addrs:        config.ParseCommaSeparatedList(config.GetEnvStr("CLICKHOUSE_ADDR", defaultAddr)),
		Database:     config.GetEnvStr("CLICKHOUSE_DATABASE", defaultDatabase),
		Username:     config.GetEnvStr("CLICKHOUSE_USERNAME", defaultUsername),
		password:     config.GetEnvStr("CLICKHOUSE_PASSWORD", ""),
		DialTimeout:  config.GetEnvDuration("CLICKHOUSE_DIAL_TIMEOUT", defaultDialTimeout),
		MaxOpenConns: config.GetEnvInt("CLICKHOUSE_MAX_OPEN_CONNS", defaultMaxOpenConns),
	}
}

// NewConfig returns a configuration for one server with default timeouts.
func NewConfig(addr, database, username, password string) *Config {
	return &Config{
		Addrs:        []string{addr},
		Database:     database,
		Username:     username,
		password:     password,
		DialTimeout:  defaultDialTimeout,
		MaxOpenConns: defaultMaxOpenConns,
	}
}

// Validate checks if the ClickHouse configuration is valid.
func (c *Config) Validate() error {
	if len(c.Addrs) == 0 || strings.TrimSpace(c.Addrs[0]) == "" {
		return ErrAddrEmpty
	}

	if strings.TrimSpace(c.Database) == "" {
		return ErrDatabaseEmpty
	}

	return nil
}

// String returns the config with the password masked.
func (c *Config) String() string {
	password := ""
	if c.password != "" {
		password = "***"
	}

	return fmt.Sprintf("Config{Addrs: %v, Database: %s, Username: %s, Password: %s, DialTimeout: %s, MaxOpenConns: %d}",
		c.Addrs, c.Database, c.Username, password, c.DialTimeout, c.MaxOpenConns)
}
