// Package api provides the HTTP surface of the ingestor: signed ingestion endpoints, ledger
// lookups, probes and the metrics scrape.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sehatku-io/ingestor/internal/config"
)

const (
	defaultPort           int   = 8080
	maxPort               int   = 65535
	defaultHost                 = "0.0.0.0"
	defaultCORSMaxAge     int   = 86400
	defaultReadTimeout          = 30 * time.Second
	defaultWriteTimeout         = 120 * time.Second
	defaultShutdownTimeout      = 30 * time.Second
	defaultLogLevel             = slog.LevelInfo
	defaultMaxRequestSize int64 = 10 << 20
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

type (
	// ServerConfig holds HTTP server configuration. Runtime dependencies are passed to
	// NewServer separately.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		Version            string
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig implements middleware.CORSConfigProvider.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig loads server configuration from environment variables with fallback to defaults.
//
// The write timeout is longer than the read timeout because a large batch is processed
// synchronously before the response is written.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("INGESTOR_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("INGESTOR_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("INGESTOR_SERVER_READ_TIMEOUT", defaultReadTimeout),
		WriteTimeout:    config.GetEnvDuration("INGESTOR_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("INGESTOR_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		LogLevel:        config.GetEnvLogLevel("INGESTOR_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("INGESTOR_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		Version:         config.GetEnvStr("INGESTOR_VERSION", "dev"),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("INGESTOR_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("INGESTOR_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"INGESTOR_CORS_ALLOWED_HEADERS",
				"Content-Type,X-Signature,X-Source-System,X-Correlation-ID",
			),
		),
		CORSMaxAge: config.GetEnvInt("INGESTOR_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig extracts the CORS settings.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > maxPort:
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	case c.Host == "":
		return ErrEmptyHost
	case c.ReadTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	case c.MaxRequestSize <= 0:
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}
