package ingestion

import (
	"fmt"

	"github.com/sehatku-io/ingestor/internal/config"
)

const defaultMaxErrorMessageLength = 500

// Config holds pipeline settings. The webhook secret is passed in explicitly rather than read
// from a global so tests and multiple pipelines can run side by side.
type Config struct {
	Secret                string
	NormalizedChunkSize   int
	FactChunkSize         int
	CodeLookupChunkSize   int
	MaxErrorMessageLength int
}

// DefaultConfig returns the production chunking with the given secret.
func DefaultConfig(secret string) *Config {
	return &Config{
		Secret:                secret,
		NormalizedChunkSize:   DefaultNormalizedChunkSize,
		FactChunkSize:         DefaultFactChunkSize,
		CodeLookupChunkSize:   DefaultCodeLookupChunkSize,
		MaxErrorMessageLength: defaultMaxErrorMessageLength,
	}
}

// LoadConfig loads pipeline settings from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Secret:                config.GetEnvStr("INGESTOR_WEBHOOK_SECRET", ""),
		NormalizedChunkSize:   config.GetEnvInt("INGESTOR_NORMALIZED_CHUNK_SIZE", DefaultNormalizedChunkSize),
		FactChunkSize:         config.GetEnvInt("INGESTOR_FACT_CHUNK_SIZE", DefaultFactChunkSize),
		CodeLookupChunkSize:   config.GetEnvInt("INGESTOR_CODE_LOOKUP_CHUNK_SIZE", DefaultCodeLookupChunkSize),
		MaxErrorMessageLength: config.GetEnvInt("INGESTOR_MAX_ERROR_MESSAGE_LENGTH", defaultMaxErrorMessageLength),
	}
}

// Validate checks the chunk sizes. An empty secret is allowed: every signed request is then
// rejected.
func (c *Config) Validate() error {
	switch {
	case c.NormalizedChunkSize <= 0:
		return fmt.Errorf("%w: normalized chunk size must be positive, got %d", ErrInvalidConfig, c.NormalizedChunkSize)
	case c.FactChunkSize <= 0:
		return fmt.Errorf("%w: fact chunk size must be positive, got %d", ErrInvalidConfig, c.FactChunkSize)
	case c.CodeLookupChunkSize <= 0:
		return fmt.Errorf("%w: code lookup chunk size must be positive, got %d", ErrInvalidConfig, c.CodeLookupChunkSize)
	case c.MaxErrorMessageLength <= 0:
		return fmt.Errorf("%w: max error message length must be positive, got %d", ErrInvalidConfig, c.MaxErrorMessageLength)
	}

	return nil
}

// String returns the config safe for logging.
func (c *Config) String() string {
	secret := "<unset>"
	if c.Secret != "" {
		secret = "***"
	}

	return fmt.Sprintf("Config{Secret: %s, NormalizedChunkSize: %d, FactChunkSize: %d, CodeLookupChunkSize: %d, "+
		"MaxErrorMessageLength: %d}",
		secret, c.NormalizedChunkSize, c.FactChunkSize, c.CodeLookupChunkSize, c.MaxErrorMessageLength)
}
