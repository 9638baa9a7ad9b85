package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/sehatku-io/ingestor/internal/config"
)

// ErrInvalidRateLimit is returned by Config.Validate for non-positive rates.
var ErrInvalidRateLimit = errors.New("invalid rate limit")

// Config holds rate limiter configuration.
//
// Three token buckets apply to each request: the global bucket, then either the bucket of the
// named source system or the bucket of the anonymous client IP. Burst fields left at 0 are
// computed as 2 × rate.
type Config struct {
	GlobalRPS    int
	SourceRPS    int
	AnonymousRPS int

	GlobalBurst    int
	SourceBurst    int
	AnonymousBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxSources      int
}

// LoadConfig loads rate limiter settings from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:    config.GetEnvInt("INGESTOR_GLOBAL_RPS", defaultGlobalRPS),
		SourceRPS:    config.GetEnvInt("INGESTOR_SOURCE_RPS", defaultSourceRPS),
		AnonymousRPS: config.GetEnvInt("INGESTOR_ANONYMOUS_RPS", defaultAnonymousRPS),

		GlobalBurst:    config.GetEnvInt("INGESTOR_GLOBAL_BURST", 0),
		SourceBurst:    config.GetEnvInt("INGESTOR_SOURCE_BURST", 0),
		AnonymousBurst: config.GetEnvInt("INGESTOR_ANONYMOUS_BURST", 0),

		CleanupInterval: config.GetEnvDuration("INGESTOR_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("INGESTOR_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxSources:      config.GetEnvInt("INGESTOR_RATE_LIMIT_MAX_SOURCES", defaultMaxSources),
	}
}

// Validate checks that every rate is positive.
func (c *Config) Validate() error {
	switch {
	case c.GlobalRPS <= 0:
		return fmt.Errorf("%w: global rps must be positive, got %d", ErrInvalidRateLimit, c.GlobalRPS)
	case c.SourceRPS <= 0:
		return fmt.Errorf("%w: source rps must be positive, got %d", ErrInvalidRateLimit, c.SourceRPS)
	case c.AnonymousRPS <= 0:
		return fmt.Errorf("%w: anonymous rps must be positive, got %d", ErrInvalidRateLimit, c.AnonymousRPS)
	case c.MaxSources < 0:
		return fmt.Errorf("%w: max sources must not be negative, got %d", ErrInvalidRateLimit, c.MaxSources)
	}

	return nil
}
