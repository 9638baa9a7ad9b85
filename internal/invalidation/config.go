// Package invalidation publishes cache invalidation signals after ingestion writes rows. The
// dashboard's read cache subscribes; this package only emits.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sehatku-io/ingestor/internal/config"
)

// Driver selects the transport signals are published on.
type Driver string

const (
	DriverKafka Driver = "kafka"
	DriverRedis Driver = "redis"
	DriverNone  Driver = "none"
)

const (
	defaultKafkaTopic     = "ingestor.cache-invalidation"
	defaultRedisChannel   = "ingestor:cache-invalidation"
	defaultPublishTimeout = 5 * time.Second
)

var (
	// ErrUnknownDriver is returned for an INGESTOR_INVALIDATION_DRIVER outside kafka, redis and none.
	ErrUnknownDriver = errors.New("unknown invalidation driver")

	// ErrKafkaBrokersEmpty is returned when the kafka driver has no brokers.
	ErrKafkaBrokersEmpty = errors.New("kafka brokers cannot be empty")

	// ErrRedisURLEmpty is returned when the redis driver has no URL.
	ErrRedisURLEmpty = errors.New("redis URL cannot be empty")

	// ErrInvalidPublishTimeout is returned for a non-positive publish timeout.
	ErrInvalidPublishTimeout = errors.New("publish timeout must be greater than zero")
)

// Config selects and configures the invalidation transport.
type Config struct {
	Driver         Driver
	KafkaBrokers   []string
	KafkaTopic     string
	redisURL       string
	RedisChannel   string
	PublishTimeout time.Duration
}

// LoadConfig loads invalidation settings from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Driver:         Driver(strings.ToLower(config.GetEnvStr("INGESTOR_INVALIDATION_DRIVER", string(DriverNone)))),
		KafkaBrokers:   config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		KafkaTopic:     config.GetEnvStr("KAFKA_INVALIDATION_TOPIC", defaultKafkaTopic),
		redisURL:       config.GetEnvStr("REDIS_URL", ""),
		RedisChannel:   config.GetEnvStr("REDIS_INVALIDATION_CHANNEL", defaultRedisChannel),
		PublishTimeout: config.GetEnvDuration("INGESTOR_INVALIDATION_TIMEOUT", defaultPublishTimeout),
	}
}

// NewKafkaConfig returns a kafka driver configuration with defaults.
func NewKafkaConfig(brokers []string, topic string) *Config {
	return &Config{
		Driver:         DriverKafka,
		KafkaBrokers:   brokers,
		KafkaTopic:     topic,
		RedisChannel:   defaultRedisChannel,
		PublishTimeout: defaultPublishTimeout,
	}
}

// NewRedisConfig returns a redis driver configuration with defaults.
func NewRedisConfig(redisURL, channel string) *Config {
	return &Config{
		Driver:         DriverRedis,
		KafkaTopic:     defaultKafkaTopic,
		redisURL:       redisURL,
		RedisChannel:   channel,
		PublishTimeout: defaultPublishTimeout,
	}
}

// Validate checks that the selected driver has what it needs.
func (c *Config) Validate() error {
	if c.PublishTimeout <= 0 {
		return ErrInvalidPublishTimeout
	}

	switch c.Driver {
	case DriverNone:
		return nil
	case DriverKafka:
		if len(c.KafkaBrokers) == 0 {
			return ErrKafkaBrokersEmpty
		}
	case DriverRedis:
		if strings.TrimSpace(c.redisURL) == "" {
			return ErrRedisURLEmpty
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Driver)
	}

	return nil
}

// String returns the config with credentials masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Driver: %s, KafkaBrokers: %v, KafkaTopic: %s, RedisURL: %s, RedisChannel: %s, "+
		"PublishTimeout: %s}",
		c.Driver, c.KafkaBrokers, c.KafkaTopic, config.MaskURL(c.redisURL), c.RedisChannel, c.PublishTimeout)
}
