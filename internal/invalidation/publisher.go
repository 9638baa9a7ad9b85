package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sehatku-io/ingestor/internal/ingestion"
)

// Publisher is an ingestion.Invalidator that owns a transport connection.
type Publisher interface {
	ingestion.Invalidator
	Close() error
}

// New builds the publisher selected by cfg.Driver.
func New(cfg *Config, logger *slog.Logger) (Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case DriverKafka:
		logger.Info("Publishing cache invalidation to kafka",
			slog.Any("brokers", cfg.KafkaBrokers), slog.String("topic", cfg.KafkaTopic))

		return NewKafkaPublisher(cfg), nil
	case DriverRedis:
		logger.Info("Publishing cache invalidation to redis", slog.String("channel", cfg.RedisChannel))

		publisher, err := NewRedisPublisher(cfg)
		if err != nil {
			return nil, err
		}

		return publisher, nil
	default:
		logger.Info("Cache invalidation disabled")

		return Nop{}, nil
	}
}

// Nop discards signals.
type Nop struct{}

// Publish implements ingestion.Invalidator.
func (Nop) Publish(context.Context, ingestion.InvalidationSignal) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

var _ Publisher = Nop{}

func encode(signal ingestion.InvalidationSignal) ([]byte, error) {
	payload, err := json.Marshal(signal)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invalidation signal: %w", err)
	}

	return payload, nil
}
