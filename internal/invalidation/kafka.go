package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sehatku-io/ingestor/internal/ingestion"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per signal, keyed by facility id so that signals for a
// facility stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a synchronous kafka writer for cfg.KafkaTopic.
func NewKafkaPublisher(cfg *Config) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			Topic:                  cfg.KafkaTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		timeout: cfg.PublishTimeout,
	}
}

// Publish implements ingestion.Invalidator.
func (p *KafkaPublisher) Publish(ctx context.Context, signal ingestion.InvalidationSignal) error {
	payload, err := encode(signal)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(signal.FacilityID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "cluster", Value: []byte(signal.Cluster)},
		},
		Time: signal.At,
	})
	if err != nil {
		return fmt.Errorf("failed to publish invalidation to kafka: %w", err)
	}

	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
