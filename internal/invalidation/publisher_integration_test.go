package invalidation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/sehatku-io/ingestor/internal/config"
	"github.com/sehatku-io/ingestor/internal/ingestion"
)

func TestRedisPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testRedis := config.SetupTestRedis(ctx, t)

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(testRedis.Container)
	})

	publisher, err := NewRedisPublisher(NewRedisConfig(testRedis.URL, "invalidations"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	require.NoError(t, publisher.Ping(ctx))

	opts, err := redis.ParseURL(testRedis.URL)
	require.NoError(t, err)

	subscriber := redis.NewClient(opts)
	t.Cleanup(func() { _ = subscriber.Close() })

	sub := subscriber.Subscribe(ctx, "invalidations")
	t.Cleanup(func() { _ = sub.Close() })

	_, err = sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	signal := testSignal()
	require.NoError(t, publisher.Publish(ctx, signal))
	require.NoError(t, publisher.Publish(ctx, signal))

	receiveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msg, err := sub.ReceiveMessage(receiveCtx)
	require.NoError(t, err)

	var got ingestion.InvalidationSignal
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, signal, got)

	version, err := subscriber.Get(ctx, VersionKey("F1", ingestion.EventResource)).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestKafkaPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testKafka := config.SetupTestKafka(ctx, t)

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(testKafka.Container)
	})

	const topic = "cache-invalidation-test"

	cfg := NewKafkaConfig(testKafka.Brokers, topic)
	cfg.PublishTimeout = 30 * time.Second

	publisher := NewKafkaPublisher(cfg)
	t.Cleanup(func() { _ = publisher.Close() })

	signal := testSignal()

	// The first write may race topic auto-creation.
	require.Eventually(t, func() bool {
		return publisher.Publish(ctx, signal) == nil
	}, 60*time.Second, time.Second)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   testKafka.Brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1 << 20,
	})
	t.Cleanup(func() { _ = reader.Close() })

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)
	assert.Equal(t, "F1", string(msg.Key))

	var got ingestion.InvalidationSignal
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, signal, got)
}
