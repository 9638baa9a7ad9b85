package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sehatku-io/ingestor/internal/ingestion"
)

// versionKeyPrefix prefixes the per facility and cluster version counter. Readers that miss a
// pub/sub message can compare the counter against the version they cached.
const versionKeyPrefix = "ingestor:cache-version:"

// RedisPublisher bumps a version counter and publishes the signal on a channel, in one
// MULTI/EXEC round trip.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher parses cfg's redis URL and creates a client.
func NewRedisPublisher(cfg *Config) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return &RedisPublisher{
		client:  redis.NewClient(opts),
		channel: cfg.RedisChannel,
		timeout: cfg.PublishTimeout,
	}, nil
}

// VersionKey returns the counter key for a facility and cluster.
func VersionKey(facilityID string, cluster ingestion.EventType) string {
	return versionKeyPrefix + facilityID + ":" + string(cluster)
}

// Publish implements ingestion.Invalidator.
func (p *RedisPublisher) Publish(ctx context.Context, signal ingestion.InvalidationSignal) error {
	payload, err := encode(signal)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, VersionKey(signal.FacilityID, signal.Cluster))
		pipe.Publish(ctx, p.channel, payload)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish invalidation to redis: %w", err)
	}

	return nil
}

// Ping checks the redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
