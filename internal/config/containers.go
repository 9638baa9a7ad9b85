package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type (
	// TestClickHouse holds a running ClickHouse container and its native protocol address.
	TestClickHouse struct {
		Container *clickhouse.ClickHouseContainer
		Addr      string
		Database  string
		Username  string
		Password  string
	}

	// TestKafka holds a running single-node Kafka container and its bootstrap brokers.
	TestKafka struct {
		Container *kafka.KafkaContainer
		Brokers   []string
	}

	// TestRedis holds a running Redis container and its redis:// connection URL.
	TestRedis struct {
		Container *tcredis.RedisContainer
		URL       string
	}
)

// SetupTestClickHouse starts a ClickHouse server container.
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestClickHouse(ctx context.Context, t *testing.T) *TestClickHouse {
	t.Helper()

	const (
		database = "ingestor_test"
		username = "test"
		password = "test"
	)

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.8-alpine",
		clickhouse.WithDatabase(database),
		clickhouse.WithUsername(username),
		clickhouse.WithPassword(password),
	)
	require.NoError(t, err, "Failed to start clickhouse container")

	addr, err := container.ConnectionHost(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("Failed to get clickhouse address: %v", err)
	}

	return &TestClickHouse{
		Container: container,
		Addr:      addr,
		Database:  database,
		Username:  username,
		Password:  password,
	}
}

// SetupTestKafka starts a single-node KRaft Kafka container.
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestKafka(ctx context.Context, t *testing.T) *TestKafka {
	t.Helper()

	container, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("ingestor-test"),
	)
	require.NoError(t, err, "Failed to start kafka container")

	brokers, err := container.Brokers(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("Failed to get kafka brokers: %v", err)
	}

	return &TestKafka{Container: container, Brokers: brokers}
}

// SetupTestRedis starts a Redis container.
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestRedis(ctx context.Context, t *testing.T) *TestRedis {
	t.Helper()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "Failed to start redis container")

	url, err := container.ConnectionString(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("Failed to get redis connection string: %v", err)
	}

	return &TestRedis{Container: container, URL: url}
}
