// Package main provides the health facility ingestion service.
//
// The service accepts signed monthly batches from facility systems, writes normalized period
// records to PostgreSQL and aggregated facts to ClickHouse, and signals the dashboard cache.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sehatku-io/ingestor/internal/aliasing"
	"github.com/sehatku-io/ingestor/internal/analytics"
	"github.com/sehatku-io/ingestor/internal/api"
	"github.com/sehatku-io/ingestor/internal/api/middleware"
	"github.com/sehatku-io/ingestor/internal/ingestion"
	"github.com/sehatku-io/ingestor/internal/invalidation"
	"github.com/sehatku-io/ingestor/internal/storage"
	"github.com/sehatku-io/ingestor/internal/telemetry"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingestor"
)

const schemaTimeout = 30 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()
	if serverConfig.Version == "" || serverConfig.Version == "dev" {
		serverConfig.Version = version
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting ingestion service",
		slog.String("service", name),
		slog.String("version", serverConfig.Version),
	)

	if err := serverConfig.Validate(); err != nil {
		logger.Error("Invalid server configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.Int64("max_request_size", serverConfig.MaxRequestSize),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	pipelineConfig := ingestion.LoadConfig()
	if err := pipelineConfig.Validate(); err != nil {
		logger.Error("Invalid ingestion configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	middlewareConfig := middleware.LoadConfig()
	if err := middlewareConfig.Validate(); err != nil {
		logger.Error("Invalid rate limit configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Closed by the server on shutdown.
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("source_rps", middlewareConfig.SourceRPS),
		slog.Int("source_burst", middlewareConfig.SourceBurst),
		slog.Int("anonymous_rps", middlewareConfig.AnonymousRPS),
		slog.Int("anonymous_burst", middlewareConfig.AnonymousBurst),
		slog.Int("max_sources", middlewareConfig.MaxSources),
	)

	// Everything opened from here on is released in reverse order on a startup failure, and by
	// the server after a clean shutdown.
	var closers []io.Closer

	fail := func(msg string, err error) {
		logger.Error(msg, slog.String("error", err.Error()))

		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}

		os.Exit(1)
	}

	closers = append(closers, rateLimiter)

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		fail("Invalid storage configuration", err)
	}

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		fail("Failed to connect to database", err)
	}

	closers = append(closers, dbConn)

	logger.Info("Connected to PostgreSQL",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	referenceStore, err := storage.NewReferenceStore(dbConn)
	if err != nil {
		fail("Failed to create reference store", err)
	}

	periodStore, err := storage.NewPeriodStore(dbConn)
	if err != nil {
		fail("Failed to create period store", err)
	}

	// Requests hold ledger entries for at most WriteTimeout; the reaper must not fail them first.
	ledgerConfig := storage.LoadLedgerConfig()
	if err := ledgerConfig.Validate(serverConfig.WriteTimeout); err != nil {
		fail("Invalid ingestion ledger configuration", err)
	}

	ledgerStore, err := storage.NewLedgerStore(dbConn,
		append(ledgerConfig.Options(), storage.WithLedgerLogger(logger))...,
	)
	if err != nil {
		fail("Failed to create ingestion ledger", err)
	}

	closers = append(closers, ledgerStore)

	logger.Info("Ingestion ledger initialized",
		slog.Duration("reap_interval", ledgerConfig.ReapInterval),
		slog.Duration("stale_after", ledgerConfig.StaleAfter),
	)

	analyticsConfig := analytics.LoadConfig()
	if err := analyticsConfig.Validate(); err != nil {
		fail("Invalid ClickHouse configuration", err)
	}

	chConn, err := analytics.Open(context.Background(), analyticsConfig)
	if err != nil {
		fail("Failed to connect to ClickHouse", err)
	}

	closers = append(closers, chConn)

	schemaCtx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	err = analytics.EnsureSchema(schemaCtx, chConn)

	cancel()

	if err != nil {
		fail("Failed to prepare ClickHouse schema", err)
	}

	logger.Info("Connected to ClickHouse", slog.String("config", analyticsConfig.String()))

	metrics := telemetry.NewMetrics()

	factWriter, err := analytics.NewFactWriter(chConn,
		analytics.WithInsertCounter(metrics.ClickHouseInserts),
		analytics.WithLogger(logger),
	)
	if err != nil {
		fail("Failed to create fact writer", err)
	}

	publisher, err := invalidation.New(invalidation.LoadConfig(), logger)
	if err != nil {
		fail("Failed to create cache invalidation publisher", err)
	}

	closers = append(closers, publisher)

	aliasConfig, err := aliasing.LoadConfigFromEnv()
	if err != nil {
		fail("Failed to load facility code aliases", err)
	}

	resolver := aliasing.NewResolver(aliasConfig)

	logger.Info("Facility code aliasing loaded",
		slog.Int("aliases", resolver.AliasCount()),
		slog.Int("patterns", resolver.PatternCount()),
	)

	pipeline, err := ingestion.NewPipeline(pipelineConfig, ingestion.Dependencies{
		Facilities:  referenceStore,
		Aliases:     resolver,
		Codes:       referenceStore,
		Ledger:      ledgerStore,
		Periods:     periodStore,
		Facts:       factWriter,
		Invalidator: publisher,
		Recorder:    metrics,
		Logger:      logger,
	})
	if err != nil {
		fail("Failed to create ingestion pipeline", err)
	}

	logger.Info("Ingestion pipeline initialized", slog.String("config", pipelineConfig.String()))

	// Closed in order after the HTTP server drains.
	shutdownClosers := []io.Closer{rateLimiter, publisher, ledgerStore, chConn, dbConn}

	server, err := api.NewServer(serverConfig, api.Dependencies{
		Ingester: pipeline,
		Ledger:   ledgerStore,
		HealthChecks: []api.HealthCheck{
			{Name: "postgres", Check: dbConn.HealthCheck},
			{Name: "clickhouse", Check: chConn.Ping},
		},
		Metrics:       metrics.Handler(),
		RateLimiter:   rateLimiter,
		OnRateLimited: func(*http.Request) { metrics.RateLimited.Inc() },
		Closers:       shutdownClosers,
		Logger:        logger,
	})
	if err != nil {
		fail("Failed to create server", err)
	}

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Ingestion service stopped")
}
