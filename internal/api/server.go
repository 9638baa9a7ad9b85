package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sehatku-io/ingestor/internal/api/middleware"
	"github.com/sehatku-io/ingestor/internal/ingestion"
)

type (
	// Ingester runs signed request bodies through the ingestion pipeline. *ingestion.Pipeline
	// implements it.
	Ingester interface {
		IngestBatch(ctx context.Context, body []byte, sig string) (*ingestion.Outcome, error)
		IngestCluster(ctx context.Context, eventType ingestion.EventType, body []byte, sig string) (*ingestion.Outcome, error)
	}

	// LedgerReader serves ledger lookups. *storage.LedgerStore implements it.
	LedgerReader interface {
		Get(ctx context.Context, id uuid.UUID) (*ingestion.LedgerEntry, error)
		List(ctx context.Context, filter ingestion.LedgerFilter) ([]*ingestion.LedgerEntry, error)
	}

	// HealthCheck is one named readiness dependency.
	HealthCheck struct {
		Name  string
		Check func(ctx context.Context) error
	}

	// Dependencies are the runtime collaborators of a Server. Ingester and Ledger are required;
	// everything else is optional.
	Dependencies struct {
		Ingester      Ingester
		Ledger        LedgerReader
		HealthChecks  []HealthCheck
		Metrics       http.Handler
		RateLimiter   middleware.RateLimiter
		OnRateLimited func(*http.Request)

		// Closers are closed in order after the HTTP server has drained.
		Closers []io.Closer

		Logger *slog.Logger
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer   *http.Server
		handler      http.Handler
		logger       *slog.Logger
		config       *ServerConfig
		startTime    time.Time
		ingester     Ingester
		ledger       LedgerReader
		healthChecks []HealthCheck
		metrics      http.Handler
		closers      []io.Closer
	}
)

// ErrMissingDependency is returned by NewServer when a required dependency is nil.
var ErrMissingDependency = errors.New("missing server dependency")

// NewServer builds the route table and middleware chain.
//
// Middleware order, outermost first: correlation ID, recovery, source identification, rate
// limit, request logging, CORS. Probes and /metrics bypass the rate limiter.
func NewServer(cfg *ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Ingester == nil {
		return nil, fmt.Errorf("%w: ingester", ErrMissingDependency)
	}

	if deps.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger reader", ErrMissingDependency)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	server := &Server{
		logger:       logger,
		config:       cfg,
		ingester:     deps.Ingester,
		ledger:       deps.Ledger,
		healthChecks: deps.HealthChecks,
		metrics:      deps.Metrics,
		closers:      deps.Closers,
	}

	mux := http.NewServeMux()
	public := server.setupRoutes(mux)

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	limitOpts := []middleware.RateLimitOption{middleware.ExemptPaths(public...)}
	if deps.OnRateLimited != nil {
		limitOpts = append(limitOpts, middleware.OnLimited(deps.OnRateLimited))
	}

	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithSourceSystem(),
		middleware.WithRateLimit(deps.RateLimiter, logger, limitOpts...),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server, nil
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(stop)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting ingestor API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Int64("max_request_size", s.config.MaxRequestSize),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		s.closeDependencies()

		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown drains in-flight requests, then closes dependencies. In-flight batches settle their
// ledger entries before their handlers return, so draining first keeps entries out of the
// processing state.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)
	}

	s.closeDependencies()

	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

func (s *Server) closeDependencies() {
	for _, closer := range s.closers {
		if closer == nil {
			continue
		}

		name := fmt.Sprintf("%T", closer)

		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close dependency", slog.String("dependency", name), slog.String("error", err.Error()))

			continue
		}

		s.logger.Info("Dependency closed", slog.String("dependency", name))
	}
}
