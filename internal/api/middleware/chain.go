package middleware

import (
	"log/slog"
	"net/http"
)

// Option wraps a handler with one middleware.
type Option func(http.Handler) http.Handler

// Apply wraps handler with options. The first option becomes the outermost middleware.
//
// Example:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithSourceSystem(),
//	    middleware.WithRateLimit(limiter, logger, middleware.ExemptPaths("/ping")),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelationID adds the correlation ID middleware.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery adds panic recovery.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithSourceSystem adds source identification.
func WithSourceSystem() Option {
	return SourceSystem()
}

// WithRateLimit adds rate limiting. A nil limiter disables it.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger, opts ...RateLimitOption) Option {
	if limiter == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return RateLimit(limiter, logger, opts...)
}

// WithRequestLogger adds request logging.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS adds CORS headers.
func WithCORS(config CORSConfigProvider) Option {
	return CORS(config)
}
