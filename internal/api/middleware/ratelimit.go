package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	defaultMaxSources          int     = 10000
	defaultGlobalRPS           int     = 200
	defaultSourceRPS           int     = 20
	defaultAnonymousRPS        int     = 5
	thresholdMultiplier        float64 = 0.8
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
	anonymousKeyPrefix                 = "ip:"
)

type (
	// RateLimiter decides whether a request from key may proceed.
	RateLimiter interface {
		// Allow reports whether a request keyed by SourceContext.Key is within limits.
		Allow(key string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with golang.org/x/time/rate token buckets: one
	// global bucket plus one bucket per key. Keys starting with "ip:" get the anonymous rate,
	// every other key the source rate.
	//
	// Once MaxSources keys are tracked, new keys share a single overflow bucket at the
	// anonymous rate until cleanup frees room. Keys idle longer than IdleTimeout are dropped.
	InMemoryRateLimiter struct {
		global   *rate.Limiter
		overflow *rate.Limiter
		perKey   map[string]*keyLimiter
		mu       sync.RWMutex
		done     chan struct{}
		stopOnce sync.Once

		sourceRPS       int
		sourceBurst     int
		anonymousRPS    int
		anonymousBurst  int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxSources      int
		warnedAt        int
	}

	keyLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}

	// RateLimitOption configures the RateLimit middleware.
	RateLimitOption func(*rateLimitOptions)

	rateLimitOptions struct {
		exempt    map[string]bool
		onLimited func(*http.Request)
	}
)

// NewInMemoryRateLimiter creates a limiter and starts its cleanup goroutine. Call Close to stop it.
func NewInMemoryRateLimiter(cfg *Config) *InMemoryRateLimiter {
	anonymousBurst := computeBurstCapacity(cfg.AnonymousRPS, cfg.AnonymousBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(cfg.GlobalRPS), computeBurstCapacity(cfg.GlobalRPS, cfg.GlobalBurst)),
		overflow:        rate.NewLimiter(rate.Limit(cfg.AnonymousRPS), anonymousBurst),
		perKey:          make(map[string]*keyLimiter),
		done:            make(chan struct{}),
		sourceRPS:       cfg.SourceRPS,
		sourceBurst:     computeBurstCapacity(cfg.SourceRPS, cfg.SourceBurst),
		anonymousRPS:    cfg.AnonymousRPS,
		anonymousBurst:  anonymousBurst,
		cleanupInterval: cfg.CleanupInterval,
		idleTimeout:     cfg.IdleTimeout,
		maxSources:      cfg.MaxSources,
	}

	if rl.maxSources == 0 {
		rl.maxSources = defaultMaxSources
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns burstOverride when set, otherwise 2 × rate.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow implements RateLimiter. The global bucket is checked first.
func (rl *InMemoryRateLimiter) Allow(key string) bool {
	if !rl.global.Allow() {
		return false
	}

	kl := rl.limiterFor(key)
	if kl == nil {
		return rl.overflow.Allow()
	}

	kl.mu.Lock()
	kl.lastAccess = time.Now()
	kl.mu.Unlock()

	return kl.limiter.Allow()
}

// limiterFor returns the bucket of key, creating it lazily. It returns nil when the key table
// is full.
func (rl *InMemoryRateLimiter) limiterFor(key string) *keyLimiter {
	rl.mu.RLock()
	kl, ok := rl.perKey[key]
	rl.mu.RUnlock()

	if ok {
		return kl
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if kl, ok = rl.perKey[key]; ok {
		return kl
	}

	count := len(rl.perKey)
	if count >= rl.maxSources {
		return nil
	}

	rps, burst := rl.sourceRPS, rl.sourceBurst
	if strings.HasPrefix(key, anonymousKeyPrefix) {
		rps, burst = rl.anonymousRPS, rl.anonymousBurst
	}

	kl = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst), lastAccess: time.Now()}
	rl.perKey[key] = kl

	threshold := int(float64(rl.maxSources) * thresholdMultiplier)
	if count+1 >= threshold && rl.warnedAt < threshold {
		rl.warnedAt = count + 1

		slog.Warn("Rate limiter approaching max tracked sources",
			slog.Int("current_sources", count+1),
			slog.Int("max_sources", rl.maxSources))
	}

	return kl
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.stopOnce.Do(func() { close(rl.done) })

	return nil
}

func (rl *InMemoryRateLimiter) startCleanup() {
	interval := rl.cleanupInterval
	if interval <= 0 {
		interval = rateLimiterCleanupInterval
	}

	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup drops key buckets idle longer than the idle timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout <= 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, kl := range rl.perKey {
		kl.mu.Lock()
		lastAccess := kl.lastAccess
		kl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perKey, key)
		}
	}

	if len(rl.perKey) < int(float64(rl.maxSources)*thresholdMultiplier) {
		rl.warnedAt = 0
	}
}

// ExemptPaths lets requests for the given exact paths bypass rate limiting. Use it for probes
// and the metrics scrape.
func ExemptPaths(paths ...string) RateLimitOption {
	return func(o *rateLimitOptions) {
		for _, path := range paths {
			o.exempt[path] = true
		}
	}
}

// OnLimited registers a callback run for every rejected request.
func OnLimited(fn func(*http.Request)) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.onLimited = fn
	}
}

// RateLimit rejects requests over the limit with 429 and an RFC 7807 body. It keys requests by
// the SourceContext set by SourceSystem, falling back to the remote address when that
// middleware did not run.
func RateLimit(limiter RateLimiter, logger *slog.Logger, opts ...RateLimitOption) func(http.Handler) http.Handler {
	options := &rateLimitOptions{exempt: make(map[string]bool)}
	for _, opt := range opts {
		opt(options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if options.exempt[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			src, ok := GetSourceContext(r.Context())
			if !ok {
				src = SourceContext{ClientIP: clientIP(r.RemoteAddr)}
			}

			if limiter.Allow(src.Key()) {
				next.ServeHTTP(w, r)

				return
			}

			if options.onLimited != nil {
				options.onLimited(r)
			}

			correlationID := GetCorrelationID(r.Context())

			logger.Warn("Request rate limited",
				slog.String("correlation_id", correlationID),
				slog.String("rate_key", src.Key()),
				slog.String("path", r.URL.Path),
			)

			w.Header().Set("Retry-After", "1")

			detail := "Rate limit exceeded. Please retry after some time."
			if err := writeProblem(w, r, http.StatusTooManyRequests, detail); err != nil {
				logger.Error("Failed to write rate limit response",
					slog.String("correlation_id", correlationID),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}
