package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// SourceHeader names the sending system (a facility SIMPUS, a bridge, a vendor integration).
	SourceHeader = "X-Source-System"

	maxSourceLength = 64
)

type sourceContextKey struct{}

// SourceContext identifies who sent a request. It is informational: authenticity of ingestion
// bodies comes from their HMAC signature, not from this header.
type SourceContext struct {
	// System is the trimmed X-Source-System header, empty when absent or unusable.
	System string

	// ClientIP is the host part of the request's remote address.
	ClientIP string

	// ReceivedAt is when the request entered the middleware chain.
	ReceivedAt time.Time
}

// Key returns the rate-limiting key: the source system when named, otherwise "ip:" + client IP.
func (s SourceContext) Key() string {
	if s.System != "" {
		return s.System
	}

	return anonymousKeyPrefix + s.ClientIP
}

// Named reports whether the sender identified itself.
func (s SourceContext) Named() bool {
	return s.System != ""
}

// SourceSystem resolves the SourceContext of each request and stores it in the request context.
func SourceSystem() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			src := SourceContext{
				System:     sanitizeSource(r.Header.Get(SourceHeader)),
				ClientIP:   clientIP(r.RemoteAddr),
				ReceivedAt: time.Now(),
			}

			next.ServeHTTP(w, r.WithContext(SetSourceContext(r.Context(), src)))
		})
	}
}

// GetSourceContext returns the SourceContext stored by SourceSystem.
func GetSourceContext(ctx context.Context) (SourceContext, bool) {
	src, ok := ctx.Value(sourceContextKey{}).(SourceContext)

	return src, ok
}

// SetSourceContext returns a copy of ctx carrying src.
func SetSourceContext(ctx context.Context, src SourceContext) context.Context {
	return context.WithValue(ctx, sourceContextKey{}, src)
}

func sanitizeSource(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxSourceLength || strings.HasPrefix(raw, anonymousKeyPrefix) {
		return ""
	}

	for _, c := range raw {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':', c == '/':
		default:
			return ""
		}
	}

	return raw
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}

	return host
}
