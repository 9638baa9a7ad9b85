package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfigProvider supplies CORS settings. api.CORSConfig implements it.
type CORSConfigProvider interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS sets the CORS response headers and answers preflight requests with 204.
func CORS(config CORSConfigProvider) func(http.Handler) http.Handler {
	methods := strings.Join(config.GetAllowedMethods(), ", ")
	headers := strings.Join(config.GetAllowedHeaders(), ", ")
	origins := config.GetAllowedOrigins()

	maxAge := ""
	if config.GetMaxAge() > 0 {
		maxAge = strconv.Itoa(config.GetMaxAge())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(r.Header.Get("Origin"), origins); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)

				if origin != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}

			if methods != "" {
				w.Header().Set("Access-Control-Allow-Methods", methods)
			}

			if headers != "" {
				w.Header().Set("Access-Control-Allow-Headers", headers)
			}

			if maxAge != "" {
				w.Header().Set("Access-Control-Max-Age", maxAge)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin, or "".
func allowedOrigin(origin string, allowed []string) string {
	if len(allowed) == 1 && allowed[0] == "*" {
		return "*"
	}

	for _, candidate := range allowed {
		if origin != "" && strings.EqualFold(origin, candidate) {
			return origin
		}
	}

	return ""
}
