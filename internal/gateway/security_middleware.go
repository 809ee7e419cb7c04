package gateway

import (
	"fmt"
	"net/http"
	"strings"
)

// HeaderPolicy is the set of response headers added to every response.
// Callers of this API are services, so browser-only policies are kept minimal.
type HeaderPolicy struct {
	// HSTSMaxAge in seconds; zero disables Strict-Transport-Security.
	HSTSMaxAge int
	// NoStorePrefixes are path prefixes whose responses must never be cached.
	NoStorePrefixes []string
}

// DefaultHeaderPolicy returns the policy used by the gateway.
func DefaultHeaderPolicy() HeaderPolicy {
	return HeaderPolicy{
		HSTSMaxAge:      31536000, // 1 year
		NoStorePrefixes: []string{"/v1/", "/api/"},
	}
}

// SecurityMiddleware adds security headers to all responses
func SecurityMiddleware(policy HeaderPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if policy.HSTSMaxAge > 0 {
				h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", policy.HSTSMaxAge))
			}
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")

			// Balances and invoices must not sit in intermediary caches
			for _, prefix := range policy.NoStorePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					h.Set("Cache-Control", "no-store")
					break
				}
			}

			h.Del("Server")
			next.ServeHTTP(w, r)
		})
	}
}

// APISecurityMiddleware adds API-specific security measures
func APISecurityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == "POST" || r.Method == "PUT" || r.Method == "PATCH" {
				contentType := r.Header.Get("Content-Type")
				// Empty content type is tolerated for bodiless calls
				if contentType != "" && !strings.Contains(contentType, "application/json") {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnsupportedMediaType)
					w.Write([]byte(`{"error":{"code":"unsupported_media_type","message":"Content-Type must be application/json"}}`))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware limits the size of incoming request bodies
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
