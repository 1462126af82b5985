package middleware

import (
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/revguard/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds request throttling configuration for the auth routes.
// This is a coarse flood guard in front of the per-identifier lockouts.
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultAuthRateLimit returns the default throttle for auth endpoints
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 20,
	}
}

// RateLimitByIP creates a middleware that throttles requests by client IP.
// The key is resolved with the same trusted-proxy rules as the lockout
// identifiers.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
		}),
	)
}
