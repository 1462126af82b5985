package middleware

import (
	"log/slog"
	"net/http"

	pkghttp "github.com/BradenHooton/revguard/pkg/http"
)

// CSRFHeader carries the anti-forgery token on state-changing requests
const CSRFHeader = "X-CSRF-Token"

// CSRFValidator consumes single-use CSRF tokens
type CSRFValidator interface {
	ValidateCSRFToken(token string) bool
}

// CSRFProtection rejects state-changing requests whose X-CSRF-Token header
// is missing or not a live token. Every accepted token is consumed, so the
// client fetches a fresh one from /auth/csrf per request.
func CSRFProtection(validator CSRFValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isStateChangingMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(CSRFHeader)
			if token == "" {
				logger.Warn("CSRF token missing in request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path))
				pkghttp.WriteForbidden(w, "CSRF token missing")
				return
			}

			if !validator.ValidateCSRFToken(token) {
				logger.Warn("CSRF token validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path))
				pkghttp.WriteForbidden(w, "CSRF token invalid")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}
