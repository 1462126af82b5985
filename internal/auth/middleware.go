package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/revguard/internal/models"
	pkghttp "github.com/BradenHooton/revguard/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// SessionContextKey is the key for storing the validated session in context
	SessionContextKey contextKey = "session"
)

// SessionValidator is the subset of the auth service the session middleware needs
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID string, fingerprint models.SessionFingerprint) (*models.StoredSession, error)
	RecordActivity(sessionID string)
}

// SessionMiddleware resolves the session cookie, validates it against the
// request fingerprint and injects the session into context. Every accepted
// request counts as activity.
func SessionMiddleware(validator SessionValidator, cookies CookieConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, err := GetSessionCookie(r)
			if err != nil || sessionID == "" {
				pkghttp.WriteUnauthorized(w, "missing session")
				return
			}

			session, err := validator.ValidateSession(r.Context(), sessionID, FingerprintFromRequest(r))
			if err != nil {
				switch {
				case errors.Is(err, models.ErrSessionExpired), errors.Is(err, models.ErrSessionNotFound):
					ClearSessionCookie(w, cookies)
					pkghttp.WriteUnauthorized(w, "session expired")
				case errors.Is(err, models.ErrFingerprintMismatch):
					ClearSessionCookie(w, cookies)
					pkghttp.WriteUnauthorized(w, "session revoked")
				default:
					logger.Error("session validation failed", slog.Any("error", err))
					pkghttp.WriteInternalError(w, "internal server error")
				}
				return
			}

			validator.RecordActivity(session.ID)

			ctx := context.WithValue(r.Context(), SessionContextKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSessionFromContext extracts the validated session from request context
func GetSessionFromContext(r *http.Request) *models.StoredSession {
	session, ok := r.Context().Value(SessionContextKey).(*models.StoredSession)
	if !ok {
		return nil
	}
	return session
}
