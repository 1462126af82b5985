package routes

import (
	"net/http"

	"github.com/BradenHooton/revguard/internal/handlers"
	"github.com/BradenHooton/revguard/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// Dependencies holds the handlers and middleware the routes are built from
type Dependencies struct {
	Auth     *handlers.AuthHandler
	Security *handlers.SecurityHandler
	Health   *handlers.HealthHandler

	// Session resolves the session cookie into request context
	Session func(http.Handler) http.Handler
	// CSRF validates the single-use X-CSRF-Token header
	CSRF func(http.Handler) http.Handler

	LoginRateLimit middleware.RateLimitConfig
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	throttle := middleware.RateLimitByIP(deps.LoginRateLimit)

	router.Get("/health", deps.Health.Health)

	// Public routes
	router.Route("/auth", func(r chi.Router) {
		r.With(throttle).Get("/csrf", deps.Auth.IssueCSRF)
		r.With(throttle, deps.CSRF).Post("/login", deps.Auth.Login)
		r.With(throttle, deps.CSRF).Post("/mfa/verify", deps.Auth.VerifyMFA)

		// Session routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Session)
			r.Get("/session", deps.Auth.Session)
			r.Post("/activity", deps.Auth.Activity)
			r.With(deps.CSRF).Post("/logout", deps.Auth.Logout)
		})
	})

	router.Route("/security", func(r chi.Router) {
		r.Use(deps.Session)
		r.Get("/threats", deps.Security.Threats)
		r.Get("/events", deps.Security.Events)
	})
}
