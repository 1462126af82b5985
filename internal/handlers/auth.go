package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/BradenHooton/revguard/internal/services"
	pkghttp "github.com/BradenHooton/revguard/pkg/http"
)

// csrfCookieMaxAge matches how long a CSRF token is expected to sit unused
const csrfCookieMaxAge = 3600

// AuthServiceInterface defines the auth facade operations the handlers call
type AuthServiceInterface interface {
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	VerifyMFA(ctx context.Context, challengeID, code string) (*models.StoredSession, error)
	Logout(ctx context.Context, sessionID string)
	IssueCSRFToken() (string, error)
}

// AuthHandler handles login, MFA and session HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
	cookies  auth.CookieConfig
	clock    auth.Clock
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig, cookies auth.CookieConfig, clock auth.Clock, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
		cookies:  cookies,
		clock:    clock,
		logger:   logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// VerifyMFARequest represents the request body for completing an MFA challenge
type VerifyMFARequest struct {
	ChallengeID string `json:"challenge_id" validate:"required,uuid"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
}

// Response DTOs

// SessionResponse is the client view of a session; the identity token and
// fingerprint stay server side
type SessionResponse struct {
	SubjectID      string    `json:"subject_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// LoginResponse represents the outcome of a login that was not rejected
type LoginResponse struct {
	Status             services.LoginStatus `json:"status"`
	Session            *SessionResponse     `json:"session,omitempty"`
	ChallengeID        string               `json:"challenge_id,omitempty"`
	ChallengeExpiresAt *time.Time           `json:"challenge_expires_at,omitempty"`
}

// CSRFResponse carries a freshly issued CSRF token
type CSRFResponse struct {
	CSRFToken string `json:"csrf_token"`
}

func newSessionResponse(s *models.StoredSession) *SessionResponse {
	return &SessionResponse{
		SubjectID:      s.SubjectID,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

// IssueCSRF returns a single-use CSRF token and mirrors it in a cookie
func (h *AuthHandler) IssueCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := h.service.IssueCSRFToken()
	if err != nil {
		h.logger.Error("failed to issue csrf token", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.SetCSRFTokenCookie(w, token, csrfCookieMaxAge, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, CSRFResponse{CSRFToken: token})
}

// Login authenticates a user.
// 200 with a session cookie, 202 when an MFA code was sent, 423 while locked.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := pkghttp.DecodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.Login(r.Context(), services.LoginRequest{
		Email:       req.Email,
		Password:    req.Password,
		IPAddress:   pkghttp.ExtractClientIP(r, h.ipConfig),
		Fingerprint: auth.FingerprintFromRequest(r),
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCredentials):
			pkghttp.WriteUnauthorized(w, "Invalid email or password")
		case errors.Is(err, models.ErrInjectionDetected):
			pkghttp.WriteBadRequest(w, "Invalid input")
		case models.IsRetryable(err):
			pkghttp.WriteServiceUnavailable(w, "Authentication is temporarily unavailable, please retry")
		default:
			h.logger.Error("login failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	switch result.Status {
	case services.LoginLocked:
		h.writeLocked(w, result.LockedUntil)
	case services.LoginRequiresMFA:
		pkghttp.WriteJSON(w, http.StatusAccepted, LoginResponse{
			Status:             result.Status,
			ChallengeID:        result.ChallengeID,
			ChallengeExpiresAt: result.ChallengeExpiresAt,
		})
	default:
		auth.SetSessionCookie(w, result.Session.ID, result.Session.CreatedAt, h.cookies)
		pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
			Status:  result.Status,
			Session: newSessionResponse(result.Session),
		})
	}
}

// VerifyMFA completes a login with the emailed code
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req VerifyMFARequest
	if err := pkghttp.DecodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Code = strings.TrimSpace(req.Code)
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	session, err := h.service.VerifyMFA(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		var locked *models.RateLimitedError
		switch {
		case errors.As(err, &locked):
			h.writeLocked(w, &locked.LockedUntil)
		case errors.Is(err, models.ErrMFAMismatch):
			pkghttp.WriteError(w, http.StatusUnauthorized, "mfa_incorrect", "Incorrect code, try again")
		case errors.Is(err, models.ErrMFAExpired),
			errors.Is(err, models.ErrMFANotFound),
			errors.Is(err, models.ErrMFAAlreadyUsed):
			pkghttp.WriteError(w, http.StatusUnauthorized, "mfa_expired", "Code expired, request a new one")
		default:
			h.logger.Error("mfa verification failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	auth.SetSessionCookie(w, session.ID, session.CreatedAt, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		Status:  services.LoginAllowed,
		Session: newSessionResponse(session),
	})
}

// Session returns the caller's validated session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	session := auth.GetSessionFromContext(r)
	if session == nil {
		pkghttp.WriteUnauthorized(w, "missing session")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, newSessionResponse(session))
}

// Activity is a heartbeat; the session middleware has already recorded it
func (h *AuthHandler) Activity(w http.ResponseWriter, r *http.Request) {
	if auth.GetSessionFromContext(r) == nil {
		pkghttp.WriteUnauthorized(w, "missing session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logout revokes the caller's session and clears its cookies
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session := auth.GetSessionFromContext(r)
	if session == nil {
		pkghttp.WriteUnauthorized(w, "missing session")
		return
	}

	h.service.Logout(r.Context(), session.ID)

	auth.ClearSessionCookie(w, h.cookies)
	auth.ClearCSRFTokenCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) writeLocked(w http.ResponseWriter, lockedUntil *time.Time) {
	now := h.clock.Now()
	until := now
	if lockedUntil != nil {
		until = *lockedUntil
	}
	pkghttp.WriteLocked(w, "Too many failed attempts, try again later", until, now)
}
