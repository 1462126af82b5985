package handlers_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/handlers"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/BradenHooton/revguard/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChallengeID = "8f14e45f-ceea-4e7a-9b1c-3c2d5e6f7a8b"

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestAuthHandler(svc *handlers.MockAuthService) *handlers.AuthHandler {
	return handlers.NewAuthHandler(
		svc,
		nil,
		auth.CookieConfig{SameSite: "strict", SessionLifetime: 24 * time.Hour},
		auth.NewFakeClock(testNow),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func testSession() *models.StoredSession {
	return &models.StoredSession{
		ID:             "session-1",
		SubjectID:      "user-1",
		SessionToken:   "identity-token",
		CreatedAt:      testNow,
		LastActivityAt: testNow,
		ExpiresAt:      testNow.Add(time.Hour),
	}
}

func TestLogin_Success_SetsSessionCookie(t *testing.T) {
	var got services.LoginRequest
	svc := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			got = req
			return &services.LoginResult{Status: services.LoginAllowed, Session: testSession()}, nil
		},
	}

	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Email:    "  User@Example.com ",
		Password: "correct horse",
	})
	req.RemoteAddr = "203.0.113.10:4000"
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set(auth.HeaderTimezone, "Europe/Berlin")
	req.Header.Set(auth.HeaderPlatform, "MacIntel")

	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Login(w, req)

	var resp handlers.LoginResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, services.LoginAllowed, resp.Status)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "user-1", resp.Session.SubjectID)
	assert.NotContains(t, w.Body.String(), "identity-token")

	assert.Equal(t, "user@example.com", got.Email)
	assert.Equal(t, "203.0.113.10", got.IPAddress)
	assert.Equal(t, "Europe/Berlin", got.Fingerprint.Timezone)
	assert.Equal(t, "MacIntel", got.Fingerprint.Platform)

	cookie := handlers.FindCookie(w, auth.SessionCookieName)
	require.NotNil(t, cookie)
	assert.Equal(t, "session-1", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	// Bound to the absolute deadline, not the identity token expiry
	assert.True(t, cookie.Expires.Equal(testNow.Add(24*time.Hour)), "expires %s", cookie.Expires)
}

func TestLogin_RequiresMFA_Returns202(t *testing.T) {
	expires := testNow.Add(5 * time.Minute)
	svc := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			return &services.LoginResult{
				Status:             services.LoginRequiresMFA,
				ChallengeID:        testChallengeID,
				ChallengeExpiresAt: &expires,
			}, nil
		},
	}

	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Email:    "user@example.com",
		Password: "correct horse",
	})
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Login(w, req)

	var resp handlers.LoginResponse
	handlers.AssertJSONResponse(t, w, http.StatusAccepted, &resp)
	assert.Equal(t, services.LoginRequiresMFA, resp.Status)
	assert.Equal(t, testChallengeID, resp.ChallengeID)
	require.NotNil(t, resp.ChallengeExpiresAt)
	assert.True(t, expires.Equal(*resp.ChallengeExpiresAt))
	assert.Nil(t, resp.Session)
	assert.Nil(t, handlers.FindCookie(w, auth.SessionCookieName))
}

func TestLogin_Locked_Returns423WithUnlockTime(t *testing.T) {
	until := testNow.Add(15 * time.Minute)
	svc := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			return &services.LoginResult{Status: services.LoginLocked, LockedUntil: &until}, nil
		},
	}

	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Email:    "user@example.com",
		Password: "whatever",
	})
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Login(w, req)

	resp := handlers.AssertErrorResponse(t, w, http.StatusLocked, "account_locked")
	assert.Equal(t, "2026-05-01T09:15:00Z", resp.Details)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))
}

func TestLogin_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid credentials", models.ErrInvalidCredentials, http.StatusUnauthorized, "unauthorized"},
		{"injection", fmt.Errorf("login rejected: %w", models.ErrInjectionDetected), http.StatusBadRequest, "bad_request"},
		{"identity timeout", fmt.Errorf("%w: %w", models.ErrIdentityUnavailable, context.DeadlineExceeded), http.StatusServiceUnavailable, "service_unavailable"},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &handlers.MockAuthService{
				LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
					return nil, tt.err
				},
			}

			req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
				Email:    "user@example.com",
				Password: "whatever",
			})
			w := httptest.NewRecorder()
			newTestAuthHandler(svc).Login(w, req)

			resp := handlers.AssertErrorResponse(t, w, tt.wantStatus, tt.wantCode)
			assert.NotContains(t, resp.Message, "boom")
		})
	}
}

func TestLogin_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"email":`},
		{"missing password", `{"email":"user@example.com"}`},
		{"not an email", `{"email":"nobody","password":"x"}`},
		{"unknown field", `{"email":"user@example.com","password":"x","role":"admin"}`},
		{"oversized password", `{"email":"user@example.com","password":"` + strings.Repeat("a", 129) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &handlers.MockAuthService{
				LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
					called = true
					return nil, nil
				},
			}

			req := httptest.NewRequest("POST", "/auth/login", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			newTestAuthHandler(svc).Login(w, req)

			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
			assert.False(t, called)
		})
	}
}

func TestVerifyMFA_Success_SetsSessionCookie(t *testing.T) {
	svc := &handlers.MockAuthService{
		VerifyMFAFunc: func(ctx context.Context, challengeID, code string) (*models.StoredSession, error) {
			assert.Equal(t, testChallengeID, challengeID)
			assert.Equal(t, "123456", code)
			return testSession(), nil
		},
	}

	req := handlers.NewTestRequest(t, "POST", "/auth/mfa/verify", handlers.VerifyMFARequest{
		ChallengeID: testChallengeID,
		Code:        " 123456 ",
	})
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).VerifyMFA(w, req)

	var resp handlers.LoginResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, services.LoginAllowed, resp.Status)

	cookie := handlers.FindCookie(w, auth.SessionCookieName)
	require.NotNil(t, cookie)
	assert.Equal(t, "session-1", cookie.Value)
	assert.True(t, cookie.Expires.Equal(testNow.Add(24*time.Hour)), "expires %s", cookie.Expires)
}

func TestVerifyMFA_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"incorrect code", models.ErrMFAMismatch, http.StatusUnauthorized, "mfa_incorrect"},
		{"expired", models.ErrMFAExpired, http.StatusUnauthorized, "mfa_expired"},
		{"unknown challenge reads as expired", models.ErrMFANotFound, http.StatusUnauthorized, "mfa_expired"},
		{"reused code reads as expired", models.ErrMFAAlreadyUsed, http.StatusUnauthorized, "mfa_expired"},
		{"locked out", &models.RateLimitedError{LockedUntil: testNow.Add(15 * time.Minute)}, http.StatusLocked, "account_locked"},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &handlers.MockAuthService{
				VerifyMFAFunc: func(ctx context.Context, challengeID, code string) (*models.StoredSession, error) {
					return nil, tt.err
				},
			}

			req := handlers.NewTestRequest(t, "POST", "/auth/mfa/verify", handlers.VerifyMFARequest{
				ChallengeID: testChallengeID,
				Code:        "000000",
			})
			w := httptest.NewRecorder()
			newTestAuthHandler(svc).VerifyMFA(w, req)

			handlers.AssertErrorResponse(t, w, tt.wantStatus, tt.wantCode)
			assert.Nil(t, handlers.FindCookie(w, auth.SessionCookieName))
		})
	}
}

func TestVerifyMFA_RejectsMalformedCode(t *testing.T) {
	tests := []struct {
		name string
		req  handlers.VerifyMFARequest
	}{
		{"letters", handlers.VerifyMFARequest{ChallengeID: testChallengeID, Code: "12ab56"}},
		{"too short", handlers.VerifyMFARequest{ChallengeID: testChallengeID, Code: "12345"}},
		{"bad challenge id", handlers.VerifyMFARequest{ChallengeID: "not-a-uuid", Code: "123456"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &handlers.MockAuthService{
				VerifyMFAFunc: func(ctx context.Context, challengeID, code string) (*models.StoredSession, error) {
					t.Fatal("service must not be called")
					return nil, nil
				},
			}

			w := httptest.NewRecorder()
			newTestAuthHandler(svc).VerifyMFA(w, handlers.NewTestRequest(t, "POST", "/auth/mfa/verify", tt.req))

			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
		})
	}
}

func TestIssueCSRF_ReturnsTokenAndCookie(t *testing.T) {
	svc := &handlers.MockAuthService{
		IssueCSRFTokenFunc: func() (string, error) { return "csrf-abc", nil },
	}

	w := httptest.NewRecorder()
	newTestAuthHandler(svc).IssueCSRF(w, httptest.NewRequest("GET", "/auth/csrf", nil))

	var resp handlers.CSRFResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "csrf-abc", resp.CSRFToken)

	cookie := handlers.FindCookie(w, auth.CSRFCookieName)
	require.NotNil(t, cookie)
	assert.Equal(t, "csrf-abc", cookie.Value)
	assert.False(t, cookie.HttpOnly)
}

func TestIssueCSRF_RandomFailure(t *testing.T) {
	svc := &handlers.MockAuthService{
		IssueCSRFTokenFunc: func() (string, error) { return "", fmt.Errorf("entropy exhausted") },
	}

	w := httptest.NewRecorder()
	newTestAuthHandler(svc).IssueCSRF(w, httptest.NewRequest("GET", "/auth/csrf", nil))

	handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error")
}

func TestSession_ReturnsContextSession(t *testing.T) {
	req := handlers.WithSessionContext(httptest.NewRequest("GET", "/auth/session", nil), testSession())
	w := httptest.NewRecorder()
	newTestAuthHandler(&handlers.MockAuthService{}).Session(w, req)

	var resp handlers.SessionResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, "user-1", resp.SubjectID)
	assert.NotContains(t, w.Body.String(), "identity-token")
}

func TestSessionRoutes_WithoutSession(t *testing.T) {
	h := newTestAuthHandler(&handlers.MockAuthService{})

	for name, fn := range map[string]http.HandlerFunc{
		"session":  h.Session,
		"activity": h.Activity,
		"logout":   h.Logout,
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			fn(w, httptest.NewRequest("POST", "/auth/"+name, nil))
			handlers.AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func TestActivity_Returns204(t *testing.T) {
	req := handlers.WithSessionContext(httptest.NewRequest("POST", "/auth/activity", nil), testSession())
	w := httptest.NewRecorder()
	newTestAuthHandler(&handlers.MockAuthService{}).Activity(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestLogout_RevokesAndClearsCookies(t *testing.T) {
	var revoked string
	svc := &handlers.MockAuthService{
		LogoutFunc: func(ctx context.Context, sessionID string) { revoked = sessionID },
	}

	req := handlers.WithSessionContext(httptest.NewRequest("POST", "/auth/logout", nil), testSession())
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Logout(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "session-1", revoked)

	session := handlers.FindCookie(w, auth.SessionCookieName)
	require.NotNil(t, session)
	assert.Equal(t, -1, session.MaxAge)

	csrf := handlers.FindCookie(w, auth.CSRFCookieName)
	require.NotNil(t, csrf)
	assert.Equal(t, -1, csrf.MaxAge)
}
