package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/BradenHooton/revguard/internal/services"
	pkghttp "github.com/BradenHooton/revguard/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithSessionContext injects a validated session the way the session middleware does
func WithSessionContext(req *http.Request, session *models.StoredSession) *http.Request {
	ctx := context.WithValue(req.Context(), auth.SessionContextKey, session)
	return req.WithContext(ctx)
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// FindCookie returns the named Set-Cookie from a response
func FindCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// MockAuthService implements AuthServiceInterface and SecurityLogReader for testing
type MockAuthService struct {
	LoginFunc          func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	VerifyMFAFunc      func(ctx context.Context, challengeID, code string) (*models.StoredSession, error)
	LogoutFunc         func(ctx context.Context, sessionID string)
	IssueCSRFTokenFunc func() (string, error)
	ThreatLogFunc      func(minSeverity models.Severity) []models.ThreatRecord
	SecurityEventsFunc func(filter models.SecurityEventFilter) []models.SecurityEvent
}

func (m *MockAuthService) Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, req)
	}
	return nil, models.ErrInvalidCredentials
}

func (m *MockAuthService) VerifyMFA(ctx context.Context, challengeID, code string) (*models.StoredSession, error) {
	if m.VerifyMFAFunc != nil {
		return m.VerifyMFAFunc(ctx, challengeID, code)
	}
	return nil, models.ErrMFANotFound
}

func (m *MockAuthService) Logout(ctx context.Context, sessionID string) {
	if m.LogoutFunc != nil {
		m.LogoutFunc(ctx, sessionID)
	}
}

func (m *MockAuthService) IssueCSRFToken() (string, error) {
	if m.IssueCSRFTokenFunc != nil {
		return m.IssueCSRFTokenFunc()
	}
	return "", nil
}

func (m *MockAuthService) ThreatLog(minSeverity models.Severity) []models.ThreatRecord {
	if m.ThreatLogFunc != nil {
		return m.ThreatLogFunc(minSeverity)
	}
	return nil
}

func (m *MockAuthService) SecurityEvents(filter models.SecurityEventFilter) []models.SecurityEvent {
	if m.SecurityEventsFunc != nil {
		return m.SecurityEventsFunc(filter)
	}
	return nil
}
