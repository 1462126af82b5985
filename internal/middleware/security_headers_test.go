package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders_Baseline(t *testing.T) {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: "development"})

	req := httptest.NewRequest("GET", "/auth/session", nil)
	w := httptest.NewRecorder()
	handler(okHandler).ServeHTTP(w, req)

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", apiCSP},
		{"Cache-Control", "no-store"},
	}

	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.expected {
			t.Errorf("Header %s: got %q, want %q", tt.header, got, tt.expected)
		}
	}

	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS should not be sent outside production, got %q", hsts)
	}
}

func TestSecurityHeaders_ProductionHSTS(t *testing.T) {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: "production"})

	t.Run("https via proxy", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		w := httptest.NewRecorder()
		handler(okHandler).ServeHTTP(w, req)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("HSTS header missing for https request in production")
		}
	})

	t.Run("plain http", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		w := httptest.NewRecorder()
		handler(okHandler).ServeHTTP(w, req)

		if w.Header().Get("Strict-Transport-Security") != "" {
			t.Error("HSTS header must not be sent over plain http")
		}
	})
}
