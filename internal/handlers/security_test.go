package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/revguard/internal/handlers"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreats_MinSeverity(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  models.Severity
	}{
		{"default is low", "", models.SeverityLow},
		{"high", "?min_severity=high", models.SeverityHigh},
		{"critical", "?min_severity=critical", models.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.Severity
			svc := &handlers.MockAuthService{
				ThreatLogFunc: func(minSeverity models.Severity) []models.ThreatRecord {
					got = minSeverity
					return []models.ThreatRecord{{ID: "t1", Kind: models.ThreatXSS, Severity: models.SeverityHigh}}
				},
			}

			w := httptest.NewRecorder()
			handlers.NewSecurityHandler(svc).Threats(w, httptest.NewRequest("GET", "/security/threats"+tt.query, nil))

			var resp handlers.ThreatsResponse
			handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
			assert.Equal(t, tt.want, got)
			require.Len(t, resp.Threats, 1)
			assert.Equal(t, models.SeverityHigh, resp.Threats[0].Severity)
		})
	}
}

func TestThreats_UnknownSeverity(t *testing.T) {
	w := httptest.NewRecorder()
	handlers.NewSecurityHandler(&handlers.MockAuthService{}).Threats(w, httptest.NewRequest("GET", "/security/threats?min_severity=severe", nil))

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
}

func TestThreats_EmptyLogIsEmptyArray(t *testing.T) {
	w := httptest.NewRecorder()
	handlers.NewSecurityHandler(&handlers.MockAuthService{}).Threats(w, httptest.NewRequest("GET", "/security/threats", nil))

	assert.JSONEq(t, `{"threats":[]}`, w.Body.String())
}

func TestEvents_BuildsFilter(t *testing.T) {
	var got models.SecurityEventFilter
	svc := &handlers.MockAuthService{
		SecurityEventsFunc: func(filter models.SecurityEventFilter) []models.SecurityEvent {
			got = filter
			return []models.SecurityEvent{{ID: "e1", Kind: models.EventFailedLogin}}
		},
	}

	req := httptest.NewRequest("GET", "/security/events?kind=failed_login&subject_id=user-1&limit=5&since=2026-05-01T08:00:00Z", nil)
	w := httptest.NewRecorder()
	handlers.NewSecurityHandler(svc).Events(w, req)

	var resp handlers.EventsResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Events, 1)

	assert.Equal(t, models.EventFailedLogin, got.Kind)
	assert.Equal(t, "user-1", got.SubjectID)
	assert.Equal(t, 5, got.Limit)
	assert.True(t, got.Since.Equal(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)))
}

func TestEvents_DefaultLimit(t *testing.T) {
	var got models.SecurityEventFilter
	svc := &handlers.MockAuthService{
		SecurityEventsFunc: func(filter models.SecurityEventFilter) []models.SecurityEvent {
			got = filter
			return nil
		},
	}

	w := httptest.NewRecorder()
	handlers.NewSecurityHandler(svc).Events(w, httptest.NewRequest("GET", "/security/events", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, got.Limit)
	assert.Empty(t, got.Kind)
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())
}

func TestEvents_RejectsBadQuery(t *testing.T) {
	for name, query := range map[string]string{
		"unknown kind":  "?kind=reboot",
		"limit too big": "?limit=5000",
		"limit zero":    "?limit=0",
		"limit garbage": "?limit=ten",
		"bad since":     "?since=yesterday",
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handlers.NewSecurityHandler(&handlers.MockAuthService{}).Events(w, httptest.NewRequest("GET", "/security/events"+query, nil))

			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
		})
	}
}

func TestHealth(t *testing.T) {
	up := func(ctx context.Context) error { return nil }
	down := func(ctx context.Context) error { return errors.New("connection refused") }

	t.Run("all up", func(t *testing.T) {
		h := handlers.NewHealthHandler(map[string]handlers.HealthCheckFunc{"database": up, "redis": up})
		w := httptest.NewRecorder()
		h.Health(w, httptest.NewRequest("GET", "/health", nil))

		var resp handlers.HealthResponse
		handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, map[string]string{"database": "up", "redis": "up"}, resp.Checks)
	})

	t.Run("one down", func(t *testing.T) {
		h := handlers.NewHealthHandler(map[string]handlers.HealthCheckFunc{"database": down, "redis": up})
		w := httptest.NewRecorder()
		h.Health(w, httptest.NewRequest("GET", "/health", nil))

		var resp handlers.HealthResponse
		handlers.AssertJSONResponse(t, w, http.StatusServiceUnavailable, &resp)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "down", resp.Checks["database"])
		assert.NotContains(t, w.Body.String(), "connection refused")
	})
}
