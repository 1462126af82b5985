package handlers

import (
	"context"
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/revguard/pkg/http"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheckFunc probes one backing dependency
type HealthCheckFunc func(ctx context.Context) error

// HealthResponse reports overall and per-dependency status
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthHandler probes the database and any optional stores
type HealthHandler struct {
	checks map[string]HealthCheckFunc
}

// NewHealthHandler creates a HealthHandler over named checks
func NewHealthHandler(checks map[string]HealthCheckFunc) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health returns 200 when every check passes and 503 otherwise
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = "down"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "up"
	}

	pkghttp.WriteJSON(w, status, resp)
}
