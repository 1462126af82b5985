package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/revguard/internal/models"
	pkghttp "github.com/BradenHooton/revguard/pkg/http"
)

const defaultEventLimit = 100

// SecurityLogReader exposes the in-memory security event and threat logs
type SecurityLogReader interface {
	ThreatLog(minSeverity models.Severity) []models.ThreatRecord
	SecurityEvents(filter models.SecurityEventFilter) []models.SecurityEvent
}

// SecurityHandler serves read access to the security logs
type SecurityHandler struct {
	service SecurityLogReader
}

// NewSecurityHandler creates a new SecurityHandler
func NewSecurityHandler(service SecurityLogReader) *SecurityHandler {
	return &SecurityHandler{service: service}
}

// EventsQuery holds the query parameters accepted by /security/events
type EventsQuery struct {
	Kind      string `validate:"omitempty,oneof=login logout failed_login password_change mfa_enabled suspicious_activity mfa_challenge session_expired session_revoked"`
	SubjectID string `validate:"omitempty,max=64"`
	Limit     int    `validate:"gte=1,lte=1000"`
	Since     time.Time
}

// ThreatsResponse wraps the threat log
type ThreatsResponse struct {
	Threats []models.ThreatRecord `json:"threats"`
}

// EventsResponse wraps the security event log
type EventsResponse struct {
	Events []models.SecurityEvent `json:"events"`
}

// Threats lists detected threats, optionally at or above ?min_severity=
func (h *SecurityHandler) Threats(w http.ResponseWriter, r *http.Request) {
	minSeverity := models.SeverityLow
	if raw := r.URL.Query().Get("min_severity"); raw != "" {
		sev, ok := models.ParseSeverity(raw)
		if !ok {
			pkghttp.WriteBadRequest(w, "min_severity must be one of: low medium high critical")
			return
		}
		minSeverity = sev
	}

	threats := h.service.ThreatLog(minSeverity)
	if threats == nil {
		threats = []models.ThreatRecord{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, ThreatsResponse{Threats: threats})
}

// Events lists security events filtered by ?kind=, ?subject_id=, ?since= and ?limit=
func (h *SecurityHandler) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := EventsQuery{
		Kind:      q.Get("kind"),
		SubjectID: q.Get("subject_id"),
		Limit:     defaultEventLimit,
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			pkghttp.WriteBadRequest(w, "limit must be an integer")
			return
		}
		query.Limit = limit
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			pkghttp.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		query.Since = since
	}

	if err := ValidateRequest(query); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	events := h.service.SecurityEvents(models.SecurityEventFilter{
		Kind:      query.Kind,
		SubjectID: query.SubjectID,
		Since:     query.Since,
		Limit:     query.Limit,
	})
	if events == nil {
		events = []models.SecurityEvent{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, EventsResponse{Events: events})
}
