package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Security event kinds
const (
	EventLogin              = "login"
	EventLogout             = "logout"
	EventFailedLogin        = "failed_login"
	EventPasswordChange     = "password_change"
	EventMFAEnabled         = "mfa_enabled"
	EventSuspiciousActivity = "suspicious_activity"
	EventMFAChallenge       = "mfa_challenge"
	EventSessionExpired     = "session_expired"
	EventSessionRevoked     = "session_revoked"
)

// Threat kinds
const (
	ThreatXSS                = "xss"
	ThreatSQLInjection       = "sql_injection"
	ThreatCSRF               = "csrf"
	ThreatRateLimit          = "rate_limit"
	ThreatSuspiciousActivity = "suspicious_activity"
)

// Severity orders threat records from least to most urgent
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSeverity maps a name to a Severity; unknown names return false
func ParseSeverity(name string) (Severity, bool) {
	for sev, n := range severityNames {
		if n == name {
			return sev, true
		}
	}
	return 0, false
}

// MarshalJSON encodes the severity by name
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	sev, ok := ParseSeverity(name)
	if !ok {
		return ErrBadRequest
	}
	*s = sev
	return nil
}

// SecurityEvent is an append-only authentication audit entry
type SecurityEvent struct {
	ID         string        `db:"id" json:"id"`
	Kind       string        `db:"kind" json:"kind"`
	SubjectID  string        `db:"subject_id" json:"subject_id,omitempty"`
	Identifier string        `db:"identifier" json:"identifier,omitempty"`
	Timestamp  time.Time     `db:"created_at" json:"timestamp"`
	Metadata   EventMetadata `db:"metadata" json:"metadata,omitempty"`
}

// ThreatRecord describes a detected suspicious pattern
type ThreatRecord struct {
	ID            string    `db:"id" json:"id"`
	Kind          string    `db:"kind" json:"kind"`
	Severity      Severity  `db:"severity" json:"severity"`
	Description   string    `db:"description" json:"description"`
	Timestamp     time.Time `db:"created_at" json:"timestamp"`
	PayloadSample string    `db:"payload_sample" json:"payload_sample,omitempty"`
}

// SecurityEventFilter narrows SecurityEvent queries; zero values match everything
type SecurityEventFilter struct {
	Kind      string
	SubjectID string
	Since     time.Time
	Limit     int
}

// Matches reports whether e satisfies the filter
func (f SecurityEventFilter) Matches(e *SecurityEvent) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// EventMetadata holds additional context for security events
type EventMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (m *EventMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(EventMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(bytes, &raw); err != nil {
		return err
	}
	*m = EventMetadata(raw)
	return nil
}

// Value implements driver.Valuer for JSONB
func (m EventMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(map[string]interface{}(m))
}
