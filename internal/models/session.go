package models

import "time"

// SessionFingerprint is a snapshot of client environment signals captured at login.
type SessionFingerprint struct {
	UserAgent        string `json:"user_agent"`
	Timezone         string `json:"timezone"`
	Platform         string `json:"platform"`
	Language         string `json:"language"`
	ScreenResolution string `json:"screen_resolution"`
}

// StoredSession is the canonical server-side session record.
// SessionToken is opaque and owned by the identity provider.
type StoredSession struct {
	ID             string             `db:"id" json:"id"`
	SubjectID      string             `db:"subject_id" json:"subject_id"`
	SessionToken   string             `db:"session_token" json:"session_token"`
	Fingerprint    SessionFingerprint `db:"fingerprint" json:"fingerprint"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	LastActivityAt time.Time          `db:"last_activity_at" json:"last_activity_at"`
	ExpiresAt      time.Time          `db:"expires_at" json:"expires_at"`
}

// Session end reasons recorded in security events
const (
	SessionEndLogout              = "logout"
	SessionEndAbsoluteTimeout     = "absolute_timeout"
	SessionEndInactivityTimeout   = "inactivity_timeout"
	SessionEndFingerprintMismatch = "fingerprint_mismatch"
	SessionEndRefreshExpired      = "refresh_expired"
)
