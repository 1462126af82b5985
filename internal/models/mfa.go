package models

import (
	"time"
)

// MFAChallenge is a short-lived, single-use verification code tied to a pending login.
type MFAChallenge struct {
	ChallengeID string    `json:"challenge_id"`
	SubjectID   string    `json:"-"`
	Code        string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	Consumed    bool      `json:"-"`
}

// IsExpired reports whether the challenge is past its expiry at now
func (c *MFAChallenge) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// PendingLogin carries the identity-provider result of a password check while
// the second factor is outstanding.
type PendingLogin struct {
	SubjectID    string
	Identifier   string
	SessionToken string
	ExpiresAt    time.Time
	Fingerprint  SessionFingerprint
}
