package models

import "time"

// AuthAttempt tracks consecutive failed attempts for one identifier.
// Identifiers are emails or composite keys such as "ip_<addr>" and "mfa_<challenge>".
type AuthAttempt struct {
	Identifier    string     `db:"identifier" json:"identifier"`
	Count         int        `db:"count" json:"count"`
	LastAttemptAt time.Time  `db:"last_attempt_at" json:"last_attempt_at"`
	LockedUntil   *time.Time `db:"locked_until" json:"locked_until,omitempty"`
}

// IsLocked reports whether a lockout is active at now
func (a *AuthAttempt) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// LockoutElapsed reports whether the record carried a lockout that has since ended
func (a *AuthAttempt) LockoutElapsed(now time.Time) bool {
	return a.LockedUntil != nil && !now.Before(*a.LockedUntil)
}

// RateLimitDecision is the outcome of recording or checking an attempt
type RateLimitDecision struct {
	Allowed     bool       `json:"allowed"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Remaining   int        `json:"remaining"`
}
