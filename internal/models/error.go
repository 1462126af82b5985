package models

import (
	"errors"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Authentication
	ErrRateLimited          = errors.New("too many failed attempts")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrIdentityUnavailable  = errors.New("identity provider unavailable")
	ErrIdentityTokenExpired = errors.New("identity token expired")

	// Session lifecycle
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionNotFound     = errors.New("session not found")
	ErrFingerprintMismatch = errors.New("session fingerprint mismatch")

	// MFA challenges
	ErrMFAExpired     = errors.New("verification code expired")
	ErrMFAMismatch    = errors.New("verification code incorrect")
	ErrMFAAlreadyUsed = errors.New("verification code already used")
	ErrMFANotFound    = errors.New("verification challenge not found")

	// Request integrity
	ErrCSRFInvalid       = errors.New("csrf token invalid")
	ErrInjectionDetected = errors.New("potential injection detected")
)

// RateLimitedError reports an active lockout and when it ends.
type RateLimitedError struct {
	LockedUntil time.Time
}

func (e *RateLimitedError) Error() string {
	return "too many failed attempts, locked until " + e.LockedUntil.UTC().Format(time.RFC3339)
}

// Is lets errors.Is(err, ErrRateLimited) match
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsRetryable reports whether err is a transient failure the caller may retry
// without new credentials.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIdentityUnavailable)
}
