package auth

import (
	"net/http"
	"strings"

	"github.com/BradenHooton/revguard/internal/models"
)

// Request headers the dashboard client uses to report environment signals
const (
	HeaderTimezone = "X-Client-Timezone"
	HeaderPlatform = "X-Client-Platform"
	HeaderScreen   = "X-Client-Screen"
)

// minCriticalMatches is how many of the three critical signals must agree
const minCriticalMatches = 2

// FingerprintValidator compares a session's stored fingerprint with the
// current request's signals.
//
// Only userAgent, timezone and platform are compared; language and screen
// resolution change legitimately (language packs, window resizes) and are
// kept for audit only. This is a lossy heuristic: a cross-device reuse that
// happens to share two of three signals is not detected.
type FingerprintValidator struct{}

// NewFingerprintValidator creates a FingerprintValidator
func NewFingerprintValidator() *FingerprintValidator {
	return &FingerprintValidator{}
}

// Matches reports whether at least two of the three critical signals match
func (v *FingerprintValidator) Matches(stored, current models.SessionFingerprint) bool {
	matches := 0
	if stored.UserAgent == current.UserAgent {
		matches++
	}
	if stored.Timezone == current.Timezone {
		matches++
	}
	if stored.Platform == current.Platform {
		matches++
	}
	return matches >= minCriticalMatches
}

// FingerprintFromRequest builds a fingerprint from request headers
func FingerprintFromRequest(r *http.Request) models.SessionFingerprint {
	return models.SessionFingerprint{
		UserAgent:        strings.TrimSpace(r.Header.Get("User-Agent")),
		Timezone:         strings.TrimSpace(r.Header.Get(HeaderTimezone)),
		Platform:         strings.TrimSpace(r.Header.Get(HeaderPlatform)),
		Language:         strings.TrimSpace(r.Header.Get("Accept-Language")),
		ScreenResolution: strings.TrimSpace(r.Header.Get(HeaderScreen)),
	}
}
