package auth

import (
	"net/http"
	"time"
)

const (
	// SessionCookieName carries the opaque session id
	SessionCookieName = "session_id"
	// CSRFCookieName carries the most recently issued CSRF token
	CSRFCookieName = "csrf_token"
)

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain   string // Empty string = current host only
	Secure   bool   // HTTPS only
	SameSite string // "strict", "lax", or "none"

	// SessionLifetime is the absolute session timeout. Zero issues a
	// browser-session cookie.
	SessionLifetime time.Duration
}

// SetSessionCookie sets the session id in an httpOnly cookie that lives until
// the session's absolute deadline. Token refreshes never shorten it.
func SetSessionCookie(w http.ResponseWriter, sessionID string, createdAt time.Time, config CookieConfig) {
	var expires time.Time
	if config.SessionLifetime > 0 {
		expires = createdAt.Add(config.SessionLifetime)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   config.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// SetCSRFTokenCookie sets a CSRF token in a readable cookie.
// The dashboard echoes it back in the X-CSRF-Token header.
func SetCSRFTokenCookie(w http.ResponseWriter, csrfToken string, maxAge int, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// ClearSessionCookie expires the session cookie
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	clearCookie(w, SessionCookieName, true, config)
}

// ClearCSRFTokenCookie expires the CSRF cookie
func ClearCSRFTokenCookie(w http.ResponseWriter, config CookieConfig) {
	clearCookie(w, CSRFCookieName, false, config)
}

func clearCookie(w http.ResponseWriter, name string, httpOnly bool, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: httpOnly,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// GetSessionCookie retrieves the session id from cookies
func GetSessionCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// parseSameSite converts string to http.SameSite constant
func parseSameSite(sameSite string) http.SameSite {
	switch sameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}
