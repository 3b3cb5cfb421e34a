package auth

import (
	"net/http"
	"strings"
	"time"
)

// CookieName is the session cookie set on signup and login.
const CookieName = "session"

// TokensFromRequest returns the candidate session tokens: the session
// cookie first, then an "Authorization: Bearer" header. A stale cookie
// must not hide a valid bearer token, so callers try them in order.
func TokensFromRequest(r *http.Request) []string {
	var tokens []string
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		tokens = append(tokens, c.Value)
	}
	h := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" && (len(tokens) == 0 || tokens[0] != token) {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// SessionCookie builds the cookie carrying token for ttl.
func SessionCookie(token string, ttl time.Duration, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
