package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type contextKey int

const sessionKey contextKey = iota

const (
	sessionCookieName    = "session_id"
	oauthStateCookieName = "oauth_state"
)

// sessionContext is what handlers see after AuthMiddleware: the live
// session data plus the signed token needed to update it.
type sessionContext struct {
	Token string
	Data  UserSessionData
}

// AuthMiddleware resolves the session cookie into a user session and
// stores it on the request context. An unverified session still passes
// here; handlers that need a completed second factor add
// RequireVerified on top.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		data, ok := a.sessions.GetUserSession(cookie.Value)
		if !ok {
			clearSessionCookie(w, r)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sc := sessionContext{Token: cookie.Value, Data: data}
		ctx := context.WithValue(r.Context(), sessionKey, sc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireVerified gates handlers behind a completed second factor.
func (a *API) RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := sessionFromContext(r.Context())
		if !ok || !sc.Data.Verified {
			writeError(w, http.StatusUnauthorized, "two-factor verification required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFromContext(ctx context.Context) (sessionContext, bool) {
	sc, ok := ctx.Value(sessionKey).(sessionContext)
	return sc, ok
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(userSessionTTL),
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// writeOAuthStateCookie pins the OAuth flow session to the browser for
// the duration of the redirect round trip.
func writeOAuthStateCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(oauthSessionTTL),
	})
}

func clearOAuthStateCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// clientIP extracts the address used for per-IP rate limiting. The
// port is stripped so keys stay stable across connections.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}
	return addr
}
