package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skyfold/skywallet/internal/util"
)

const (
	csrfHeader = "X-CSRF-Token"
	csrfMaxAge = time.Hour

	csrfNonceBytes = 16
)

// csrfGuard issues and validates stateless double-submit tokens of the
// form "timestamp.nonce.mac". Nothing is stored server side; the MAC
// binds the timestamp and nonce to the derived CSRF key.
type csrfGuard struct {
	secret []byte
}

func newCSRFGuard(secret []byte) *csrfGuard {
	return &csrfGuard{secret: secret}
}

func (g *csrfGuard) Generate() (string, error) {
	nonce, err := util.RandomURLSafe(csrfNonceBytes)
	if err != nil {
		return "", err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 36)
	return ts + "." + nonce + "." + g.mac(ts, nonce), nil
}

func (g *csrfGuard) mac(ts, nonce string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(ts + "." + nonce))
	return util.Base64URLEncode(mac.Sum(nil))
}

// Validate accepts a token iff it has exactly three non-empty parts,
// the MAC verifies and the timestamp is within the last hour. Every
// failure mode returns the same false.
func (g *csrfGuard) Validate(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return false
	}
	expected := g.mac(parts[0], parts[1])
	if len(parts[2]) != len(expected) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(parts[2]), []byte(expected)) != 1 {
		return false
	}
	issued, err := strconv.ParseInt(parts[0], 36, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(issued, 0))
	return age >= 0 && age <= csrfMaxAge
}

// requireCSRF rejects state-changing requests without a valid token.
// Safe methods pass through untouched.
func (a *API) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if !a.csrf.Validate(r.Header.Get(csrfHeader)) {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CSRFToken hands the authenticated client a fresh token.
func (a *API) CSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.csrf.Generate()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}
