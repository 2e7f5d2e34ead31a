package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/skyfold/skywallet/internal/util"
)

const (
	oauthSessionTTL = 10 * time.Minute
	userSessionTTL  = 24 * time.Hour

	sessionSweepInterval = time.Minute
	sessionIDBytes       = 32
)

type sessionKind string

const (
	kindOAuth sessionKind = "oauth"
	kindUser  sessionKind = "user"
)

// OAuthSessionData is the ephemeral state of one login flow, created at
// PAR time and consumed exactly once at the callback.
type OAuthSessionData struct {
	State          string
	CodeVerifier   string
	DPoPPrivateJWK []byte
	DPoPNonce      string
	TokenEndpoint  string
	Issuer         string
	Email          string
	Handle         string
	ExpectedDID    string
	PDSURL         string
}

// UserSessionData is the long-lived authenticated session. Verified is
// false until the second factor passes (when one is configured). The
// webauthn fields hold transient ceremony state.
type UserSessionData struct {
	DID       string
	Handle    string
	CreatedAt time.Time
	Verified  bool

	PendingTOTPSecret     string
	PendingTOTPExpiry     time.Time
	WebAuthnSessionData   string
	WebAuthnSessionExpiry time.Time
}

type sessionRecord struct {
	kind      sessionKind
	oauth     OAuthSessionData
	user      UserSessionData
	expiresAt time.Time
}

// sessionStore keeps typed, TTL-bounded session records keyed by random
// IDs. Only HMAC-signed wrappers of those IDs cross the trust boundary;
// the kind tag is checked after signature verification so a signed ID
// of one kind can never resolve a record of the other.
type sessionStore struct {
	mu   sync.RWMutex
	data map[string]sessionRecord

	signingKey []byte

	sweepOnce sync.Once
	done      chan struct{}
}

func newSessionStore(signingKey []byte) *sessionStore {
	return &sessionStore{
		data:       make(map[string]sessionRecord),
		signingKey: signingKey,
		done:       make(chan struct{}),
	}
}

// sign wraps a raw ID as "id.signature". Raw IDs are fixed-length
// base64url and never contain a dot themselves.
func (s *sessionStore) sign(id string) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(id))
	return id + "." + util.Base64URLEncode(mac.Sum(nil))
}

// verifySignedID recovers the raw ID from a signed wrapper. The split
// is on the last dot, the signature is length-checked and compared in
// constant time.
func (s *sessionStore) verifySignedID(signed string) (string, bool) {
	i := strings.LastIndex(signed, ".")
	if i <= 0 || i == len(signed)-1 {
		return "", false
	}
	id, sig := signed[:i], signed[i+1:]

	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(id))
	expected := util.Base64URLEncode(mac.Sum(nil))
	if len(sig) != len(expected) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return "", false
	}
	return id, true
}

func (s *sessionStore) create(kind sessionKind, rec sessionRecord) (string, error) {
	id, err := util.RandomURLSafe(sessionIDBytes)
	if err != nil {
		return "", err
	}
	rec.kind = kind
	s.mu.Lock()
	s.data[id] = rec
	s.mu.Unlock()
	s.startSweeper()
	return s.sign(id), nil
}

// get returns the record for a signed ID iff the signature verifies,
// the kind matches and the record is unexpired. All failure modes are
// uniformly "not found".
func (s *sessionStore) get(kind sessionKind, signed string) (sessionRecord, string, bool) {
	id, ok := s.verifySignedID(signed)
	if !ok {
		return sessionRecord{}, "", false
	}
	s.mu.RLock()
	rec, ok := s.data[id]
	s.mu.RUnlock()
	if !ok || rec.kind != kind || time.Now().After(rec.expiresAt) {
		return sessionRecord{}, "", false
	}
	return rec, id, true
}

func (s *sessionStore) delete(kind sessionKind, signed string) {
	id, ok := s.verifySignedID(signed)
	if !ok {
		return
	}
	s.mu.Lock()
	if rec, ok := s.data[id]; ok && rec.kind == kind {
		delete(s.data, id)
	}
	s.mu.Unlock()
}

// CreateOAuthSession stores flow state for 10 minutes and returns the
// signed ID.
func (s *sessionStore) CreateOAuthSession(data OAuthSessionData) (string, error) {
	return s.create(kindOAuth, sessionRecord{oauth: data, expiresAt: time.Now().Add(oauthSessionTTL)})
}

// GetOAuthSession resolves a signed OAuth-flow ID.
func (s *sessionStore) GetOAuthSession(signed string) (OAuthSessionData, bool) {
	rec, _, ok := s.get(kindOAuth, signed)
	if !ok {
		return OAuthSessionData{}, false
	}
	return rec.oauth, true
}

// ConsumeOAuthSession resolves and deletes a flow session in one step,
// guaranteeing single use of the callback state.
func (s *sessionStore) ConsumeOAuthSession(signed string) (OAuthSessionData, bool) {
	id, ok := s.verifySignedID(signed)
	if !ok {
		return OAuthSessionData{}, false
	}
	s.mu.Lock()
	rec, ok := s.data[id]
	if ok && rec.kind == kindOAuth {
		delete(s.data, id)
	}
	s.mu.Unlock()
	if !ok || rec.kind != kindOAuth || time.Now().After(rec.expiresAt) {
		return OAuthSessionData{}, false
	}
	return rec.oauth, true
}

func (s *sessionStore) DeleteOAuthSession(signed string) {
	s.delete(kindOAuth, signed)
}

// CreateUserSession stores an authenticated session for 24 hours and
// returns the signed ID.
func (s *sessionStore) CreateUserSession(data UserSessionData) (string, error) {
	return s.create(kindUser, sessionRecord{user: data, expiresAt: time.Now().Add(userSessionTTL)})
}

// GetUserSession resolves a signed user-session ID.
func (s *sessionStore) GetUserSession(signed string) (UserSessionData, bool) {
	rec, _, ok := s.get(kindUser, signed)
	if !ok {
		return UserSessionData{}, false
	}
	return rec.user, true
}

// UpdateUserSession replaces the data of an existing user session,
// keeping its expiry. Used to mark a session verified and to stash
// ceremony state.
func (s *sessionStore) UpdateUserSession(signed string, data UserSessionData) bool {
	id, ok := s.verifySignedID(signed)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[id]
	if !ok || rec.kind != kindUser || time.Now().After(rec.expiresAt) {
		return false
	}
	rec.user = data
	s.data[id] = rec
	return true
}

func (s *sessionStore) DeleteUserSession(signed string) {
	s.delete(kindUser, signed)
}

// startSweeper launches the minute sweep on first use. Idempotent; the
// goroutine exits on Close and never keeps the process alive on its own.
func (s *sessionStore) startSweeper() {
	s.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(sessionSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.sweep(time.Now())
				case <-s.done:
					return
				}
			}
		}()
	})
}

func (s *sessionStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.data {
		if now.After(rec.expiresAt) {
			delete(s.data, id)
		}
	}
}

// Close stops the sweeper goroutine.
func (s *sessionStore) Close() {
	close(s.done)
}
