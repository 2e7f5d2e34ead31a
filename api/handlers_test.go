package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfold/skywallet/oauth"
	"github.com/skyfold/skywallet/storage"
	"github.com/skyfold/skywallet/storage/memory"
	"github.com/skyfold/skywallet/twofactor"
	"github.com/skyfold/skywallet/wallet"
)

const testDID = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"

// captureMailer records the last code instead of sending mail.
type captureMailer struct {
	mu      sync.Mutex
	to      string
	code    string
	purpose string
}

func (m *captureMailer) SendOTP(_ context.Context, to, code, purpose string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to, m.code, m.purpose = to, code, purpose
	return nil
}

func (m *captureMailer) last() (string, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.to, m.code, m.purpose
}

func newTestAPI(t *testing.T, opts ...Option) *API {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []Option{WithLogger(logger)}
	a, err := New(memory.New(),
		oauth.NewClient("https://app.example/client-metadata.json", "https://app.example/callback", "atproto"),
		[]byte("test-master-secret-test-master-secret"),
		append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// sessionFor creates a user session and returns its cookie.
func sessionFor(t *testing.T, a *API, data UserSessionData) *http.Cookie {
	t.Helper()
	token, err := a.sessions.CreateUserSession(data)
	require.NoError(t, err)
	return &http.Cookie{Name: sessionCookieName, Value: token}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, cookie *http.Cookie, csrf string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if csrf != "" {
		req.Header.Set(csrfHeader, csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func csrfFor(t *testing.T, a *API) string {
	t.Helper()
	token, err := a.csrf.Generate()
	require.NoError(t, err)
	return token
}

// totpCode computes the current RFC 6238 value for a base32 secret,
// independently of the production implementation.
func totpCode(t *testing.T, secret string) string {
	t.Helper()
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	require.NoError(t, err)
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(time.Now().Unix()/30))
	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000)
}

func TestSessionInfoAnonymous(t *testing.T) {
	a := newTestAPI(t)

	rec := doJSON(t, a.Router(), http.MethodGet, "/auth/session", nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Authenticated)
}

func TestSessionInfoAuthenticated(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Handle: "alice.bsky.social", Verified: true})

	rec := doJSON(t, a.Router(), http.MethodGet, "/auth/session", nil, cookie, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Authenticated)
	assert.Equal(t, testDID, resp.DID)
	assert.True(t, resp.Verified)
}

func TestTwoFactorStatusRequiresAuth(t *testing.T) {
	a := newTestAPI(t)

	rec := doJSON(t, a.Router(), http.MethodGet, "/auth/2fa", nil, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMutationRequiresCSRF(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	rec := doJSON(t, a.Router(), http.MethodPost, "/auth/2fa/totp/setup", nil, cookie, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnverifiedSessionCannotManageMethods(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: false})

	rec := doJSON(t, a.Router(), http.MethodPost, "/auth/2fa/totp/setup", nil, cookie, csrfFor(t, a))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTOTPSetupEnableAndVerify(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	rec := doJSON(t, r, http.MethodPost, "/auth/2fa/totp/setup", nil, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	var setup totpSetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))
	require.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.URI, "otpauth://totp/")

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/totp/enable",
		verifyRequest{Code: totpCode(t, setup.Secret)}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/auth/2fa", nil, cookie, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status twoFactorStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Enabled)
	assert.Equal(t, "totp", status.DefaultMethod)
	require.Len(t, status.Methods, 1)

	// A fresh login must now pass the gate before it counts as verified.
	gateCookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: false})
	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/verify",
		verifyRequest{Code: totpCode(t, setup.Secret)}, gateCookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	data, ok := a.sessions.GetUserSession(gateCookie.Value)
	require.True(t, ok)
	assert.True(t, data.Verified)
}

func TestTOTPEnableRejectsBadCode(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	rec := doJSON(t, r, http.MethodPost, "/auth/2fa/totp/setup", nil, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/totp/enable",
		verifyRequest{Code: "000000"}, cookie, csrf)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTOTPEnableWithoutSetup(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	rec := doJSON(t, a.Router(), http.MethodPost, "/auth/2fa/totp/enable",
		verifyRequest{Code: "123456"}, cookie, csrfFor(t, a))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmailSetupEnableAndLoginGate(t *testing.T) {
	mailer := &captureMailer{}
	a := newTestAPI(t, WithMailer(mailer))
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	rec := doJSON(t, r, http.MethodPost, "/auth/2fa/email/setup",
		emailSetupRequest{Address: "alice@example.com"}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	to, code, purpose := mailer.last()
	assert.Equal(t, "alice@example.com", to)
	assert.Equal(t, twofactor.PurposeEmailSetup, purpose)
	require.Len(t, code, 6)

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/email/enable",
		verifyRequest{Code: code}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	// Login gate: request a code and redeem it.
	gateCookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: false})
	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/send-code", nil, gateCookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	_, code, purpose = mailer.last()
	assert.Equal(t, twofactor.PurposeLogin, purpose)

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/verify",
		verifyRequest{Method: "email", Code: code}, gateCookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	data, ok := a.sessions.GetUserSession(gateCookie.Value)
	require.True(t, ok)
	assert.True(t, data.Verified)
}

func TestEmailSetupRejectsBadAddress(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	rec := doJSON(t, a.Router(), http.MethodPost, "/auth/2fa/email/setup",
		emailSetupRequest{Address: "not-an-email"}, cookie, csrfFor(t, a))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmailCodeIsSingleUse(t *testing.T) {
	mailer := &captureMailer{}
	a := newTestAPI(t, WithMailer(mailer))
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	rec := doJSON(t, r, http.MethodPost, "/auth/2fa/email/setup",
		emailSetupRequest{Address: "alice@example.com"}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	_, code, _ := mailer.last()

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/email/enable",
		verifyRequest{Code: code}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/email/enable",
		verifyRequest{Code: code}, cookie, csrf)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisableSoleMethodClearsConfig(t *testing.T) {
	mailer := &captureMailer{}
	a := newTestAPI(t, WithMailer(mailer))
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	rec := doJSON(t, r, http.MethodPost, "/auth/2fa/email/setup",
		emailSetupRequest{Address: "alice@example.com"}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	_, code, _ := mailer.last()
	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/email/enable",
		verifyRequest{Code: code}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	// Disabling email needs a mailed disable code.
	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/send-code",
		sendCodeRequest{Purpose: "disable"}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	_, code, purpose := mailer.last()
	require.Equal(t, twofactor.PurposeEmailDisable, purpose)

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/disable",
		verifyRequest{Method: "email", Code: code}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/auth/2fa", nil, cookie, "")
	var status twoFactorStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Enabled)
}

// failingConfigRepo rejects config deletes so tests can observe what a
// half-finished disable leaves behind.
type failingConfigRepo struct {
	storage.Repository
}

func (r *failingConfigRepo) DeleteTwoFactorConfig(string) error {
	return errors.New("disk full")
}

func TestDisablePasskeyKeepsCredentialsUntilConfigUpdates(t *testing.T) {
	repo := &failingConfigRepo{Repository: memory.New()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(repo,
		oauth.NewClient("https://app.example/client-metadata.json", "https://app.example/callback", "atproto"),
		[]byte("test-master-secret-test-master-secret"),
		WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	cfg := twofactor.AddMethod(nil, twofactor.Method{Type: twofactor.MethodPasskey, EnabledAt: time.Now()})
	require.NoError(t, repo.Repository.SaveTwoFactorConfig(testDID, cfg))
	require.NoError(t, repo.AddPasskeyCredential(testDID, webauthn.Credential{ID: []byte("cred-1")}))

	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	rec := doJSON(t, a.Router(), http.MethodPost, "/auth/2fa/disable",
		verifyRequest{Method: "passkey"}, cookie, csrfFor(t, a))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// The method is still listed, so its credentials must still exist.
	creds, err := repo.PasskeyCredentials(testDID)
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestSetDefaultMethod(t *testing.T) {
	mailer := &captureMailer{}
	a := newTestAPI(t, WithMailer(mailer))
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	// Enable TOTP first, then email; TOTP stays the default.
	rec := doJSON(t, r, http.MethodPost, "/auth/2fa/totp/setup", nil, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	var setup totpSetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))
	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/totp/enable",
		verifyRequest{Code: totpCode(t, setup.Secret)}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/email/setup",
		emailSetupRequest{Address: "alice@example.com"}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	_, code, _ := mailer.last()
	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/email/enable",
		verifyRequest{Code: code}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/auth/2fa", nil, cookie, "")
	var status twoFactorStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "totp", status.DefaultMethod)
	assert.Len(t, status.Methods, 2)

	rec = doJSON(t, r, http.MethodPost, "/auth/2fa/default",
		methodRequest{Method: "email"}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/auth/2fa", nil, cookie, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "email", status.DefaultMethod)
}

func TestSetDefaultRejectsDisabledMethod(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	rec := doJSON(t, a.Router(), http.MethodPost, "/auth/2fa/default",
		methodRequest{Method: "totp"}, cookie, csrfFor(t, a))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyRateLimited(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: false})
	csrf := csrfFor(t, a)

	for i := 0; i < verifyLimit; i++ {
		rec := doJSON(t, r, http.MethodPost, "/auth/2fa/verify",
			verifyRequest{Code: "000000"}, cookie, csrf)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code, "attempt %d", i)
	}
	rec := doJSON(t, r, http.MethodPost, "/auth/2fa/verify",
		verifyRequest{Code: "000000"}, cookie, csrf)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestPasskeyLoginRateLimitSetsRetryAfter(t *testing.T) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Skywallet",
		RPID:          "app.example",
		RPOrigins:     []string{"https://app.example"},
	})
	require.NoError(t, err)
	a := newTestAPI(t, WithWebAuthn(wa))
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: false})
	csrf := csrfFor(t, a)

	// The passkey gate shares the attempt budget with code verification.
	for i := 0; i < verifyLimit; i++ {
		doJSON(t, r, http.MethodPost, "/auth/2fa/verify",
			verifyRequest{Code: "000000"}, cookie, csrf)
	}
	rec := doJSON(t, r, http.MethodPost, "/auth/2fa/passkey/login/finish", nil, cookie, csrf)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestLogoutDeletesSession(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	rec := doJSON(t, a.Router(), http.MethodPost, "/auth/logout", nil, cookie, csrfFor(t, a))
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := a.sessions.GetUserSession(cookie.Value)
	assert.False(t, ok)
}

func TestLogoutRequiresCSRFToken(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	// A cross-site form post carries the session cookie but cannot
	// read a token; the session must survive.
	rec := doJSON(t, a.Router(), http.MethodPost, "/auth/logout", nil, cookie, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	_, ok := a.sessions.GetUserSession(cookie.Value)
	assert.True(t, ok)
}

func TestWalletUnconfigured(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	rec := doJSON(t, a.Router(), http.MethodGet, "/wallet/balance", nil, cookie, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWalletRequiresVerifiedSession(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: false})

	rec := doJSON(t, a.Router(), http.MethodGet, "/wallet/balance", nil, cookie, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWalletBalancePassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "/v1/wallets/"+testDID+"/balance", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance":420}`))
	}))
	defer upstream.Close()

	a := newTestAPI(t, WithWalletClient(wallet.NewClient(upstream.URL, "secret-key")))
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	rec := doJSON(t, a.Router(), http.MethodGet, "/wallet/balance", nil, cookie, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balance":420}`, rec.Body.String())
}

func TestTransactionDailySpendCap(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"id":"tx1"}`))
	}))
	defer upstream.Close()

	a := newTestAPI(t,
		WithWalletClient(wallet.NewClient(upstream.URL, "secret-key")),
		WithDailySpendLimit(100))
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	rec := doJSON(t, r, http.MethodPost, "/wallet/transactions",
		transactionRequest{Recipient: "bob.bsky.social", Amount: 80}, cookie, csrf)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/wallet/transactions",
		transactionRequest{Recipient: "bob.bsky.social", Amount: 30}, cookie, csrf)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 1, calls, "the capped transaction must not reach upstream")
}

func TestTransactionUpstreamFailureReleasesBudget(t *testing.T) {
	fail := true
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"insufficient funds"}`))
			return
		}
		w.Write([]byte(`{"id":"tx1"}`))
	}))
	defer upstream.Close()

	a := newTestAPI(t,
		WithWalletClient(wallet.NewClient(upstream.URL, "secret-key")),
		WithDailySpendLimit(100))
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	rec := doJSON(t, r, http.MethodPost, "/wallet/transactions",
		transactionRequest{Recipient: "bob.bsky.social", Amount: 100}, cookie, csrf)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The rejected amount is back in the budget.
	fail = false
	rec = doJSON(t, r, http.MethodPost, "/wallet/transactions",
		transactionRequest{Recipient: "bob.bsky.social", Amount: 100}, cookie, csrf)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTransactionValidation(t *testing.T) {
	a := newTestAPI(t, WithWalletClient(wallet.NewClient("http://wallet.invalid", "key")))
	r := a.Router()
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})
	csrf := csrfFor(t, a)

	rec := doJSON(t, r, http.MethodPost, "/wallet/transactions",
		transactionRequest{Recipient: "", Amount: 10}, cookie, csrf)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/wallet/transactions",
		transactionRequest{Recipient: "bob.bsky.social", Amount: -5}, cookie, csrf)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// fakeAuthServer stands in for a PDS and its authorization server.
func fakeAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"authorization_servers": []string{ts.URL}})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                                ts.URL,
			"pushed_authorization_request_endpoint": ts.URL + "/par",
			"authorization_endpoint":                ts.URL + "/authorize",
			"token_endpoint":                        ts.URL + "/token",
		})
	})
	mux.HandleFunc("/par", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.Header.Get("DPoP"))
		assert.Equal(t, "S256", r.PostFormValue("code_challenge_method"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"request_uri": "urn:ietf:params:oauth:request_uri:abc", "expires_in": 60})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"token_type":   "DPoP",
			"sub":          testDID,
		})
	})
	ts = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestStartLoginWithEmailRedirects(t *testing.T) {
	ts := fakeAuthServer(t)
	a := newTestAPI(t, WithHomePDS(ts.URL))

	form := url.Values{"identifier": {"alice@example.com"}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, ts.URL+"/authorize")
	assert.Contains(t, location, "request_uri=")

	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == oauthStateCookieName {
			stateCookie = c
		}
	}
	require.NotNil(t, stateCookie, "flow cookie must be set")

	flow, ok := a.sessions.GetOAuthSession(stateCookie.Value)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", flow.Email)
	assert.Equal(t, ts.URL+"/token", flow.TokenEndpoint)
}

func TestStartLoginRejectsGarbageIdentifier(t *testing.T) {
	a := newTestAPI(t)

	form := url.Values{"identifier": {"not valid at all"}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/login?error=")
}

func TestStartLoginRateLimited(t *testing.T) {
	ts := fakeAuthServer(t)
	a := newTestAPI(t, WithHomePDS(ts.URL))
	r := a.Router()

	for i := 0; i < loginLimitPerIdentifier; i++ {
		form := url.Values{"identifier": {"alice@example.com"}}
		req := httptest.NewRequest(http.MethodPost, "/oauth/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	form := url.Values{"identifier": {"alice@example.com"}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "too+many")
}

// flowFor plants an OAuth flow session pointing at the fake token
// endpoint and returns its cookie.
func flowFor(t *testing.T, a *API, ts *httptest.Server, expectedDID string) *http.Cookie {
	t.Helper()
	key, err := oauth.GenerateDPoPKey()
	require.NoError(t, err)
	jwk, err := key.PrivateJWK()
	require.NoError(t, err)

	token, err := a.sessions.CreateOAuthSession(OAuthSessionData{
		State:          "test-state",
		CodeVerifier:   "test-verifier-test-verifier-test-verifier-1",
		DPoPPrivateJWK: jwk,
		TokenEndpoint:  ts.URL + "/token",
		Issuer:         ts.URL,
		ExpectedDID:    expectedDID,
	})
	require.NoError(t, err)
	return &http.Cookie{Name: oauthStateCookieName, Value: token}
}

func TestCallbackEstablishesSession(t *testing.T) {
	ts := fakeAuthServer(t)
	a := newTestAPI(t)
	cookie := flowFor(t, a, ts, testDID)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=test-state", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)

	data, ok := a.sessions.GetUserSession(sessionCookie.Value)
	require.True(t, ok)
	assert.Equal(t, testDID, data.DID)
	assert.True(t, data.Verified, "no 2FA configured, session starts verified")
}

func TestCallbackWithTwoFactorStartsUnverified(t *testing.T) {
	ts := fakeAuthServer(t)
	a := newTestAPI(t)
	require.NoError(t, a.repo.SaveTwoFactorConfig(testDID, twofactor.AddMethod(nil, twofactor.Method{
		Type:      twofactor.MethodTOTP,
		Secret:    "JBSWY3DPEHPK3PXP",
		EnabledAt: time.Now(),
	})))
	cookie := flowFor(t, a, ts, testDID)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=test-state", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/2fa", rec.Header().Get("Location"))
}

func TestCallbackFlowSessionIsOneShot(t *testing.T) {
	ts := fakeAuthServer(t)
	a := newTestAPI(t)
	cookie := flowFor(t, a, ts, testDID)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=test-state", nil)
	req.AddCookie(cookie)
	a.Router().ServeHTTP(httptest.NewRecorder(), req)

	// Replaying the same callback must fail.
	req = httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=test-state", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/login?error=")
}

func TestCallbackStateMismatch(t *testing.T) {
	ts := fakeAuthServer(t)
	a := newTestAPI(t)
	cookie := flowFor(t, a, ts, testDID)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=wrong", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/login?error=")
}

func TestCallbackDIDMismatch(t *testing.T) {
	ts := fakeAuthServer(t)
	a := newTestAPI(t)
	cookie := flowFor(t, a, ts, "did:plc:someoneelse0000000000000")

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=test-state", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/login?error=")

	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			assert.Empty(t, c.Value, "no session may be created on a DID mismatch")
		}
	}
}

func TestCSRFTokenEndpoint(t *testing.T) {
	a := newTestAPI(t)
	cookie := sessionFor(t, a, UserSessionData{DID: testDID, Verified: true})

	rec := doJSON(t, a.Router(), http.MethodGet, "/auth/csrf", nil, cookie, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, a.csrf.Validate(resp["csrfToken"]))
}
