package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skyfold/skywallet/identity"
	"github.com/skyfold/skywallet/internal/util"
	"github.com/skyfold/skywallet/oauth"
	"github.com/skyfold/skywallet/storage"
)

const (
	loginLimitPerIdentifier = 10
	loginLimitPerIP         = 30
	loginWindow             = 15 * time.Minute
)

// StartLogin begins the OAuth flow for a handle or an email address.
// Handles are resolved all the way to their PDS; emails go through the
// configured home PDS with a login hint. Either way the browser ends up
// at the authorization endpoint.
func (a *API) StartLogin(w http.ResponseWriter, r *http.Request) {
	identifier := loginIdentifier(r)
	if identifier == "" {
		loginRedirect(w, r, "missing handle or email")
		return
	}
	identifier = util.Normalize(identifier)

	if ok, _ := a.limiter.Allow("login:"+identifier, loginLimitPerIdentifier, loginWindow); !ok {
		a.audit.logFailure(AuditLoginRateLimited, r, "identifier limit",
			slog.String("identifier", sanitizeForLog(identifier)))
		loginRedirect(w, r, "too many login attempts, try again later")
		return
	}
	if ok, _ := a.limiter.Allow("login-ip:"+clientIP(r), loginLimitPerIP, loginWindow); !ok {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip limit")
		loginRedirect(w, r, "too many login attempts, try again later")
		return
	}

	a.audit.log(AuditLoginStarted, r, slog.String("identifier", sanitizeForLog(identifier)))

	var (
		flow OAuthSessionData
		pds  string
	)
	switch {
	case validateEmail(identifier):
		flow.Email = identifier
		pds = a.homePDSURL
	case identity.ValidHandle(identifier):
		did, err := a.resolver.ResolveHandle(r.Context(), identifier)
		if err != nil {
			a.audit.logFailure(AuditLoginFailure, r, "handle resolution",
				slog.String("identifier", sanitizeForLog(identifier)))
			loginRedirect(w, r, "could not resolve handle")
			return
		}
		pdsURL, err := a.resolver.ResolvePDS(r.Context(), did)
		if err != nil {
			a.audit.logFailure(AuditLoginFailure, r, "pds resolution",
				slog.String("did", sanitizeForLog(did)))
			loginRedirect(w, r, "could not locate account server")
			return
		}
		flow.Handle = identifier
		flow.ExpectedDID = did
		pds = pdsURL
	default:
		loginRedirect(w, r, "enter a valid handle or email address")
		return
	}
	flow.PDSURL = pds

	authServer, err := a.resolver.DiscoverAuthServer(r.Context(), pds)
	if err != nil {
		a.audit.logFailure(AuditLoginFailure, r, "oauth discovery")
		loginRedirect(w, r, "account server does not support login")
		return
	}

	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		loginRedirect(w, r, "internal error")
		return
	}
	state, err := oauth.GenerateState()
	if err != nil {
		loginRedirect(w, r, "internal error")
		return
	}
	key, err := oauth.GenerateDPoPKey()
	if err != nil {
		loginRedirect(w, r, "internal error")
		return
	}

	loginHint := identifier
	requestURI, nonce, err := a.oauth.PushAuthorization(r.Context(), authServer.PAREndpoint, key, oauth.AuthRequest{
		State:         state,
		CodeChallenge: oauth.CodeChallenge(verifier),
		LoginHint:     loginHint,
	})
	if err != nil {
		a.audit.logFailure(AuditLoginFailure, r, "pushed authorization")
		loginRedirect(w, r, "login request was rejected by the account server")
		return
	}

	privateJWK, err := key.PrivateJWK()
	if err != nil {
		loginRedirect(w, r, "internal error")
		return
	}
	flow.State = state
	flow.CodeVerifier = verifier
	flow.DPoPPrivateJWK = privateJWK
	flow.DPoPNonce = nonce
	flow.TokenEndpoint = authServer.TokenEndpoint
	flow.Issuer = authServer.Issuer

	token, err := a.sessions.CreateOAuthSession(flow)
	if err != nil {
		loginRedirect(w, r, "internal error")
		return
	}
	writeOAuthStateCookie(w, r, token)

	a.audit.log(AuditLoginRedirected, r, slog.String("issuer", authServer.Issuer))
	http.Redirect(w, r, a.oauth.AuthorizeURL(authServer.AuthorizationEndpoint, requestURI), http.StatusFound)
}

// loginIdentifier accepts either a JSON body or a form post from the
// login page.
func loginIdentifier(r *http.Request) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return ""
		}
		return strings.TrimSpace(req.Identifier)
	}
	if err := r.ParseForm(); err != nil {
		return ""
	}
	return strings.TrimSpace(r.PostFormValue("identifier"))
}

// Callback finishes the OAuth flow: it consumes the flow session bound
// to the browser, checks the state parameter, redeems the code and
// establishes the user session. When a second factor is configured the
// session starts unverified and the browser lands on the 2FA page.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(oauthStateCookieName)
	if err != nil || cookie.Value == "" {
		a.audit.logFailure(AuditCallbackFailure, r, "missing flow cookie")
		loginRedirect(w, r, "login session expired, start again")
		return
	}
	clearOAuthStateCookie(w, r)

	// One shot: the flow session is gone after this whether or not the
	// rest of the callback succeeds.
	flow, ok := a.sessions.ConsumeOAuthSession(cookie.Value)
	if !ok {
		a.audit.logFailure(AuditCallbackFailure, r, "invalid flow session")
		loginRedirect(w, r, "login session expired, start again")
		return
	}

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		a.audit.logFailure(AuditCallbackFailure, r, "authorization server error")
		loginRedirect(w, r, "login was cancelled or rejected")
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if code == "" || state == "" || state != flow.State {
		a.audit.logFailure(AuditCallbackFailure, r, "state mismatch")
		loginRedirect(w, r, "login could not be completed")
		return
	}

	key, err := oauth.RestoreDPoPKey(flow.DPoPPrivateJWK)
	if err != nil {
		a.audit.logFailure(AuditCallbackFailure, r, "dpop key restore")
		loginRedirect(w, r, "login could not be completed")
		return
	}
	token, err := a.oauth.ExchangeCode(r.Context(), flow.TokenEndpoint, key, code, flow.CodeVerifier, flow.DPoPNonce)
	if err != nil {
		a.audit.logFailure(AuditCallbackFailure, r, "token exchange")
		loginRedirect(w, r, "login could not be completed")
		return
	}

	// A handle login pinned the expected account at PAR time; the token
	// must belong to the same DID.
	if flow.ExpectedDID != "" && token.Sub != flow.ExpectedDID {
		a.audit.logFailure(AuditCallbackFailure, r, "did mismatch",
			slog.String("did", sanitizeForLog(token.Sub)))
		loginRedirect(w, r, "login could not be completed")
		return
	}

	handle := flow.Handle
	if handle == "" {
		handle = flow.Email
	}

	verified := true
	if _, err := a.repo.TwoFactorConfig(token.Sub); err == nil {
		verified = false
	} else if !errors.Is(err, storage.ErrNotFound) {
		a.audit.logFailure(AuditCallbackFailure, r, "storage error")
		loginRedirect(w, r, "internal error")
		return
	}

	sessionToken, err := a.sessions.CreateUserSession(UserSessionData{
		DID:       token.Sub,
		Handle:    handle,
		CreatedAt: time.Now(),
		Verified:  verified,
	})
	if err != nil {
		loginRedirect(w, r, "internal error")
		return
	}
	writeSessionCookie(w, r, sessionToken)

	a.audit.logEvent(AuditCallbackSuccess, r, token.Sub, slog.Bool("two_factor", !verified))
	if verified {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/2fa", http.StatusFound)
}

// SessionInfo reports whether the caller has a session and, if so,
// whose. It never fails; an anonymous caller just gets
// authenticated=false.
func (a *API) SessionInfo(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	data, ok := a.sessions.GetUserSession(cookie.Value)
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Authenticated: true,
		DID:           data.DID,
		Handle:        data.Handle,
		Verified:      data.Verified,
		TwoFactor:     !data.Verified,
	})
}

// Logout deletes the session server side and clears the cookie. Safe
// to call without a session.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if data, ok := a.sessions.GetUserSession(cookie.Value); ok {
			a.audit.logEvent(AuditLogout, r, data.DID)
		}
		a.sessions.DeleteUserSession(cookie.Value)
	}
	clearSessionCookie(w, r)
	writeSuccess(w)
}
