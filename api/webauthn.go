package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/skyfold/skywallet/storage"
	"github.com/skyfold/skywallet/twofactor"
)

const webauthnCeremonyTTL = 5 * time.Minute

// webauthnUser adapts an account to the webauthn.User interface. The
// DID is the stable user handle; the display name prefers the handle
// the user logged in with.
type webauthnUser struct {
	did         string
	name        string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.did) }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (a *API) webauthnUserFor(data UserSessionData) (*webauthnUser, error) {
	creds, err := a.repo.PasskeyCredentials(data.DID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	name := data.Handle
	if name == "" {
		name = data.DID
	}
	return &webauthnUser{did: data.DID, name: name, credentials: creds}, nil
}

// stashCeremony stores serialized ceremony state on the user session
// with its own short expiry.
func (a *API) stashCeremony(sc sessionContext, sessionData *webauthn.SessionData) error {
	raw, err := json.Marshal(sessionData)
	if err != nil {
		return err
	}
	data := sc.Data
	data.WebAuthnSessionData = string(raw)
	data.WebAuthnSessionExpiry = time.Now().Add(webauthnCeremonyTTL)
	if !a.sessions.UpdateUserSession(sc.Token, data) {
		return errors.New("session vanished")
	}
	return nil
}

// takeCeremony retrieves and clears ceremony state, failing on expiry.
func (a *API) takeCeremony(sc sessionContext) (webauthn.SessionData, error) {
	raw := sc.Data.WebAuthnSessionData
	expired := raw == "" || time.Now().After(sc.Data.WebAuthnSessionExpiry)

	data := sc.Data
	data.WebAuthnSessionData = ""
	data.WebAuthnSessionExpiry = time.Time{}
	a.sessions.UpdateUserSession(sc.Token, data)

	if expired {
		return webauthn.SessionData{}, errors.New("ceremony expired")
	}
	var sessionData webauthn.SessionData
	if err := json.Unmarshal([]byte(raw), &sessionData); err != nil {
		return webauthn.SessionData{}, err
	}
	return sessionData, nil
}

// BeginPasskeyRegistration starts the credential creation ceremony.
func (a *API) BeginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	if a.webAuthn == nil {
		writeError(w, http.StatusNotFound, "passkeys not configured")
		return
	}
	sc, _ := sessionFromContext(r.Context())

	user, err := a.webauthnUserFor(sc.Data)
	if err != nil {
		mapError(w, err)
		return
	}
	options, sessionData, err := a.webAuthn.BeginRegistration(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not begin registration")
		return
	}
	if err := a.stashCeremony(sc, sessionData); err != nil {
		writeError(w, http.StatusInternalServerError, "could not begin registration")
		return
	}
	writeJSON(w, http.StatusOK, options)
}

// FinishPasskeyRegistration completes the ceremony, stores the
// credential and enables the passkey method.
func (a *API) FinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	if a.webAuthn == nil {
		writeError(w, http.StatusNotFound, "passkeys not configured")
		return
	}
	sc, _ := sessionFromContext(r.Context())

	sessionData, err := a.takeCeremony(sc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration expired, start again")
		return
	}
	user, err := a.webauthnUserFor(sc.Data)
	if err != nil {
		mapError(w, err)
		return
	}
	credential, err := a.webAuthn.FinishRegistration(user, sessionData, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration failed")
		return
	}

	if err := a.repo.AddPasskeyCredential(sc.Data.DID, *credential); err != nil {
		mapError(w, err)
		return
	}
	if err := a.addMethod(sc.Data.DID, twofactor.Method{
		Type:      twofactor.MethodPasskey,
		EnabledAt: time.Now().UTC(),
	}); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditWebAuthnRegistered, r, sc.Data.DID)
	writeJSON(w, http.StatusOK, struct {
		CredentialID string `json:"credentialId"`
	}{
		CredentialID: protocol.URLEncodedBase64(credential.ID).String(),
	})
}

// BeginPasskeyLogin starts the assertion ceremony for the login gate.
// The caller already holds an unverified session, so the challenge is
// bound to it rather than to a side table.
func (a *API) BeginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	if a.webAuthn == nil {
		writeError(w, http.StatusNotFound, "passkeys not configured")
		return
	}
	sc, _ := sessionFromContext(r.Context())

	user, err := a.webauthnUserFor(sc.Data)
	if err != nil {
		mapError(w, err)
		return
	}
	if len(user.credentials) == 0 {
		writeError(w, http.StatusBadRequest, "no passkeys registered")
		return
	}
	options, sessionData, err := a.webAuthn.BeginLogin(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not begin passkey login")
		return
	}
	if err := a.stashCeremony(sc, sessionData); err != nil {
		writeError(w, http.StatusInternalServerError, "could not begin passkey login")
		return
	}
	writeJSON(w, http.StatusOK, options)
}

// FinishPasskeyLogin validates the assertion and marks the session
// verified.
func (a *API) FinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	if a.webAuthn == nil {
		writeError(w, http.StatusNotFound, "passkeys not configured")
		return
	}
	sc, _ := sessionFromContext(r.Context())

	if ok, retryAfter := a.limiter.Allow("2fa:"+sc.Data.DID, verifyLimit, verifyWindow); !ok {
		a.audit.logEvent(AuditTwoFactorRateLimited, r, sc.Data.DID)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid passkey response")
		return
	}
	sessionData, err := a.takeCeremony(sc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "passkey login expired, start again")
		return
	}
	user, err := a.webauthnUserFor(sc.Data)
	if err != nil {
		mapError(w, err)
		return
	}
	if _, err := a.webAuthn.ValidateLogin(user, sessionData, parsedResponse); err != nil {
		a.audit.logFailure(AuditTwoFactorFailure, r, "passkey validation failed")
		writeError(w, http.StatusUnauthorized, "passkey verification failed")
		return
	}

	a.audit.logEvent(AuditWebAuthnLoginSuccess, r, sc.Data.DID)
	a.markVerified(w, r, sc)
}
