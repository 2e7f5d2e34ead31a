package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/skyfold/skywallet/storage"
	"github.com/skyfold/skywallet/twofactor"
)

const (
	verifyLimit  = 5
	verifyWindow = 5 * time.Minute

	pendingTOTPTTL = 10 * time.Minute
)

// TwoFactorStatus reports the caller's configured methods. Secrets
// never leave the server; only type, masked address and enable time do.
func (a *API) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	cfg, err := a.repo.TwoFactorConfig(sc.Data.DID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, twoFactorStatusResponse{Enabled: false})
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}

	resp := twoFactorStatusResponse{
		Enabled:       true,
		DefaultMethod: string(cfg.DefaultMethod),
	}
	for _, m := range cfg.Methods {
		resp.Methods = append(resp.Methods, twoFactorMethod{
			Type:      string(m.Type),
			Address:   sanitizeForLog(m.Address),
			EnabledAt: m.EnabledAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetupTOTP generates a fresh secret and provisioning URI. The secret
// stays pending in the session until EnableTOTP proves the
// authenticator actually has it.
func (a *API) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	secret, err := twofactor.GenerateTOTPSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	data := sc.Data
	data.PendingTOTPSecret = secret
	data.PendingTOTPExpiry = time.Now().Add(pendingTOTPTTL)
	if !a.sessions.UpdateUserSession(sc.Token, data) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	label := sc.Data.Handle
	if label == "" {
		label = sc.Data.DID
	}
	a.audit.logEvent(AuditTwoFactorSetup, r, sc.Data.DID, slog.String("method", "totp"))
	writeJSON(w, http.StatusOK, totpSetupResponse{
		Secret: secret,
		URI:    twofactor.TOTPURI(secret, label),
	})
}

// EnableTOTP confirms the pending secret with a live code and adds the
// method to the user's configuration.
func (a *API) EnableTOTP(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	secret := sc.Data.PendingTOTPSecret
	if secret == "" || time.Now().After(sc.Data.PendingTOTPExpiry) {
		writeError(w, http.StatusBadRequest, "no pending TOTP setup")
		return
	}
	if !twofactor.VerifyTOTP(secret, req.Code, time.Now()) {
		a.audit.logFailure(AuditTwoFactorFailure, r, "totp enable code mismatch")
		writeError(w, http.StatusBadRequest, "invalid code")
		return
	}

	if err := a.addMethod(sc.Data.DID, twofactor.Method{
		Type:      twofactor.MethodTOTP,
		Secret:    secret,
		EnabledAt: time.Now().UTC(),
	}); err != nil {
		mapError(w, err)
		return
	}

	data := sc.Data
	data.PendingTOTPSecret = ""
	data.PendingTOTPExpiry = time.Time{}
	a.sessions.UpdateUserSession(sc.Token, data)

	a.audit.logEvent(AuditTwoFactorEnabled, r, sc.Data.DID, slog.String("method", "totp"))
	writeSuccess(w)
}

// SetupEmail stores a pending code for the given address and mails it.
func (a *API) SetupEmail(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	var req emailSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validateEmail(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	if err := a.sendCode(r, sc.Data.DID, twofactor.PurposeEmailSetup, req.Address); err != nil {
		writeError(w, http.StatusInternalServerError, "could not send code")
		return
	}
	a.audit.logEvent(AuditTwoFactorSetup, r, sc.Data.DID, slog.String("method", "email"),
		slog.String("address", sanitizeForLog(req.Address)))
	writeSuccess(w)
}

// EnableEmail consumes the setup code and adds the email method bound
// to the address the code was sent to.
func (a *API) EnableEmail(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	pc, err := a.repo.ConsumePendingCode(sc.Data.DID, twofactor.PurposeEmailSetup, req.Code, time.Now())
	if err != nil {
		a.audit.logFailure(AuditTwoFactorFailure, r, "email enable code rejected")
		writeError(w, http.StatusBadRequest, "invalid code")
		return
	}

	if err := a.addMethod(sc.Data.DID, twofactor.Method{
		Type:      twofactor.MethodEmail,
		Address:   pc.Address,
		EnabledAt: time.Now().UTC(),
	}); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTwoFactorEnabled, r, sc.Data.DID, slog.String("method", "email"))
	writeSuccess(w)
}

type sendCodeRequest struct {
	Purpose string `json:"purpose,omitempty"`
}

// SendLoginCode mails a one-time code to the enrolled email method.
// The default purpose is the login gate; "disable" issues a code that
// only the disable endpoint will accept.
func (a *API) SendLoginCode(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	var req sendCodeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	purpose := twofactor.PurposeLogin
	if req.Purpose == "disable" {
		purpose = twofactor.PurposeEmailDisable
	}

	cfg, err := a.repo.TwoFactorConfig(sc.Data.DID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "email method not enabled")
		return
	}
	m, ok := twofactor.MethodConfig(cfg, twofactor.MethodEmail)
	if !ok {
		writeError(w, http.StatusBadRequest, "email method not enabled")
		return
	}

	if err := a.sendCode(r, sc.Data.DID, purpose, m.Address); err != nil {
		writeError(w, http.StatusInternalServerError, "could not send code")
		return
	}
	writeSuccess(w)
}

func (a *API) sendCode(r *http.Request, did, purpose, address string) error {
	pc, err := twofactor.NewPendingCode(purpose, address)
	if err != nil {
		return err
	}
	if err := a.repo.SavePendingCode(did, pc); err != nil {
		return err
	}
	return a.mailer.SendOTP(r.Context(), address, pc.Code, purpose)
}

// VerifyTwoFactor is the login gate for TOTP and email codes. Passkey
// verification goes through the dedicated assertion endpoints. Success
// flips the session to verified.
func (a *API) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	if ok, retryAfter := a.limiter.Allow("2fa:"+sc.Data.DID, verifyLimit, verifyWindow); !ok {
		a.audit.logEvent(AuditTwoFactorRateLimited, r, sc.Data.DID)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	cfg, err := a.repo.TwoFactorConfig(sc.Data.DID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "two-factor not enabled")
		return
	}

	method := twofactor.MethodType(req.Method)
	if req.Method == "" {
		method = cfg.DefaultMethod
	}

	switch method {
	case twofactor.MethodTOTP:
		m, ok := twofactor.MethodConfig(cfg, twofactor.MethodTOTP)
		if !ok || !twofactor.VerifyTOTP(m.Secret, req.Code, time.Now()) {
			a.audit.logFailure(AuditTwoFactorFailure, r, "totp code rejected")
			writeError(w, http.StatusBadRequest, "invalid code")
			return
		}
	case twofactor.MethodEmail:
		if _, err := a.repo.ConsumePendingCode(sc.Data.DID, twofactor.PurposeLogin, req.Code, time.Now()); err != nil {
			a.audit.logFailure(AuditTwoFactorFailure, r, "email code rejected")
			writeError(w, http.StatusBadRequest, "invalid code")
			return
		}
	case twofactor.MethodPasskey:
		writeError(w, http.StatusBadRequest, "use the passkey login endpoints")
		return
	default:
		writeError(w, http.StatusBadRequest, "unknown method")
		return
	}

	a.markVerified(w, r, sc)
}

// markVerified flips the session and reports success. Shared by the
// code gate and the passkey assertion finish.
func (a *API) markVerified(w http.ResponseWriter, r *http.Request, sc sessionContext) {
	data := sc.Data
	data.Verified = true
	if !a.sessions.UpdateUserSession(sc.Token, data) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	a.audit.logEvent(AuditTwoFactorVerified, r, sc.Data.DID)
	writeSuccess(w)
}

// DisableTwoFactor removes one method. TOTP removal demands a live
// code, email removal a mailed disable code; passkey removal is plain
// confirmation but drops the stored credentials too.
func (a *API) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	method := twofactor.MethodType(req.Method)
	if !twofactor.ValidMethodType(method) {
		writeError(w, http.StatusBadRequest, "unknown method")
		return
	}

	cfg, err := a.repo.TwoFactorConfig(sc.Data.DID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "two-factor not enabled")
		return
	}
	m, ok := twofactor.MethodConfig(cfg, method)
	if !ok {
		writeError(w, http.StatusBadRequest, "method not enabled")
		return
	}

	switch method {
	case twofactor.MethodTOTP:
		if req.Code == "" || !twofactor.VerifyTOTP(m.Secret, req.Code, time.Now()) {
			a.audit.logFailure(AuditTwoFactorFailure, r, "totp disable code rejected")
			writeError(w, http.StatusBadRequest, "invalid code")
			return
		}
	case twofactor.MethodEmail:
		if _, err := a.repo.ConsumePendingCode(sc.Data.DID, twofactor.PurposeEmailDisable, req.Code, time.Now()); err != nil {
			a.audit.logFailure(AuditTwoFactorFailure, r, "email disable code rejected")
			writeError(w, http.StatusBadRequest, "invalid code")
			return
		}
	}

	remaining := twofactor.RemoveMethod(cfg, method)
	if remaining == nil {
		if err := a.repo.DeleteTwoFactorConfig(sc.Data.DID); err != nil {
			mapError(w, err)
			return
		}
	} else if err := a.repo.SaveTwoFactorConfig(sc.Data.DID, remaining); err != nil {
		mapError(w, err)
		return
	}

	// Drop the credentials only after the method is gone from the
	// config. Orphaned credentials are harmless; a listed passkey
	// method with no credentials behind it is not.
	if method == twofactor.MethodPasskey {
		if err := a.repo.DeletePasskeyCredentials(sc.Data.DID); err != nil {
			mapError(w, err)
			return
		}
	}

	a.audit.logEvent(AuditTwoFactorDisabled, r, sc.Data.DID, slog.String("method", string(method)))
	writeSuccess(w)
}

// SetDefaultMethod switches the method the login gate asks for first.
func (a *API) SetDefaultMethod(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	var req methodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	method := twofactor.MethodType(req.Method)

	cfg, err := a.repo.TwoFactorConfig(sc.Data.DID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "two-factor not enabled")
		return
	}
	if _, ok := twofactor.MethodConfig(cfg, method); !ok {
		writeError(w, http.StatusBadRequest, "method not enabled")
		return
	}

	cfg.DefaultMethod = method
	if err := a.repo.SaveTwoFactorConfig(sc.Data.DID, cfg); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTwoFactorDefault, r, sc.Data.DID, slog.String("method", string(method)))
	writeSuccess(w)
}

// addMethod loads, mutates and saves the user's configuration. A
// missing configuration starts a fresh one.
func (a *API) addMethod(did string, m twofactor.Method) error {
	cfg, err := a.repo.TwoFactorConfig(did)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return a.repo.SaveTwoFactorConfig(did, twofactor.AddMethod(cfg, m))
}
