package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginStarted         AuditEvent = "login_started"
	AuditLoginRedirected      AuditEvent = "login_redirected"
	AuditLoginFailure         AuditEvent = "login_failure"
	AuditLoginRateLimited     AuditEvent = "login_rate_limited"
	AuditCallbackSuccess      AuditEvent = "callback_success"
	AuditCallbackFailure      AuditEvent = "callback_failure"
	AuditLogout               AuditEvent = "logout"
	AuditTwoFactorSetup       AuditEvent = "2fa_setup"
	AuditTwoFactorEnabled     AuditEvent = "2fa_enabled"
	AuditTwoFactorDisabled    AuditEvent = "2fa_disabled"
	AuditTwoFactorDefault     AuditEvent = "2fa_default_changed"
	AuditTwoFactorVerified    AuditEvent = "2fa_verified"
	AuditTwoFactorFailure     AuditEvent = "2fa_failure"
	AuditTwoFactorRateLimited AuditEvent = "2fa_rate_limited"
	AuditWebAuthnRegistered   AuditEvent = "webauthn_registered"
	AuditWebAuthnLoginSuccess AuditEvent = "webauthn_login_success"
	AuditTransactionSubmitted AuditEvent = "transaction_submitted"
	AuditTransactionRejected  AuditEvent = "transaction_rejected"
	AuditWalletRateLimited    AuditEvent = "wallet_rate_limited"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Callers pass identifiers through sanitizeForLog before logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logEvent is a convenience for events tied to a user DID. The DID is
// redacted here so call sites cannot forget to.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, did string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("did", sanitizeForLog(did)),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed attempt with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
