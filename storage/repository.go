// Package storage defines the persistent store consumed by the
// two-factor engine: per-user method configurations, pending email
// codes, and passkey credentials. Sessions deliberately do not live
// here; they are in-process and ephemeral.
package storage

import (
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/skyfold/skywallet/twofactor"
)

var (
	// ErrNotFound is returned when no record exists for the key, or a
	// pending code is absent or past its lifetime.
	ErrNotFound = errors.New("record not found")
	// ErrCodeMismatch is returned when a pending code exists but the
	// presented code does not match. The HTTP layer maps both errors to
	// the same client response.
	ErrCodeMismatch = errors.New("code mismatch")
)

// Repository is the external persistent store for two-factor state.
type Repository interface {
	// TwoFactorConfig returns the user's configuration or ErrNotFound.
	TwoFactorConfig(did string) (*twofactor.Config, error)
	// SaveTwoFactorConfig stores the user's configuration.
	SaveTwoFactorConfig(did string, cfg *twofactor.Config) error
	// DeleteTwoFactorConfig removes the configuration; no-op if absent.
	DeleteTwoFactorConfig(did string) error

	// SavePendingCode stores a code keyed by user and purpose,
	// replacing any previous code for that purpose.
	SavePendingCode(did string, code twofactor.PendingCode) error
	// ConsumePendingCode atomically verifies and invalidates a pending
	// code. A matching fresh code is deleted and returned; a stale or
	// absent code yields ErrNotFound, a mismatch ErrCodeMismatch (the
	// stored code survives a mismatch).
	ConsumePendingCode(did, purpose, code string, now time.Time) (twofactor.PendingCode, error)

	// PasskeyCredentials lists the user's registered credentials.
	PasskeyCredentials(did string) ([]webauthn.Credential, error)
	// AddPasskeyCredential appends a credential for the user.
	AddPasskeyCredential(did string, cred webauthn.Credential) error
	// DeletePasskeyCredentials removes all credentials for the user.
	DeletePasskeyCredentials(did string) error
}
