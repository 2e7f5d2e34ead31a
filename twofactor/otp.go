package twofactor

import (
	"fmt"
	"time"

	"github.com/skyfold/skywallet/internal/util"
)

// Pending-code purposes. Codes are bound to a user, a purpose and a
// target address, and are consumed at most once.
const (
	PurposeEmailSetup   = "email-setup"
	PurposeEmailDisable = "email-disable"
	PurposeLogin        = "login"
)

// PendingCodeTTL bounds the none → pending → consumed|expired lifecycle.
const PendingCodeTTL = 10 * time.Minute

// PendingCode is a short-lived email verification code awaiting
// confirmation.
type PendingCode struct {
	Code      string    `json:"code"`
	Purpose   string    `json:"purpose"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the code is past its lifetime.
func (p PendingCode) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// GenerateEmailOTP returns a uniformly random zero-padded 6-digit code.
func GenerateEmailOTP() (string, error) {
	n, err := util.RandomIntn(1000000)
	if err != nil {
		return "", fmt.Errorf("generating email otp: %w", err)
	}
	return fmt.Sprintf("%06d", n), nil
}

// NewPendingCode mints a pending code for the given purpose and address.
func NewPendingCode(purpose, address string) (PendingCode, error) {
	code, err := GenerateEmailOTP()
	if err != nil {
		return PendingCode{}, err
	}
	return PendingCode{
		Code:      code,
		Purpose:   purpose,
		Address:   address,
		ExpiresAt: time.Now().Add(PendingCodeTTL),
	}, nil
}
