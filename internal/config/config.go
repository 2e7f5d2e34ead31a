// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the full service configuration. The master secret is the
// only hard requirement at startup; optional collaborators (wallet,
// SMTP) degrade gracefully when absent.
type Config struct {
	Port int

	// MasterSecret seeds the HKDF derivation of the session-signing and
	// CSRF keys. At least 32 bytes.
	MasterSecret string

	// OAuth client registration.
	ClientID    string
	RedirectURI string
	Scope       string

	// HomePDSURL is the PDS used for email-based logins, where no
	// handle is available to discover one.
	HomePDSURL string

	// Wallet microservice. Empty values disable the wallet endpoints
	// (they answer 503).
	WalletURL    string
	WalletAPIKey string

	// SMTP relay for email one-time codes. Empty host falls back to a
	// log-only sender.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// DailySpendLimit caps per-user transaction totals per UTC day.
	DailySpendLimit int64

	// WebAuthn relying party identity.
	RPID     string
	RPOrigin string
}

const minMasterSecretLen = 32

// Load reads configuration from the environment and validates the
// required values.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnvInt("PORT", 8080),
		MasterSecret:    os.Getenv("SKYWALLET_MASTER_SECRET"),
		ClientID:        getEnv("OAUTH_CLIENT_ID", ""),
		RedirectURI:     getEnv("OAUTH_REDIRECT_URI", ""),
		Scope:           getEnv("OAUTH_SCOPE", "atproto transition:generic"),
		HomePDSURL:      getEnv("HOME_PDS_URL", "https://bsky.social"),
		WalletURL:       os.Getenv("WALLET_API_URL"),
		WalletAPIKey:    os.Getenv("WALLET_API_KEY"),
		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        getEnvInt("SMTP_PORT", 587),
		SMTPUsername:    os.Getenv("SMTP_USERNAME"),
		SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:        getEnv("SMTP_FROM", "no-reply@skywallet.example"),
		DailySpendLimit: int64(getEnvInt("DAILY_SPEND_LIMIT", 10000)),
		RPID:            getEnv("WEBAUTHN_RP_ID", "localhost"),
		RPOrigin:        getEnv("WEBAUTHN_RP_ORIGIN", "http://localhost:8080"),
	}

	if len(cfg.MasterSecret) < minMasterSecretLen {
		return nil, fmt.Errorf("SKYWALLET_MASTER_SECRET must be at least %d bytes", minMasterSecretLen)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OAUTH_CLIENT_ID is required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("OAUTH_REDIRECT_URI is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
