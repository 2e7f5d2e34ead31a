// Package twofactor implements the multi-method second-factor engine:
// per-user method configuration, TOTP, email one-time codes, and the
// pending-code lifecycle. Persistence is delegated to a storage
// repository; this package owns the shapes and transition rules.
package twofactor

import "time"

// ConfigVersion is the current on-disk schema version.
const ConfigVersion = 2

// MethodType tags a second-factor method.
type MethodType string

const (
	MethodTOTP    MethodType = "totp"
	MethodEmail   MethodType = "email"
	MethodPasskey MethodType = "passkey"
)

// ValidMethodType reports whether t names a known method.
func ValidMethodType(t MethodType) bool {
	switch t {
	case MethodTOTP, MethodEmail, MethodPasskey:
		return true
	}
	return false
}

// Method is one enabled second-factor method. Secret is set for TOTP,
// Address for email; passkey credential material lives in the passkey
// store keyed by the user's DID.
type Method struct {
	Type      MethodType `json:"type"`
	Secret    string     `json:"secret,omitempty"`
	Address   string     `json:"address,omitempty"`
	EnabledAt time.Time  `json:"enabledAt"`
}

// Config is a user's complete second-factor configuration. Invariants:
// Methods is never empty while the config exists, and DefaultMethod
// always names a member of Methods.
type Config struct {
	Version       int        `json:"version"`
	DefaultMethod MethodType `json:"defaultMethod"`
	Methods       []Method   `json:"methods"`
}

// AddMethod returns a new config with m added. A nil config starts a
// fresh one with m as the default. An existing method of the same type
// is replaced in place, preserving its position and the current
// default. The input config is not mutated.
func AddMethod(cfg *Config, m Method) *Config {
	if cfg == nil {
		return &Config{
			Version:       ConfigVersion,
			DefaultMethod: m.Type,
			Methods:       []Method{m},
		}
	}

	methods := make([]Method, len(cfg.Methods))
	copy(methods, cfg.Methods)

	replaced := false
	for i := range methods {
		if methods[i].Type == m.Type {
			methods[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		methods = append(methods, m)
	}

	return &Config{
		Version:       cfg.Version,
		DefaultMethod: cfg.DefaultMethod,
		Methods:       methods,
	}
}

// RemoveMethod returns a new config without the method of type t. If no
// methods remain the result is nil, signalling that the stored config
// must be deleted, since removing the last factor disables 2FA. If the
// removed method was the default, the first remaining method becomes
// the new default.
func RemoveMethod(cfg *Config, t MethodType) *Config {
	if cfg == nil {
		return nil
	}

	methods := make([]Method, 0, len(cfg.Methods))
	for _, m := range cfg.Methods {
		if m.Type != t {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		return nil
	}

	def := cfg.DefaultMethod
	if def == t {
		def = methods[0].Type
	}
	return &Config{
		Version:       cfg.Version,
		DefaultMethod: def,
		Methods:       methods,
	}
}

// MethodConfig returns the method of type t, if present.
func MethodConfig(cfg *Config, t MethodType) (Method, bool) {
	if cfg == nil {
		return Method{}, false
	}
	for _, m := range cfg.Methods {
		if m.Type == t {
			return m, true
		}
	}
	return Method{}, false
}

// EnabledMethods lists the enabled method types in insertion order.
func EnabledMethods(cfg *Config) []MethodType {
	if cfg == nil {
		return nil
	}
	types := make([]MethodType, 0, len(cfg.Methods))
	for _, m := range cfg.Methods {
		types = append(types, m.Type)
	}
	return types
}
