// Package oauth implements the client-side primitives for the AT
// Protocol OAuth profile: PKCE, DPoP key handling and proofs, and the
// PAR / token-endpoint requests that carry them.
package oauth

import (
	"crypto/sha256"
	"fmt"

	"github.com/skyfold/skywallet/internal/util"
)

const (
	codeVerifierBytes = 32
	stateBytes        = 32
)

// GenerateCodeVerifier returns a fresh PKCE code verifier: 32 bytes of
// CSPRNG output, base64url-encoded.
func GenerateCodeVerifier() (string, error) {
	v, err := util.RandomURLSafe(codeVerifierBytes)
	if err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return v, nil
}

// CodeChallenge derives the S256 challenge for a verifier.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return util.Base64URLEncode(sum[:])
}

// GenerateState returns an unguessable state token binding the
// authorization redirect to the flow that initiated it.
func GenerateState() (string, error) {
	s, err := util.RandomURLSafe(stateBytes)
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return s, nil
}
