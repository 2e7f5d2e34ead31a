package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/skyfold/skywallet/internal/util"
)

// DPoPKey is the per-flow P-256 key pair used to sign DPoP proofs. A
// fresh key is generated for every login flow and never reused.
type DPoPKey struct {
	private *ecdsa.PrivateKey
}

// GenerateDPoPKey creates a fresh P-256 key pair.
func GenerateDPoPKey() (*DPoPKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating dpop key: %w", err)
	}
	return &DPoPKey{private: priv}, nil
}

// RestoreDPoPKey reconstructs a key pair from its private JWK
// serialization, used when a flow spans the OAuth session store.
func RestoreDPoPKey(privateJWK []byte) (*DPoPKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(privateJWK); err != nil {
		return nil, fmt.Errorf("parsing dpop private jwk: %w", err)
	}
	priv, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("dpop jwk is not an EC private key")
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("dpop jwk must use P-256, got %s", priv.Curve.Params().Name)
	}
	return &DPoPKey{private: priv}, nil
}

// PrivateJWK serializes the private key for storage in the OAuth flow
// session. The output must be treated as a secret.
func (k *DPoPKey) PrivateJWK() ([]byte, error) {
	jwk := jose.JSONWebKey{Key: k.private, Algorithm: string(jose.ES256), Use: "sig"}
	data, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serializing dpop private jwk: %w", err)
	}
	return data, nil
}

// PublicJWK returns the public half for embedding in proof headers.
func (k *DPoPKey) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &k.private.PublicKey, Algorithm: string(jose.ES256), Use: "sig"}
}

// ProofOptions carries the optional claims of a DPoP proof.
type ProofOptions struct {
	// Nonce is the server-issued DPoP nonce, echoed back on retry.
	Nonce string
	// AccessToken, when set, binds the proof to a token via the ath claim.
	AccessToken string
}

// Proof builds and signs a DPoP proof JWT for one HTTP request. Every
// call yields a fresh jti; header is {alg: ES256, typ: dpop+jwt, jwk}.
func (k *DPoPKey) Proof(method, url string, opts ProofOptions) (string, error) {
	signerOpts := (&jose.SignerOptions{EmbedJWK: true}).WithType("dpop+jwt")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: k.private}, signerOpts)
	if err != nil {
		return "", fmt.Errorf("creating dpop signer: %w", err)
	}

	claims := map[string]any{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": url,
		"iat": time.Now().Unix(),
	}
	if opts.Nonce != "" {
		claims["nonce"] = opts.Nonce
	}
	if opts.AccessToken != "" {
		sum := sha256.Sum256([]byte(opts.AccessToken))
		claims["ath"] = util.Base64URLEncode(sum[:])
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encoding dpop claims: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("signing dpop proof: %w", err)
	}
	compact, err := sig.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serializing dpop proof: %w", err)
	}
	return compact, nil
}
