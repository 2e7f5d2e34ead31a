package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 5 * time.Second

// Client submits PAR and token requests to an AT Protocol authorization
// server on behalf of one registered OAuth client.
type Client struct {
	ClientID    string
	RedirectURI string
	Scope       string

	httpClient *http.Client
}

// NewClient returns a Client with a bounded HTTP transport.
func NewClient(clientID, redirectURI, scope string) *Client {
	return &Client{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       scope,
		httpClient:  &http.Client{Timeout: requestTimeout},
	}
}

// AuthRequest holds the per-flow parameters for a pushed authorization
// request.
type AuthRequest struct {
	State         string
	CodeChallenge string
	LoginHint     string
}

type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// TokenResponse is the authorization server's token-endpoint response.
// Sub carries the account DID under the AT Protocol OAuth profile.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

// PushAuthorization submits a PAR request signed with a DPoP proof. If
// the server answers with a DPoP nonce challenge the request is retried
// exactly once with the nonce included; any further failure is
// terminal. Returns the request URI and the nonce in effect.
func (c *Client) PushAuthorization(ctx context.Context, parEndpoint string, key *DPoPKey, req AuthRequest) (string, string, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("redirect_uri", c.RedirectURI)
	form.Set("response_type", "code")
	form.Set("scope", c.Scope)
	form.Set("state", req.State)
	form.Set("code_challenge", req.CodeChallenge)
	form.Set("code_challenge_method", "S256")
	if req.LoginHint != "" {
		form.Set("login_hint", req.LoginHint)
	}

	body, nonce, err := c.postWithDPoP(ctx, parEndpoint, key, form, "")
	if err != nil {
		return "", "", fmt.Errorf("pushed authorization request: %w", err)
	}
	var parsed parResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", fmt.Errorf("parsing PAR response: %w", err)
	}
	if parsed.RequestURI == "" {
		return "", "", fmt.Errorf("PAR response missing request_uri")
	}
	return parsed.RequestURI, nonce, nil
}

// ExchangeCode redeems an authorization code at the token endpoint,
// proving possession of both the PKCE verifier and the DPoP key. The
// single documented nonce retry applies here too; dpopNonce seeds the
// first attempt with the nonce learned during PAR.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint string, key *DPoPKey, code, codeVerifier, dpopNonce string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.ClientID)
	form.Set("redirect_uri", c.RedirectURI)
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)

	body, _, err := c.postWithDPoP(ctx, tokenEndpoint, key, form, dpopNonce)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if token.AccessToken == "" || token.Sub == "" {
		return nil, fmt.Errorf("token response missing access_token or sub")
	}
	return &token, nil
}

// AuthorizeURL builds the browser redirect target for an accepted PAR.
func (c *Client) AuthorizeURL(authorizeEndpoint, requestURI string) string {
	q := url.Values{}
	q.Set("client_id", c.ClientID)
	q.Set("request_uri", requestURI)
	return authorizeEndpoint + "?" + q.Encode()
}

// postWithDPoP performs one form POST with a DPoP proof header, retrying
// once if the server demands a nonce. Returns the response body and the
// nonce used on the successful attempt.
func (c *Client) postWithDPoP(ctx context.Context, endpoint string, key *DPoPKey, form url.Values, nonce string) ([]byte, string, error) {
	body, retryNonce, err := c.attempt(ctx, endpoint, key, form, nonce)
	if err == nil {
		return body, nonce, nil
	}
	if retryNonce == "" || retryNonce == nonce {
		return nil, "", err
	}
	body, _, err = c.attempt(ctx, endpoint, key, form, retryNonce)
	if err != nil {
		return nil, "", err
	}
	return body, retryNonce, nil
}

func (c *Client) attempt(ctx context.Context, endpoint string, key *DPoPKey, form url.Values, nonce string) ([]byte, string, error) {
	proof, err := key.Proof(http.MethodPost, endpoint, ProofOptions{Nonce: nonce})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", proof)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, "", nil
	}
	// A 400/401 carrying a DPoP-Nonce header is the server asking us to
	// repeat the request bound to its nonce.
	serverNonce := resp.Header.Get("DPoP-Nonce")
	return nil, serverNonce, fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
}
