// Package wallet is the HTTP client for the external wallet
// microservice. Responses are passed through to the caller verbatim;
// this package only adds authentication, timeouts and error shaping.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// submitTimeout is the ceiling for transaction submission; reads are
	// bounded tighter.
	submitTimeout  = 30 * time.Second
	balanceTimeout = 5 * time.Second

	apiKeyHeader = "X-API-Key"
)

// ErrNotConfigured is returned when the wallet service credentials are
// absent. Handlers map it to 503.
var ErrNotConfigured = errors.New("wallet service not configured")

// Client calls the wallet microservice with an API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient returns a wallet client, or nil when baseURL or apiKey is
// empty (callers treat a nil client as unconfigured).
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" || apiKey == "" {
		return nil
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: submitTimeout},
	}
}

// Result carries the upstream response verbatim: status code plus raw
// JSON body. The HTTP layer writes both through unchanged.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// Transaction is a transfer request forwarded to the wallet service.
type Transaction struct {
	FromDID   string `json:"fromDid"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Note      string `json:"note,omitempty"`
}

// Balance fetches the wallet balance for a DID.
func (c *Client) Balance(ctx context.Context, did string) (*Result, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, balanceTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/v1/wallets/"+did+"/balance", nil)
}

// SubmitTransaction forwards a transaction to the wallet service.
func (c *Client) SubmitTransaction(ctx context.Context, tx Transaction) (*Result, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encoding transaction: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/v1/transactions", body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wallet service request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading wallet service response: %w", err)
	}
	if len(respBody) == 0 || !json.Valid(respBody) {
		respBody = []byte(`{"error":"invalid wallet service response"}`)
	}
	return &Result{StatusCode: resp.StatusCode, Body: respBody}, nil
}
