// Package identity resolves AT Protocol identities: handle to DID, DID
// to PDS endpoint, and PDS to its OAuth authorization server.
package identity

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	resolveTimeout = 5 * time.Second

	defaultHandleResolver = "https://public.api.bsky.app"
	defaultPLCDirectory   = "https://plc.directory"

	pdsServiceType       = "AtprotoPersonalDataServer"
	pdsServiceIDFragment = "#atproto_pds"
)

// Resolver performs identity and endpoint discovery against the public
// AT Protocol infrastructure. Every outbound call is bounded by a fixed
// timeout; failures surface as errors, never retries.
type Resolver struct {
	handleResolver string
	plcDirectory   string
	httpClient     *http.Client
}

// NewResolver returns a Resolver using the public Bluesky AppView for
// handle resolution and plc.directory for did:plc lookups.
func NewResolver() *Resolver {
	return &Resolver{
		handleResolver: defaultHandleResolver,
		plcDirectory:   defaultPLCDirectory,
		httpClient:     &http.Client{Timeout: resolveTimeout},
	}
}

// NewResolverWithEndpoints overrides the resolution endpoints, used in
// tests and self-hosted deployments.
func NewResolverWithEndpoints(handleResolver, plcDirectory string) *Resolver {
	r := NewResolver()
	r.handleResolver = strings.TrimSuffix(handleResolver, "/")
	r.plcDirectory = strings.TrimSuffix(plcDirectory, "/")
	return r
}

// ResolveHandle maps a handle to its DID. The public XRPC resolver is
// tried first; on any failure the handle's own
// /.well-known/atproto-did document is consulted. Both attempts failing
// means the handle cannot be resolved.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	if did, err := r.resolveHandleXRPC(ctx, handle); err == nil {
		return did, nil
	}
	if did, err := r.resolveHandleWellKnown(ctx, handle); err == nil {
		return did, nil
	}
	return "", fmt.Errorf("could not resolve handle %q", handle)
}

func (r *Resolver) resolveHandleXRPC(ctx context.Context, handle string) (string, error) {
	endpoint := r.handleResolver + "/xrpc/com.atproto.identity.resolveHandle?handle=" + url.QueryEscape(handle)
	body, err := r.get(ctx, endpoint)
	if err != nil {
		return "", err
	}
	var parsed struct {
		DID string `json:"did"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing resolveHandle response: %w", err)
	}
	if parsed.DID == "" {
		return "", fmt.Errorf("resolveHandle response missing did")
	}
	return parsed.DID, nil
}

func (r *Resolver) resolveHandleWellKnown(ctx context.Context, handle string) (string, error) {
	body, err := r.get(ctx, "https://"+handle+"/.well-known/atproto-did")
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "did:") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no DID in well-known document for %q", handle)
}

type didDocument struct {
	ID      string `json:"id"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolvePDS maps a DID to its PDS service endpoint. Supported methods
// are did:plc (directory lookup) and did:web (host-derived document);
// anything else fails immediately.
func (r *Resolver) ResolvePDS(ctx context.Context, did string) (string, error) {
	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.plcDirectory + "/" + url.PathEscape(did)
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		if host == "" || strings.Contains(host, ":") {
			return "", fmt.Errorf("unsupported did:web form %q", did)
		}
		docURL = "https://" + host + "/.well-known/did.json"
	default:
		return "", fmt.Errorf("unsupported DID method in %q", did)
	}

	body, err := r.get(ctx, docURL)
	if err != nil {
		return "", fmt.Errorf("fetching DID document: %w", err)
	}
	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parsing DID document: %w", err)
	}
	for _, svc := range doc.Service {
		if svc.Type == pdsServiceType && strings.HasSuffix(svc.ID, pdsServiceIDFragment) && svc.ServiceEndpoint != "" {
			return strings.TrimSuffix(svc.ServiceEndpoint, "/"), nil
		}
	}
	return "", fmt.Errorf("DID document for %q has no PDS service entry", did)
}

// AuthServer is the OAuth endpoint set discovered for a PDS.
type AuthServer struct {
	Issuer                string `json:"issuer"`
	PAREndpoint           string `json:"pushed_authorization_request_endpoint"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// DiscoverAuthServer performs the two-hop OAuth discovery: the PDS's
// protected-resource metadata names its authorization server, whose own
// metadata names the PAR, authorize and token endpoints. A missing
// required field at either hop is an error.
func (r *Resolver) DiscoverAuthServer(ctx context.Context, pdsURL string) (*AuthServer, error) {
	body, err := r.get(ctx, strings.TrimSuffix(pdsURL, "/")+"/.well-known/oauth-protected-resource")
	if err != nil {
		return nil, fmt.Errorf("fetching protected resource metadata: %w", err)
	}
	var resource struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("parsing protected resource metadata: %w", err)
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("protected resource metadata lists no authorization servers")
	}
	issuer := strings.TrimSuffix(resource.AuthorizationServers[0], "/")

	body, err = r.get(ctx, issuer+"/.well-known/oauth-authorization-server")
	if err != nil {
		return nil, fmt.Errorf("fetching authorization server metadata: %w", err)
	}
	var server AuthServer
	if err := json.Unmarshal(body, &server); err != nil {
		return nil, fmt.Errorf("parsing authorization server metadata: %w", err)
	}
	if server.PAREndpoint == "" || server.AuthorizationEndpoint == "" || server.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization server metadata missing required endpoints")
	}
	if server.Issuer == "" {
		server.Issuer = issuer
	}
	return &server, nil
}

func (r *Resolver) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
