package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/decaynet/cloud/internal/core"
)

// Verifier is the inbound half of the identity collaborator contract:
// OIDC verification and role augmentation happen elsewhere, the core only
// exchanges a raw token for a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (core.Principal, error)
}

// GRPCAuthenticator adapts a Verifier to the ingest server's
// Authenticator by pulling the bearer token from stream metadata.
type GRPCAuthenticator struct {
	verifier Verifier
}

func NewGRPCAuthenticator(v Verifier) *GRPCAuthenticator {
	return &GRPCAuthenticator{verifier: v}
}

func (a *GRPCAuthenticator) VerifyInbound(ctx context.Context) (core.Principal, error) {
	token, err := BearerFromContext(ctx)
	if err != nil {
		return core.Principal{}, err
	}
	return a.verifier.Verify(ctx, token)
}

// HTTPVerifier exchanges tokens for principals at the identity
// collaborator's introspection endpoint.
type HTTPVerifier struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPVerifier(url string, timeout time.Duration) *HTTPVerifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type introspectResponse struct {
	Active  bool     `json:"active"`
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (core.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body := strings.NewReader("token=" + url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, body)
	if err != nil {
		return core.Principal{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return core.Principal{}, fmt.Errorf("%w: introspection: %v", core.ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Principal{}, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var ir introspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return core.Principal{}, fmt.Errorf("decode introspection response: %w", err)
	}
	if !ir.Active {
		return core.Principal{}, fmt.Errorf("token inactive")
	}
	return core.Principal{Name: ir.Subject, Roles: ir.Roles}, nil
}

// InsecureVerifier accepts any non-empty token and grants every role.
// Only wired when no introspection endpoint is configured outside
// production.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(_ context.Context, token string) (core.Principal, error) {
	if token == "" {
		return core.Principal{}, fmt.Errorf("empty token")
	}
	return core.Principal{
		Name:  "dev:" + token,
		Roles: []string{core.RoleGateway, core.RoleUser, core.RoleAdmin},
	}, nil
}

// BearerFromContext extracts the bearer token from incoming gRPC
// metadata. Also used by the orchestrator for caller-token propagation.
func BearerFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("no metadata on request")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", fmt.Errorf("no authorization metadata")
	}
	token := strings.TrimPrefix(values[0], "Bearer ")
	if token == "" {
		return "", fmt.Errorf("malformed authorization metadata")
	}
	return token, nil
}
