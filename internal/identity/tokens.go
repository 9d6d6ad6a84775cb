// Package identity consumes the external identity collaborator: inbound
// token verification (yielding a Principal) and service token issuance
// for outbound validator calls.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/decaynet/cloud/internal/circuitbreaker"
	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/metrics"
)

// TokenSource obtains a bearer token for outbound validator calls when no
// caller token was propagated.
type TokenSource interface {
	ServiceToken(ctx context.Context) (string, error)
}

// HTTPTokenSource fetches service tokens from the identity provider's
// token endpoint, guarded by a circuit breaker: after the configured run
// of failures every call fails fast for the reset interval, then a single
// trial is allowed.
type HTTPTokenSource struct {
	url     string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *log.Logger
}

// TokenSourceConfig carries the operator knobs for token fetch.
type TokenSourceConfig struct {
	URL              string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

func NewHTTPTokenSource(cfg TokenSourceConfig, m *metrics.Metrics) *HTTPTokenSource {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	ts := &HTTPTokenSource{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: m,
		logger:  log.New(log.Writer(), "[TOKEN] ", log.LstdFlags),
	}

	bcfg := circuitbreaker.DefaultConfig("token-fetch")
	if cfg.BreakerThreshold > 0 {
		bcfg.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerReset > 0 {
		bcfg.ResetTimeout = cfg.BreakerReset
	}
	bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		ts.logger.Printf("Breaker %s: %s -> %s", name, from, to)
		if ts.metrics != nil {
			if to == circuitbreaker.StateOpen {
				ts.metrics.BreakerOpen.Set(1)
			} else {
				ts.metrics.BreakerOpen.Set(0)
			}
		}
	}
	ts.breaker = circuitbreaker.New(bcfg)
	return ts
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ServiceToken returns a bearer string or ErrAuthUnavailable. Failures
// while the breaker is open return immediately.
func (ts *HTTPTokenSource) ServiceToken(ctx context.Context) (string, error) {
	result, err := ts.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return ts.fetch(ctx)
	})
	if err != nil {
		if ts.metrics != nil {
			ts.metrics.TokenFetchFailures.Inc()
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: token endpoint circuit open", core.ErrAuthUnavailable)
		}
		return "", fmt.Errorf("%w: %v", core.ErrAuthUnavailable, err)
	}
	return result.(string), nil
}

func (ts *HTTPTokenSource) fetch(ctx context.Context) (string, error) {
	if ts.url == "" {
		return "", fmt.Errorf("token endpoint not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.url, nil)
	if err != nil {
		return "", err
	}

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token fetch: %v", core.ErrTemporaryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}
	return tr.AccessToken, nil
}

// BreakerState exposes the breaker for health checks and tests.
func (ts *HTTPTokenSource) BreakerState() circuitbreaker.State {
	return ts.breaker.State()
}

// StaticTokenSource returns a fixed token. Used by tests and dev setups.
type StaticTokenSource string

func (s StaticTokenSource) ServiceToken(context.Context) (string, error) {
	if s == "" {
		return "", core.ErrAuthUnavailable
	}
	return string(s), nil
}
