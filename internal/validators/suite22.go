// Package validators holds the HTTP clients for the two external
// statistical validators: the SP 800-22 test suite and the SP 800-90B
// min-entropy assessor. The statistical tests themselves live in those
// services; the core only ships chunks and collects results.
package validators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/decaynet/cloud/internal/core"
)

// SuiteTestResult is one of the suite's 15 tests for one chunk.
type SuiteTestResult struct {
	Name    string   `json:"name"`
	Passed  bool     `json:"passed"`
	PValue  *float64 `json:"p_value"`
	Warning string   `json:"warning,omitempty"`
}

// SuiteResponse is the suite's verdict for one chunk.
type SuiteResponse struct {
	Results         []SuiteTestResult `json:"results"`
	TestsRun        int               `json:"tests_run"`
	OverallPassRate float64           `json:"overall_pass_rate"`
	NistCompliant   bool              `json:"nist_compliant"`
}

// SuiteClient talks to the SP 800-22 randomness test service.
type SuiteClient interface {
	RunTestSuite(ctx context.Context, data []byte, bearer string) (*SuiteResponse, error)
}

// HTTPSuiteClient is the production SuiteClient.
type HTTPSuiteClient struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

func NewSuiteClient(baseURL string, timeout time.Duration) *HTTPSuiteClient {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPSuiteClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  log.New(log.Writer(), "[SUITE22] ", log.LstdFlags),
	}
}

type suiteRequest struct {
	// Bits is the raw chunk; encoding/json transports it as base64.
	Bits []byte `json:"bits"`
}

// RunTestSuite submits one chunk. The bearer token is whatever the
// orchestrator resolved: the caller's propagated token or a service token.
func (c *HTTPSuiteClient) RunTestSuite(ctx context.Context, data []byte, bearer string) (*SuiteResponse, error) {
	body, err := json.Marshal(suiteRequest{Bits: data})
	if err != nil {
		return nil, fmt.Errorf("suite22: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/suite/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("suite22: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: suite22: %v", core.ErrTemporaryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: suite22 returned %d", core.ErrTemporaryUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("suite22 returned %d: %s", resp.StatusCode, detail)
	}

	var out SuiteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("suite22: decode response: %w", err)
	}

	c.logger.Printf("Suite run: %d bytes, %d tests, pass rate %.3f, compliant=%v (%.1fs)",
		len(data), out.TestsRun, out.OverallPassRate, out.NistCompliant, time.Since(started).Seconds())
	return &out, nil
}
