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

// EstimatorOutcome is one per-estimator line of a 90B assessment. The
// upstream uses -1.0 as a "no estimate" sentinel; the client maps that to
// a nil EntropyEstimate so 0.0 stays a legitimate value.
type EstimatorOutcome struct {
	Name            string   `json:"name"`
	EntropyEstimate *float64 `json:"entropy_estimate"`
	Passed          bool     `json:"passed"`
	Details         string   `json:"details,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// AssessResponse is the assessor's verdict for one (truncated) chunk.
type AssessResponse struct {
	MinEntropy        float64            `json:"min_entropy"`
	Passed            bool               `json:"passed"`
	AssessmentSummary string             `json:"assessment_summary"`
	IIDResults        []EstimatorOutcome `json:"iid_results"`
	NonIIDResults     []EstimatorOutcome `json:"non_iid_results"`
}

// AssessorClient talks to the SP 800-90B min-entropy assessor.
type AssessorClient interface {
	AssessEntropy(ctx context.Context, data []byte, bearer string) (*AssessResponse, error)
}

// HTTPAssessorClient is the production AssessorClient.
type HTTPAssessorClient struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

func NewAssessorClient(baseURL string, timeout time.Duration) *HTTPAssessorClient {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPAssessorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  log.New(log.Writer(), "[ASSESS90B] ", log.LstdFlags),
	}
}

type assessRequest struct {
	Data          []byte `json:"data"`
	BitsPerSymbol int    `json:"bits_per_symbol"`
	IID           bool   `json:"iid"`
	NonIID        bool   `json:"non_iid"`
	Verbosity     int    `json:"verbosity"`
}

func (c *HTTPAssessorClient) AssessEntropy(ctx context.Context, data []byte, bearer string) (*AssessResponse, error) {
	body, err := json.Marshal(assessRequest{
		Data:          data,
		BitsPerSymbol: 8,
		IID:           true,
		NonIID:        true,
		Verbosity:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("assess90b: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/assess", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("assess90b: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: assess90b: %v", core.ErrTemporaryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: assess90b returned %d", core.ErrTemporaryUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("assess90b returned %d: %s", resp.StatusCode, detail)
	}

	var out AssessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("assess90b: decode response: %w", err)
	}
	normalizeSentinels(out.IIDResults)
	normalizeSentinels(out.NonIIDResults)

	c.logger.Printf("Assessment: %d bytes, min-entropy %.4f, passed=%v (%.1fs)",
		len(data), out.MinEntropy, out.Passed, time.Since(started).Seconds())
	return &out, nil
}

// normalizeSentinels maps the -1.0 "no estimate" sentinel to nil.
func normalizeSentinels(results []EstimatorOutcome) {
	for i := range results {
		if results[i].EntropyEstimate != nil && *results[i].EntropyEstimate == -1.0 {
			results[i].EntropyEstimate = nil
		}
	}
}
