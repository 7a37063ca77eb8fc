package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPClient calls an external orchestrator's scale endpoint:
// POST {baseURL}/v1/teams/{teamId}/scale.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint
}

// NewHTTPClient creates an HTTPClient with a 10-second per-attempt timeout
// and up to 3 attempts in total (2 retries) on transient (5xx or
// transport-level) failures.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
	}
}

type scaleRequest struct {
	TargetAgentCount int `json:"targetAgentCount"`
}

// Scale issues the scale command, retrying transient failures with
// exponential backoff. A non-2xx response other than a retryable 5xx is
// returned immediately as an error.
func (c *HTTPClient) Scale(ctx context.Context, teamID string, target int) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.doScale(ctx, teamID, target)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxRetries))
	return err
}

func (c *HTTPClient) doScale(ctx context.Context, teamID string, target int) error {
	body, err := json.Marshal(scaleRequest{TargetAgentCount: target})
	if err != nil {
		return fmt.Errorf("marshalling scale request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/teams/%s/scale", c.baseURL, teamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building scale request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling orchestrator: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("orchestrator returned HTTP %d (retryable)", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("orchestrator rejected scale request: HTTP %d", resp.StatusCode))
	}
	return nil
}
