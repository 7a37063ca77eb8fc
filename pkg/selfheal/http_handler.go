package selfheal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPAgentHandler implements AgentHandler by calling back into an agent's
// own small control surface over HTTP. It is the reference binding used
// when an agent is registered through the admin API rather than wired
// in-process.
type HTTPAgentHandler struct {
	agentID string
	teamID  string
	baseURL string
	client  *http.Client
}

// NewHTTPAgentHandler wraps baseURL, expected to expose GET /health,
// GET /state, GET /status, POST /restart, and POST /restore.
func NewHTTPAgentHandler(agentID, teamID, baseURL string) *HTTPAgentHandler {
	return &HTTPAgentHandler{
		agentID: agentID,
		teamID:  teamID,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPAgentHandler) AgentID() string { return h.agentID }
func (h *HTTPAgentHandler) TeamID() string  { return h.teamID }

func (h *HTTPAgentHandler) IsHealthy(ctx context.Context) (bool, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (h *HTTPAgentHandler) GetAgentState(ctx context.Context) (map[string]any, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, "/state", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent %s: state endpoint returned %d", h.agentID, resp.StatusCode)
	}
	var state map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decoding agent state: %w", err)
	}
	return state, nil
}

func (h *HTTPAgentHandler) Restart(ctx context.Context) error {
	resp, err := h.doRequest(ctx, http.MethodPost, "/restart", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s: restart endpoint returned %d", h.agentID, resp.StatusCode)
	}
	return nil
}

func (h *HTTPAgentHandler) RestoreFromCheckpoint(ctx context.Context, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint data: %w", err)
	}
	resp, err := h.doRequest(ctx, http.MethodPost, "/restore", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s: restore endpoint returned %d", h.agentID, resp.StatusCode)
	}
	return nil
}

func (h *HTTPAgentHandler) GetStatus(ctx context.Context) (string, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading status response: %w", err)
	}
	return string(body), nil
}

func (h *HTTPAgentHandler) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling agent %s at %s: %w", h.agentID, path, err)
	}
	return resp, nil
}
