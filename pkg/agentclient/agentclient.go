// Package agentclient is the HTTP client for the downstream gourmAgent
// recommendation service that the gateway fronts.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the agent service origin, e.g. "http://127.0.0.1:8000".
	BaseURL string

	HTTPClient *http.Client
}

// Client calls the agent's /run and /health endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new agent client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Agent turns can run several tool calls; give them room.
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{baseURL: cfg.BaseURL, httpClient: httpClient}
}

// RunRequest is one conversational turn handed to the agent.
type RunRequest struct {
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
	Location string `json:"location"`
}

// RunResponse is the agent's reply for a turn, including the tool calls it
// made while producing it.
type RunResponse struct {
	Response  string           `json:"response"`
	ToolCalls []map[string]any `json:"tool_calls"`
}

// Run executes one agent turn.
func (c *Client) Run(ctx context.Context, runReq RunRequest) (*RunResponse, error) {
	body, err := json.Marshal(runReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent run failed: %s", resp.Status)
	}

	var runResp RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&runResp); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	return &runResp, nil
}

// Health checks the agent's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent unhealthy: %s", resp.Status)
	}
	return nil
}
