package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the copilot backend.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	APIKey    string // Optional bearer token
	SessionID string // Default session for policy and activity tools
}

// CopilotClient is a pure HTTP client for the copilot backend API.
type CopilotClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewCopilotClient creates a new client for the copilot backend.
func NewCopilotClient(cfg Config) *CopilotClient {
	return &CopilotClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the backend.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the backend and returns the response body.
func (c *CopilotClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func (c *CopilotClient) sessionID(override string) string {
	if override != "" {
		return override
	}
	return c.cfg.SessionID
}

// GetPolicy returns the session's current policy, creating the default if new.
func (c *CopilotClient) GetPolicy(ctx context.Context, sessionID string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("sessionId", c.sessionID(sessionID))
	return c.doRequest(ctx, http.MethodGet, "/api/policies", q, nil)
}

// UpdatePolicy applies a partial policy update to the session.
func (c *CopilotClient) UpdatePolicy(ctx context.Context, sessionID string, update map[string]any) (json.RawMessage, error) {
	body := map[string]any{"sessionId": c.sessionID(sessionID)}
	for k, v := range update {
		body[k] = v
	}
	return c.doRequest(ctx, http.MethodPut, "/api/policies", nil, body)
}

// PrepareTransaction runs policy evaluation and returns EIP-712 typed data to sign.
func (c *CopilotClient) PrepareTransaction(ctx context.Context, sessionID, network, signer string, intent map[string]any) (json.RawMessage, error) {
	body := map[string]any{
		"sessionId":     c.sessionID(sessionID),
		"networkId":     network,
		"signerAddress": signer,
		"intent":        intent,
	}
	return c.doRequest(ctx, http.MethodPost, "/api/transactions/prepare/q402", nil, body)
}

// GetActivity lists recent session activity, newest first.
func (c *CopilotClient) GetActivity(ctx context.Context, sessionID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("sessionId", c.sessionID(sessionID))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/api/activity", q, nil)
}

// FacilitatorHealth returns the facilitator health report.
func (c *CopilotClient) FacilitatorHealth(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/facilitator/health", nil, nil)
}

// SupportedNetworks lists configured networks, contracts and tokens.
func (c *CopilotClient) SupportedNetworks(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/facilitator/supported", nil, nil)
}

// FacilitatorStats returns facilitator process counters.
func (c *CopilotClient) FacilitatorStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/facilitator/stats", nil, nil)
}
