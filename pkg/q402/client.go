package q402

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

// Signer produces an EIP-712 signature for the typed data returned by
// Prepare. Implementations typically hand the payload to a wallet.
type Signer func(ctx context.Context, typedData json.RawMessage) (signature string, err error)

// Client talks to a Q402 Copilot backend.
type Client struct {
	httpClient *http.Client
	baseURL    string

	// SessionID is sent with every request that is scoped to a session.
	SessionID string
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL, sessionID string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		SessionID:  sessionID,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Prepare asks the facilitator to evaluate the intent against the session
// policy and build the typed data to sign.
func (c *Client) Prepare(ctx context.Context, network, signer string, intent Intent) (*PreparedSettlement, error) {
	req := PrepareRequest{
		SessionID: c.SessionID,
		Network:   network,
		Signer:    signer,
		Intent:    intent,
	}
	var out PreparedSettlement
	if err := c.do(ctx, http.MethodPost, "/api/transactions/prepare/q402", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify checks a signature against a prepared request without consuming
// it. The backend rebuilds the witness from the stored request, so only the
// request ID, signature and signer travel on the wire.
func (c *Client) Verify(ctx context.Context, requestID, signature, signer string) (*VerifyResult, error) {
	body := map[string]string{
		"requestId":     requestID,
		"signature":     signature,
		"signerAddress": signer,
	}
	var out VerifyResult
	err := c.do(ctx, http.MethodPost, "/api/facilitator/verify", body, &out)
	if err != nil {
		// Invalid witnesses come back 400 with a structured reason
		if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusBadRequest && apiErr.Code == "" {
			return &out, nil
		}
		return nil, err
	}
	return &out, nil
}

// Execute submits the signed settlement on chain and waits for confirmation.
func (c *Client) Execute(ctx context.Context, requestID, signature string) (*ExecuteResult, error) {
	body := map[string]string{
		"requestId": requestID,
		"signature": signature,
	}
	var out ExecuteResult
	if err := c.do(ctx, http.MethodPost, "/api/facilitator/execute", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle runs the full lifecycle: prepare, sign via the callback, execute.
func (c *Client) Settle(ctx context.Context, network, signer string, intent Intent, sign Signer) (*ExecuteResult, error) {
	prepared, err := c.Prepare(ctx, network, signer, intent)
	if err != nil {
		return nil, err
	}

	signature, err := sign(ctx, prepared.TypedData)
	if err != nil {
		return nil, fmt.Errorf("q402: sign: %w", err)
	}

	return c.Execute(ctx, prepared.RequestID, signature)
}

// GetPolicy fetches the session policy, creating the default on first read.
func (c *Client) GetPolicy(ctx context.Context) (*Policy, error) {
	var out struct {
		Policy Policy `json:"policy"`
	}
	path := "/api/policies?sessionId=" + url.QueryEscape(c.SessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Policy, nil
}

// UpdatePolicy changes the session policy. Unset fields are left alone.
func (c *Client) UpdatePolicy(ctx context.Context, upd PolicyUpdate) (*Policy, error) {
	body := struct {
		SessionID string `json:"sessionId"`
		PolicyUpdate
	}{SessionID: c.SessionID, PolicyUpdate: upd}

	var out struct {
		Policy Policy `json:"policy"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/policies", body, &out); err != nil {
		return nil, err
	}
	return &out.Policy, nil
}

// Health returns the facilitator's aggregate health report.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	var out HealthReport
	err := c.do(ctx, http.MethodGet, "/api/facilitator/health", nil, &out)
	if err != nil {
		// An unhealthy facilitator responds 503 with the same report body
		if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusServiceUnavailable && out.Status != "" {
			return &out, nil
		}
		return nil, err
	}
	return &out, nil
}

// Supported lists configured networks, contracts and tokens.
func (c *Client) Supported(ctx context.Context) ([]SupportedNetwork, error) {
	var out struct {
		Networks []SupportedNetwork `json:"networks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/facilitator/supported", nil, &out); err != nil {
		return nil, err
	}
	return out.Networks, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("q402: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("q402: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("q402: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("q402: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Code == "" {
			// Not a structured error; still decode the body for callers
			// that inspect partial results (verify, health).
			if out != nil {
				_ = json.Unmarshal(raw, out)
			}
			if apiErr.Message == "" {
				apiErr.Message = "HTTP " + strconv.Itoa(resp.StatusCode)
			}
		}
		return apiErr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("q402: decode response: %w", err)
		}
	}
	return nil
}
