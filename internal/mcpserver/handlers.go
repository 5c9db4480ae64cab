package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *CopilotClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *CopilotClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetPolicy returns the session's spending policy.
func (h *Handlers) HandleGetPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")

	raw, err := h.client.GetPolicy(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy: %v", err)), nil
	}

	text, err := formatPolicy(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse policy: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleUpdatePolicy applies a partial policy update.
func (h *Handlers) HandleUpdatePolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")

	update := make(map[string]any)
	args := req.GetArguments()
	if v, ok := args["security_level"].(string); ok && v != "" {
		update["securityLevel"] = v
	}
	if v, ok := args["max_per_tx_usd"].(float64); ok {
		update["maxPerTxUsd"] = v
	}
	if v, ok := args["max_daily_usd"].(float64); ok {
		update["maxDailyUsd"] = v
	}
	if v, ok := args["max_slippage_bps"].(float64); ok {
		update["maxSlippageBps"] = int(v)
	}
	if len(update) == 0 {
		return mcp.NewToolResultError("no policy fields provided"), nil
	}

	raw, err := h.client.UpdatePolicy(ctx, sessionID, update)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update policy: %v", err)), nil
	}

	text, err := formatPolicy(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse policy: %v", err)), nil
	}

	return mcp.NewToolResultText("Policy updated.\n\n" + text), nil
}

// HandlePrepareTransaction evaluates policy and returns typed data to sign.
func (h *Handlers) HandlePrepareTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signer := req.GetString("signer_address", "")
	if signer == "" {
		return mcp.NewToolResultError("signer_address is required"), nil
	}
	intentType := req.GetString("type", "")
	if intentType == "" {
		return mcp.NewToolResultError("type is required"), nil
	}

	intent := map[string]any{"type": intentType}
	if v := req.GetString("token", ""); v != "" {
		intent["tokenAddress"] = v
	}
	if v := req.GetString("to", ""); v != "" {
		if intentType == "transfer" {
			intent["to"] = v
		} else {
			intent["targetAddress"] = v
		}
	}
	if v := req.GetString("amount", ""); v != "" {
		intent["amount"] = v
	}
	if v, ok := req.GetArguments()["value_usd"].(float64); ok {
		intent["valueUsd"] = v
	}

	raw, err := h.client.PrepareTransaction(ctx,
		req.GetString("session_id", ""),
		req.GetString("network", ""),
		signer, intent)
	if err != nil {
		// Policy blocks come back as API errors carrying the decision.
		return mcp.NewToolResultError(fmt.Sprintf("Prepare failed: %v", err)), nil
	}

	text, err := formatPrepared(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse prepare response: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetActivity lists recent session activity.
func (h *Handlers) HandleGetActivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	limit := req.GetInt("limit", 0)

	raw, err := h.client.GetActivity(ctx, sessionID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get activity: %v", err)), nil
	}

	text, err := formatActivity(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse activity: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleFacilitatorHealth returns the facilitator health report.
func (h *Handlers) HandleFacilitatorHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.FacilitatorHealth(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get facilitator health: %v", err)), nil
	}

	text, err := formatHealth(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse health report: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListSupportedNetworks lists settleable networks and tokens.
func (h *Handlers) HandleListSupportedNetworks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.SupportedNetworks(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list networks: %v", err)), nil
	}

	text, err := formatNetworks(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse networks: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleFacilitatorStats returns process counters.
func (h *Handlers) HandleFacilitatorStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.FacilitatorStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatPolicy(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	p := resp
	if nested, ok := resp["policy"].(map[string]any); ok {
		p = nested
	}

	var sb strings.Builder
	sb.WriteString("Session Policy:\n")
	if v := getString(p, "securityLevel"); v != "" {
		sb.WriteString(fmt.Sprintf("  Security level: %s\n", v))
	}
	if v, ok := getFloat(p, "maxPerTxUsd"); ok {
		sb.WriteString(fmt.Sprintf("  Max per transaction: $%.2f\n", v))
	} else {
		sb.WriteString("  Max per transaction: unlimited\n")
	}
	if v, ok := getFloat(p, "maxDailyUsd"); ok {
		sb.WriteString(fmt.Sprintf("  Max per day: $%.2f\n", v))
	} else {
		sb.WriteString("  Max per day: unlimited\n")
	}
	if v, ok := getFloat(p, "maxSlippageBps"); ok {
		sb.WriteString(fmt.Sprintf("  Max slippage: %.0f bps\n", v))
	}
	if tokens, ok := p["allowedTokens"].([]any); ok && len(tokens) > 0 {
		sb.WriteString(fmt.Sprintf("  Allowed tokens: %d configured\n", len(tokens)))
	}
	if tokens, ok := p["deniedTokens"].([]any); ok && len(tokens) > 0 {
		sb.WriteString(fmt.Sprintf("  Denied tokens: %d configured\n", len(tokens)))
	}

	return sb.String(), nil
}

func formatPrepared(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	requestID := getString(resp, "requestId")
	if requestID == "" {
		return "", fmt.Errorf("no request ID in response: %s", string(raw))
	}

	var sb strings.Builder
	sb.WriteString("Transaction prepared. Have the user sign the typed data below,\n")
	sb.WriteString("then call the facilitator's execute endpoint with the request ID.\n\n")
	fmt.Fprintf(&sb, "Request ID: %s\n", requestID)
	if v := getString(resp, "riskLevel"); v != "" {
		fmt.Fprintf(&sb, "Risk level: %s\n", v)
	}
	if v := getString(resp, "expiresAt"); v != "" {
		fmt.Fprintf(&sb, "Expires: %s\n", v)
	}
	if warnings, ok := resp["warnings"].([]any); ok && len(warnings) > 0 {
		sb.WriteString("Warnings:\n")
		for _, w := range warnings {
			if m, ok := w.(map[string]any); ok {
				fmt.Fprintf(&sb, "  - %s\n", getString(m, "message"))
			}
		}
	}
	if td, ok := resp["typedData"]; ok {
		data, err := json.MarshalIndent(td, "", "  ")
		if err == nil {
			sb.WriteString("\nTyped data (EIP-712):\n")
			sb.Write(data)
		}
	}

	return sb.String(), nil
}

func formatActivity(raw json.RawMessage) (string, error) {
	var resp struct {
		Activity []map[string]any `json:"activity"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected activity response format")
	}

	if len(resp.Activity) == 0 {
		return "No activity for this session.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Last %d event(s), newest first:\n\n", len(resp.Activity)))
	for i, e := range resp.Activity {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s", i+1, getString(e, "status"), getString(e, "type")))
		if v := getString(e, "network"); v != "" {
			sb.WriteString(" on " + v)
		}
		sb.WriteString("\n")
		if v, ok := getFloat(e, "valueUsd"); ok && v > 0 {
			sb.WriteString(fmt.Sprintf("   Value: $%.2f\n", v))
		}
		if v := getString(e, "txHash"); v != "" {
			sb.WriteString(fmt.Sprintf("   Tx: %s\n", v))
		}
		if v := getString(e, "detail"); v != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", v))
		}
	}
	return sb.String(), nil
}

func formatHealth(raw json.RawMessage) (string, error) {
	var resp struct {
		Status string `json:"status"`
		Checks []struct {
			Name    string `json:"name"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Facilitator status: %s\n", resp.Status))
	for _, c := range resp.Checks {
		sb.WriteString(fmt.Sprintf("  [%s] %s", c.Status, c.Name))
		if c.Message != "" {
			sb.WriteString(": " + c.Message)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatNetworks(raw json.RawMessage) (string, error) {
	var resp struct {
		Networks []map[string]any `json:"networks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Networks == nil {
		return "", fmt.Errorf("unexpected networks response format")
	}

	if len(resp.Networks) == 0 {
		return "No networks configured.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Supported network(s): %d\n\n", len(resp.Networks)))
	for i, n := range resp.Networks {
		chainID, _ := getFloat(n, "chainId")
		sb.WriteString(fmt.Sprintf("%d. %s (chain %.0f)\n", i+1, getString(n, "network"), chainID))
		sb.WriteString(fmt.Sprintf("   Contract: %s\n", getString(n, "implementationContract")))
		if v := getString(n, "batchExecutorContract"); v != "" {
			sb.WriteString(fmt.Sprintf("   Batch executor: %s\n", v))
		}
		if tokens, ok := n["tokens"].([]any); ok {
			for _, t := range tokens {
				if m, ok := t.(map[string]any); ok {
					decimals, _ := getFloat(m, "decimals")
					sb.WriteString(fmt.Sprintf("   Token: %s (%s, %.0f decimals)\n",
						getString(m, "symbol"), getString(m, "address"), decimals))
				}
			}
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
