// Package q402 is a Go client for the Q402 Copilot facilitator API.
// It covers the full settlement lifecycle: prepare a gasless settlement,
// sign the returned EIP-712 typed data out of band, then verify and
// execute through the facilitator.
package q402

import (
	"encoding/json"
	"fmt"
)

// Intent describes what the session wants to do on chain.
type Intent struct {
	Type          string  `json:"type"` // transfer | swap | contract_call
	TokenAddress  string  `json:"tokenAddress,omitempty"`
	To            string  `json:"to,omitempty"`
	TargetAddress string  `json:"targetAddress,omitempty"`
	Amount        string  `json:"amount,omitempty"`
	ValueUSD      float64 `json:"valueUsd"`
	Calldata      string  `json:"calldata,omitempty"`
	MinAmountOut  string  `json:"minAmountOut,omitempty"`
	TokenOut      string  `json:"tokenOut,omitempty"`
}

// PrepareRequest is the input to Prepare.
type PrepareRequest struct {
	SessionID string `json:"sessionId"`
	Network   string `json:"networkId,omitempty"`
	Signer    string `json:"signerAddress"`
	Intent    Intent `json:"intent"`
}

// PreparedSettlement is a successful prepare response. TypedData is the
// EIP-712 payload the signer wallet must sign verbatim.
type PreparedSettlement struct {
	RequestID string          `json:"requestId"`
	TypedData json.RawMessage `json:"typedData"`
	ExpiresAt string          `json:"expiresAt"`
	RiskLevel string          `json:"riskLevel"`
	Warnings  []Warning       `json:"warnings,omitempty"`
}

// Warning is a non-blocking policy note attached to a prepared settlement.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VerifyResult is the advisory outcome of a verify call. A false Valid
// never consumes the request; callers may fix the signature and retry.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ExecuteResult carries the on-chain outcome of a settlement.
type ExecuteResult struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
	ExplorerURL string `json:"explorerUrl,omitempty"`
}

// Policy mirrors the per-session policy resource.
type Policy struct {
	SessionID                string   `json:"sessionId"`
	SecurityLevel            string   `json:"securityLevel"`
	MaxPerTxUSD              *float64 `json:"maxPerTxUsd"`
	MaxDailyUSD              *float64 `json:"maxDailyUsd"`
	RequireVerifiedContracts bool     `json:"requireVerifiedContracts"`
	LargeTxThresholdPct      int      `json:"largeTransactionThresholdPct"`
	MaxSlippageBps           int      `json:"maxSlippageBps"`
	AllowedTokens            []string `json:"allowedTokens"`
	DeniedTokens             []string `json:"deniedTokens"`
	AllowedContracts         []string `json:"allowedContracts"`
	DeniedContracts          []string `json:"deniedContracts"`
}

// PolicyUpdate changes only the fields that are set.
type PolicyUpdate struct {
	SecurityLevel       *string  `json:"securityLevel,omitempty"`
	MaxPerTxUSD         *float64 `json:"maxPerTxUsd,omitempty"`
	MaxDailyUSD         *float64 `json:"maxDailyUsd,omitempty"`
	LargeTxThresholdPct *int     `json:"largeTransactionThresholdPct,omitempty"`
	MaxSlippageBps      *int     `json:"maxSlippageBps,omitempty"`
	AllowedTokens       []string `json:"allowedTokens,omitempty"`
	DeniedTokens        []string `json:"deniedTokens,omitempty"`
	AllowedContracts    []string `json:"allowedContracts,omitempty"`
	DeniedContracts     []string `json:"deniedContracts,omitempty"`
}

// SupportedToken describes an ERC-20 a network settles.
type SupportedToken struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name"`
}

// SupportedNetwork is the capability listing for one network.
type SupportedNetwork struct {
	Network                string           `json:"network"`
	ChainID                int64            `json:"chainId"`
	RPCURL                 string           `json:"rpcUrl"`
	ExplorerURL            string           `json:"explorerUrl"`
	ImplementationContract string           `json:"implementationContract"`
	VerifyingContract      string           `json:"verifyingContract"`
	BatchExecutorContract  string           `json:"batchExecutorContract,omitempty"`
	Tokens                 []SupportedToken `json:"tokens"`
}

// HealthCheck is one subsystem's health status.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // ok | warn | fail
	Message string `json:"message,omitempty"`
}

// HealthReport is the facilitator's aggregate health.
type HealthReport struct {
	Status  string        `json:"status"` // healthy | degraded | unhealthy
	Version string        `json:"version"`
	Uptime  int64         `json:"uptime"`
	Checks  []HealthCheck `json:"checks"`
}

// APIError is a structured error response from the backend.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("q402: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("q402: %s (%d)", e.Code, e.StatusCode)
}

// PolicyBlocked reports whether an error is a policy rejection, meaning
// the session's policy denied the intent rather than a transport failure.
func PolicyBlocked(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "policy_rejected"
}
