package q402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepare(t *testing.T) {
	var gotBody PrepareRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/transactions/prepare/q402", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":   true,
			"requestId": "req_123",
			"typedData": map[string]any{"primaryType": "PaymentWitness"},
			"riskLevel": "low",
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	prepared, err := c.Prepare(context.Background(), "bsc-testnet", "0xabc", Intent{
		Type:     "transfer",
		To:       "0xdef",
		Amount:   "1000",
		ValueUSD: 25,
	})
	require.NoError(t, err)

	assert.Equal(t, "req_123", prepared.RequestID)
	assert.Equal(t, "low", prepared.RiskLevel)
	assert.Contains(t, string(prepared.TypedData), "PaymentWitness")

	assert.Equal(t, "sess-1", gotBody.SessionID)
	assert.Equal(t, "bsc-testnet", gotBody.Network)
	assert.Equal(t, "transfer", gotBody.Intent.Type)
}

func TestPrepare_PolicyRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "policy_rejected",
			"message": "exceeds per-transaction limit",
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	_, err := c.Prepare(context.Background(), "", "0xabc", Intent{Type: "transfer", ValueUSD: 99999})
	require.Error(t, err)

	assert.True(t, PolicyBlocked(err))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "policy_rejected")
}

func TestVerify_SendsRequestID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/facilitator/verify", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// The backend resolves the witness from the stored request, so the
		// request ID must be on the wire.
		require.Equal(t, "req_123", body["requestId"])
		require.Equal(t, "0xsig", body["signature"])
		require.Equal(t, "0xabc", body["signerAddress"])
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	result, err := c.Verify(context.Background(), "req_123", "0xsig", "0xabc")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerify_InvalidSignatureIsNotAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotEmpty(t, body["requestId"])
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"valid":  false,
			"reason": "signature mismatch",
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	result, err := c.Verify(context.Background(), "req_123", "0xbad", "0xabc")
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, "signature mismatch", result.Reason)
}

func TestExecute(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/facilitator/execute", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ExecuteResult{
			RequestID: "req_123",
			Status:    "executed",
			TxHash:    "0xhash",
			GasUsed:   21000,
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	result, err := c.Execute(context.Background(), "req_123", "0xsig")
	require.NoError(t, err)

	assert.Equal(t, "executed", result.Status)
	assert.Equal(t, "0xhash", result.TxHash)
}

func TestSettle_FullLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/transactions/prepare/q402", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"requestId": "req_123",
			"typedData": map[string]any{"primaryType": "PaymentWitness"},
		})
	})
	mux.HandleFunc("/api/facilitator/execute", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "req_123", body["requestId"])
		require.Equal(t, "0xsigned", body["signature"])
		_ = json.NewEncoder(w).Encode(ExecuteResult{RequestID: "req_123", Status: "executed"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	result, err := c.Settle(context.Background(), "", "0xabc", Intent{Type: "transfer"},
		func(_ context.Context, typedData json.RawMessage) (string, error) {
			assert.Contains(t, string(typedData), "PaymentWitness")
			return "0xsigned", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "executed", result.Status)
}

func TestSettle_SignerFailureStopsLifecycle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEqual(t, "/api/facilitator/execute", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"requestId": "req_123"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	_, err := c.Settle(context.Background(), "", "0xabc", Intent{Type: "transfer"},
		func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("user declined")
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user declined")
}

func TestPolicyRoundTrip(t *testing.T) {
	level := "strict"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/policies", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			require.Equal(t, "sess-1", r.URL.Query().Get("sessionId"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"policy": Policy{SessionID: "sess-1", SecurityLevel: "normal"},
			})
		case http.MethodPut:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			require.Equal(t, "sess-1", body["sessionId"])
			require.Equal(t, "strict", body["securityLevel"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"policy": Policy{SessionID: "sess-1", SecurityLevel: "strict"},
			})
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")

	p, err := c.GetPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "normal", p.SecurityLevel)

	p, err = c.UpdatePolicy(context.Background(), PolicyUpdate{SecurityLevel: &level})
	require.NoError(t, err)
	assert.Equal(t, "strict", p.SecurityLevel)
}

func TestHealth_Unhealthy503StillReturnsReport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthReport{
			Status: "unhealthy",
			Checks: []HealthCheck{{Name: "wallet:bsc-testnet", Status: "fail", Message: "empty wallet"}},
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	report, err := c.Health(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "unhealthy", report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "fail", report.Checks[0].Status)
}

func TestSupported(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"networks": []SupportedNetwork{{
				Network: "bsc-testnet",
				ChainID: 97,
				Tokens:  []SupportedToken{{Symbol: "USDT", Decimals: 18}},
			}},
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	networks, err := c.Supported(context.Background())
	require.NoError(t, err)

	require.Len(t, networks, 1)
	assert.Equal(t, int64(97), networks[0].ChainID)
	assert.Equal(t, "USDT", networks[0].Tokens[0].Symbol)
}

func TestAPIError_Unstructured(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream blew up"))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "sess-1")
	_, err := c.Execute(context.Background(), "req_123", "0xsig")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.False(t, PolicyBlocked(err))
}
