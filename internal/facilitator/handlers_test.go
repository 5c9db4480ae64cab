package facilitator

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/api"))
	return r
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestPrepareEndpoint_Success(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	w := postJSON(t, router, "/api/transactions/prepare/q402", PrepareRequest{
		SessionID: "sess-1",
		Network:   testNetwork,
		Signer:    env.signer,
		Intent:    transferIntent(50),
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success   bool   `json:"success"`
		RequestID string `json:"requestId"`
		TypedData struct {
			PrimaryType string `json:"primaryType"`
		} `json:"typedData"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "PaymentWitness", resp.TypedData.PrimaryType)
}

func TestPrepareEndpoint_PolicyBlockReturns403(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	w := postJSON(t, router, "/api/transactions/prepare/q402", PrepareRequest{
		SessionID: "sess-1",
		Network:   testNetwork,
		Signer:    env.signer,
		Intent:    transferIntent(99999),
	})

	require.Equal(t, http.StatusForbidden, w.Code)

	var resp struct {
		Success        bool   `json:"success"`
		Error          string `json:"error"`
		PolicyDecision struct {
			Allowed bool     `json:"allowed"`
			Reasons []string `json:"reasons"`
		} `json:"policyDecision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "policy_rejected", resp.Error)
	assert.False(t, resp.PolicyDecision.Allowed)
	assert.NotEmpty(t, resp.PolicyDecision.Reasons)
}

func TestPrepareEndpoint_BadRequest(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	w := postJSON(t, router, "/api/transactions/prepare/q402", gin.H{
		"sessionId":     "sess-1",
		"signerAddress": "not-an-address",
		"intent":        transferIntent(1),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyEndpoint_TypedDataRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	// A real client only has the prepare response body: sign the typed
	// data it carries and post its message back verbatim.
	w := postJSON(t, router, "/api/transactions/prepare/q402", PrepareRequest{
		SessionID: "sess-1",
		Network:   testNetwork,
		Signer:    env.signer,
		Intent:    transferIntent(100),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var prep struct {
		RequestID string          `json:"requestId"`
		TypedData json.RawMessage `json:"typedData"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prep))

	var td apitypes.TypedData
	require.NoError(t, json.Unmarshal(prep.TypedData, &td))
	var payload struct {
		Message json.RawMessage `json:"message"`
	}
	require.NoError(t, json.Unmarshal(prep.TypedData, &payload))

	sig := env.sign(t, td)

	w = postJSON(t, router, "/api/facilitator/verify", gin.H{
		"networkId":     testNetwork,
		"requestId":     prep.RequestID,
		"witness":       payload.Message,
		"signature":     sig,
		"signerAddress": env.signer,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"valid":true`)

	// Request ID alone works too; the stored record supplies the witness.
	w = postJSON(t, router, "/api/facilitator/verify", gin.H{
		"requestId":     prep.RequestID,
		"signature":     sig,
		"signerAddress": env.signer,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"valid":true`)

	// Same witness signed by nobody: broken signature is a 400, not a 500.
	w = postJSON(t, router, "/api/facilitator/verify", gin.H{
		"networkId":     testNetwork,
		"witness":       payload.Message,
		"signature":     "0x1234",
		"signerAddress": env.signer,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":false`)
}

func TestExecuteEndpoint_Success(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	result := env.prepare(t, 75)
	sig := env.sign(t, result.TypedData)

	w := postJSON(t, router, "/api/facilitator/execute", ExecuteRequest{
		RequestID: result.RequestID,
		Signature: sig,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ExecuteResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusExecuted, resp.Status)
	assert.NotEmpty(t, resp.TxHash)
}

func TestExecuteEndpoint_UnknownRequestIs404(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	w := postJSON(t, router, "/api/facilitator/execute", ExecuteRequest{
		RequestID: "req_missing",
		Signature: "0x00",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/facilitator/health", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestHealthEndpoint_UnhealthyIs503(t *testing.T) {
	env := newTestEnv(t)
	env.eth.balance = big.NewInt(0) // empty wallet fails the balance check
	router := setupRouter(env.svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/facilitator/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSupportedEndpoint(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/facilitator/supported", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Networks []SupportedNetwork `json:"networks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Networks, 1)
	assert.Equal(t, int64(97), resp.Networks[0].ChainID)
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	router := setupRouter(env.svc)

	env.prepare(t, 10)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/facilitator/stats", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Prepared)
	assert.Equal(t, int64(1), stats.Requests[StatusPending])
}
