package facilitator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/q402/copilot/internal/chain"
	"github.com/q402/copilot/internal/logging"
)

// Handler exposes the facilitator pipeline over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a new facilitator handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up prepare and facilitator routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/prepare/q402", h.Prepare)

	fac := r.Group("/facilitator")
	fac.POST("/verify", h.Verify)
	fac.POST("/execute", h.Execute)
	fac.GET("/health", h.Health)
	fac.GET("/stats", h.Stats)
	fac.GET("/supported", h.Supported)
}

// Prepare handles POST /api/transactions/prepare/q402
// Policy blocks return 403 with the full decision so clients can explain why.
func (h *Handler) Prepare(c *gin.Context) {
	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := h.svc.Prepare(c.Request.Context(), req)
	if err != nil {
		var rejection *PolicyRejection
		switch {
		case errors.As(err, &rejection):
			c.JSON(http.StatusForbidden, gin.H{
				"success":        false,
				"error":          "policy_rejected",
				"policyDecision": rejection.Decision,
			})
		case errors.Is(err, ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("prepare failed", "session", req.SessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to prepare request"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"requestId": result.RequestID,
		"typedData": result.TypedData,
		"expiresAt": result.ExpiresAt,
		"riskLevel": result.RiskLevel,
		"warnings":  result.Warnings,
	})
}

// Verify handles POST /api/facilitator/verify
// Invalid witnesses are 400 with {valid:false, reason}; they are expected
// client-retry cases.
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "reason": "malformed request body"})
		return
	}

	result, err := h.svc.Verify(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"valid": false, "reason": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("verify failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"valid": false, "reason": "verification backend unavailable"})
		return
	}

	if !result.Valid {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Execute handles POST /api/facilitator/execute
func (h *Handler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := h.svc.Execute(c.Request.Context(), req)
	if err != nil {
		var (
			failure    *VerificationFailure
			settleFail *chain.SettleError
		)
		switch {
		case errors.Is(err, ErrRequestNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "request not found"})
		case errors.Is(err, ErrRequestNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "bad_state", "message": err.Error()})
		case errors.As(err, &failure):
			c.JSON(http.StatusBadRequest, gin.H{"error": "verification_failed", "message": failure.Reason})
		case errors.Is(err, ErrExecutionDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "execution_disabled", "message": err.Error()})
		case errors.Is(err, ErrSponsorBudget):
			c.JSON(http.StatusForbidden, gin.H{"error": "sponsor_budget_exhausted", "message": err.Error()})
		case errors.Is(err, ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		case errors.Is(err, chain.ErrTimeout), errors.As(err, &settleFail):
			logging.L(c.Request.Context()).Error("settlement failed", "request", req.RequestID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "settlement_failed", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("execute failed", "request", req.RequestID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to execute request"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// Health handles GET /api/facilitator/health
// Unhealthy reports 503 so load balancers stop routing here.
func (h *Handler) Health(c *gin.Context) {
	report := h.svc.Health(c.Request.Context())
	status := http.StatusOK
	if report.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Stats handles GET /api/facilitator/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Supported handles GET /api/facilitator/supported
func (h *Handler) Supported(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"networks": h.svc.Supported()})
}
