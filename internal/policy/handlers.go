package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/q402/copilot/internal/logging"
	"github.com/q402/copilot/internal/metrics"
)

// Handler provides HTTP endpoints for reading and updating session policies.
type Handler struct {
	store Store
}

// NewHandler creates a new policy handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policies", h.Get)
	r.PUT("/policies", h.Update)
}

// Get handles GET /api/policies?sessionId=
// A session that has never been seen gets the NORMAL default policy.
func (h *Handler) Get(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sessionId is required"})
		return
	}

	p, err := h.store.GetOrCreate(c.Request.Context(), sessionID)
	if err != nil {
		logging.L(c.Request.Context()).Error("policy read failed", "session", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Update handles PUT /api/policies
// Only provided fields change; non-nil lists replace the stored lists.
func (h *Handler) Update(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId" binding:"required"`
		UpdateRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sessionId required"})
		return
	}

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, err := h.store.Update(c.Request.Context(), req.SessionID, req.UpdateRequest)
	if err != nil {
		if err == ErrSessionNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "session not found"})
			return
		}
		logging.L(c.Request.Context()).Error("policy update failed", "session", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update policy"})
		return
	}

	metrics.PolicyUpdatesTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"success": true, "policy": p})
}
