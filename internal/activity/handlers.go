package activity

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/q402/copilot/internal/logging"
)

// Handler provides the HTTP endpoint for reading a session's audit trail.
type Handler struct {
	store Store
}

// NewHandler creates a new activity handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up activity routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/activity", h.List)
}

// List handles GET /api/activity?sessionId=&limit=
func (h *Handler) List(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sessionId is required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	entries, err := h.store.ListBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("activity read failed", "session", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load activity"})
		return
	}
	if entries == nil {
		entries = []Entry{}
	}

	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}
