package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/taskbazaar/settlement/internal/apierr"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dispute/:id", h.GetDispute)
}

// RegisterProtectedRoutes sets up wallet-authenticated dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/order/:id/dispute", h.OpenDispute)
	r.POST("/dispute/:id/arbitrate", h.Arbitrate)
	r.POST("/dispute/:id/resolve", h.Resolve)
}

// RegisterAdminRoutes sets up the admin dispute queue.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListOpenDisputes)
}

// OpenDispute handles POST /v1/order/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), c.Param("id"), c.GetString("walletAddr"), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Arbitrate handles POST /v1/dispute/:id/arbitrate
func (h *Handler) Arbitrate(c *gin.Context) {
	d, err := h.service.Arbitrate(c.Request.Context(), c.Param("id"),
		c.GetString("walletAddr"), c.GetBool("isAdmin"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dispute":     d,
		"autoResolve": d.Resolved(),
	})
}

// Resolve handles POST /v1/dispute/:id/resolve. Admin only.
func (h *Handler) Resolve(c *gin.Context) {
	if !c.GetBool("isAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Dispute resolution requires admin credentials",
		})
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution and notes are required",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListOpenDisputes handles GET /v1/admin/disputes. Returns the resolution
// queue, oldest last.
func (h *Handler) ListOpenDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	disputes, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// GetDispute handles GET /v1/dispute/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
