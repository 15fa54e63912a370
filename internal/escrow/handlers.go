package escrow

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/taskbazaar/settlement/internal/apierr"
	"github.com/taskbazaar/settlement/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/agents/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
}

// RegisterProtectedRoutes sets up wallet-authenticated escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:id/fund", h.FundEscrow)
	r.POST("/escrow/:id/release", h.ReleaseEscrow)
	r.POST("/escrow/:id/cancel", h.CancelEscrow)
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(e)})
}

// ListEscrows handles GET /v1/agents/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByAgent(c.Request.Context(), address, limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	views := make([]*View, 0, len(escrows))
	for _, e := range escrows {
		views = append(views, NewView(e))
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": views,
		"count":   len(views),
	})
}

// FundEscrow handles POST /v1/escrow/:id/fund. The signed payment
// authorization is checked against the escrow's stored terms before any
// on-chain verification happens.
func (h *Handler) FundEscrow(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "fundingTxRef and signature are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("fundingTxRef", req.FundingTxRef),
		validation.ValidTxRef("fundingTxRef", req.FundingTxRef),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "signature must be hex encoded",
		})
		return
	}

	if err := h.service.VerifyFundingAuthorization(c.Request.Context(), c.Param("id"), sig); err != nil {
		apierr.Respond(c, err)
		return
	}

	e, err := h.service.Fund(c.Request.Context(), c.Param("id"), req.FundingTxRef, c.GetString("walletAddr"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(e)})
}

// ReleaseEscrow handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	payout, err := h.service.Release(c.Request.Context(), c.Param("id"), c.GetString("walletAddr"), false)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow": NewView(payout.Escrow),
		"payout": payout,
	})
}

// CancelEscrow handles POST /v1/escrow/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	id := c.Param("id")

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	role, ok := callerRole(c, e)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated wallet is not a party to this escrow",
		})
		return
	}

	updated, err := h.service.Cancel(c.Request.Context(), id, role)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(updated)})
}

// callerRole resolves the authenticated caller to their role on the escrow.
func callerRole(c *gin.Context, e *Escrow) (string, bool) {
	if c.GetBool("isAdmin") {
		return "admin", true
	}
	caller := strings.ToLower(c.GetString("walletAddr"))
	switch caller {
	case "":
		return "", false
	case e.BuyerAddr:
		return "buyer", true
	case e.SellerAddr:
		return "seller", true
	}
	return "", false
}
