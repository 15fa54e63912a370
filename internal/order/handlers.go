package order

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/taskbazaar/settlement/internal/apierr"
	"github.com/taskbazaar/settlement/internal/usdc"
	"github.com/taskbazaar/settlement/internal/validation"
)

// FundingInstructions tells the buyer how to fund a newly placed order.
type FundingInstructions struct {
	EscrowID string `json:"escrowId"`
	PayTo    string `json:"payTo"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Nonce    string `json:"nonce"`
}

// EscrowOpener opens custody for a newly placed order. Implemented by the
// escrow service; declared here so this package does not depend on it.
type EscrowOpener interface {
	OpenForOrder(ctx context.Context, o *Order) (*FundingInstructions, error)
}

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
	escrows EscrowOpener
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, escrows EscrowOpener) *Handler {
	return &Handler{service: service, escrows: escrows}
}

// RegisterRoutes sets up public (read-only) order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.GetOrder)
}

// RegisterProtectedRoutes sets up wallet-authenticated order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.POST("/orders/:id/start_work", h.action(ActionStartWork))
	r.POST("/orders/:id/deliver", h.action(ActionDeliver))
	r.POST("/orders/:id/request_revision", h.action(ActionRequestRevision))
	r.POST("/orders/:id/redeliver", h.action(ActionRedeliver))
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// CreateOrder handles POST /v1/orders. It places a pending order and opens
// its escrow record, returning the funding instructions the buyer pays
// against.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyerAddr", req.BuyerAddr),
		validation.ValidAddress("sellerAddr", req.SellerAddr),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("requirements", req.Requirements, validation.MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	callerAddr := c.GetString("walletAddr")
	if !strings.EqualFold(callerAddr, req.BuyerAddr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated wallet must be the buyer",
		})
		return
	}

	amountMinor, ok := usdc.ParseMinor(req.Amount)
	if !ok || amountMinor <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount must be a positive USDC amount with at most 6 decimals",
		})
		return
	}
	req.Requirements = validation.SanitizeText(req.Requirements, validation.MaxTextLength)

	o, err := h.service.Create(c.Request.Context(), req, amountMinor)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	funding, err := h.escrows.OpenForOrder(c.Request.Context(), o)
	if err != nil {
		apierr.Respond(c, fmt.Errorf("open escrow: %w", err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":   o,
		"funding": funding,
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders, returning the caller's orders.
func (h *Handler) ListOrders(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	orders, err := h.service.ListByBuyer(c.Request.Context(), c.GetString("walletAddr"), limit)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// action builds a handler for one commercial transition endpoint. The role is
// derived from the authenticated wallet against the order's parties, so a
// buyer cannot deliver and a seller cannot accept.
func (h *Handler) action(a Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		o, err := h.service.Get(c.Request.Context(), id)
		if err != nil {
			apierr.Respond(c, err)
			return
		}

		role, ok := callerRole(c, o)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Authenticated wallet is not a party to this order",
			})
			return
		}

		updated, err := h.service.Apply(c.Request.Context(), id, a, role)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": updated})
	}
}

// CancelOrder handles POST /v1/orders/:id/cancel. Only unfunded orders can be
// cancelled here; once funds are in custody, cancellation is an escrow
// operation because it has to move money back to the buyer first.
func (h *Handler) CancelOrder(c *gin.Context) {
	id := c.Param("id")

	o, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	role, ok := callerRole(c, o)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated wallet is not a party to this order",
		})
		return
	}

	if o.Status != StatusPending {
		apierr.Respond(c, fmt.Errorf(
			"%w: order %s is %s; funded orders are cancelled through their escrow",
			apierr.ErrInvalidTransition, id, o.Status))
		return
	}

	updated, err := h.service.Apply(c.Request.Context(), id, ActionCancel, role)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": updated})
}

// callerRole resolves the authenticated caller to their role on the order.
func callerRole(c *gin.Context, o *Order) (Role, bool) {
	if c.GetBool("isAdmin") {
		return RoleAdmin, true
	}
	caller := strings.ToLower(c.GetString("walletAddr"))
	switch caller {
	case "":
		return "", false
	case o.BuyerAddr:
		return RoleBuyer, true
	case o.SellerAddr:
		return RoleSeller, true
	}
	return "", false
}
