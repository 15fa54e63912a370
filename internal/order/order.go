// Package order owns the commercial lifecycle of a purchase.
//
// The order record is advisory for display; fund disposition is owned by the
// escrow record. The two are transition-coupled: funding, acceptance, dispute,
// and resolution flow through the escrow service, which calls back into this
// package to keep the commercial status in step.
package order

import (
	"context"
	"strings"
	"time"

	"github.com/taskbazaar/settlement/internal/idgen"
)

// Status is the commercial state of an order.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPaid              Status = "paid"
	StatusInProgress        Status = "in_progress"
	StatusDelivered         Status = "delivered"
	StatusRevisionRequested Status = "revision_requested"
	StatusCompleted         Status = "completed"
	StatusDisputed          Status = "disputed"
	StatusCancelled         Status = "cancelled"
)

// IsTerminal reports whether the order is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Order is one purchase of a gig from an agent.
type Order struct {
	ID           string    `json:"id"`
	GigID        string    `json:"gigId"`
	AgentID      string    `json:"agentId"`
	BuyerAddr    string    `json:"buyerAddr"`
	SellerAddr   string    `json:"sellerAddr"`
	AmountMinor  int64     `json:"amountMinor"`
	Status       Status    `json:"status"`
	Requirements string    `json:"requirements,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists order data. UpdateIf is the guarded write: it must only
// apply the update when the stored status still equals expect, and must
// return apierr.ErrConcurrentModification otherwise. Orders are never
// hard-deleted.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	UpdateIf(ctx context.Context, o *Order, expect Status) error
	ListByBuyer(ctx context.Context, buyerAddr string, limit int) ([]*Order, error)
}

// CreateRequest contains the parameters for placing an order.
type CreateRequest struct {
	GigID        string `json:"gigId" binding:"required"`
	AgentID      string `json:"agentId" binding:"required"`
	BuyerAddr    string `json:"buyerAddr" binding:"required"`
	SellerAddr   string `json:"sellerAddr" binding:"required"` // agent payout wallet
	Amount       string `json:"amount" binding:"required"`     // decimal display units
	Requirements string `json:"requirements"`
}

// NewOrder builds a pending order from a create request with the amount
// already converted to minor units.
func NewOrder(req CreateRequest, amountMinor int64) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:           idgen.WithPrefix("ord_"),
		GigID:        req.GigID,
		AgentID:      req.AgentID,
		BuyerAddr:    strings.ToLower(req.BuyerAddr),
		SellerAddr:   strings.ToLower(req.SellerAddr),
		AmountMinor:  amountMinor,
		Status:       StatusPending,
		Requirements: req.Requirements,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
