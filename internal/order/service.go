package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskbazaar/settlement/internal/apierr"
	"github.com/taskbazaar/settlement/internal/retry"
	"github.com/taskbazaar/settlement/internal/traces"
)

// Service implements order business logic over a guarded store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new order service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Create persists a new pending order.
func (s *Service) Create(ctx context.Context, req CreateRequest, amountMinor int64) (*Order, error) {
	o := NewOrder(req, amountMinor)

	ctx, span := traces.StartSpan(ctx, "order.create",
		traces.OrderID(o.ID), traces.WalletAddr(o.BuyerAddr))
	defer span.End()

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info("order created", "orderId", o.ID, "buyer", o.BuyerAddr, "amountMinor", o.AmountMinor)
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns a buyer's orders, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerAddr string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerAddr, limit)
}

// Apply performs one guarded transition: load, pure next-state check, write
// back conditioned on the loaded status. A lost race surfaces as
// ErrConcurrentModification; callers retry against the new state or give up.
func (s *Service) Apply(ctx context.Context, id string, action Action, role Role) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := Next(action, o.Status, role)
	if err != nil {
		return nil, err
	}

	prev := o.Status
	o.Status = next
	o.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateIf(ctx, o, prev); err != nil {
		return nil, err
	}

	s.logger.Info("order transition",
		"orderId", o.ID, "action", string(action), "from", string(prev), "to", string(next), "role", string(role))
	return o, nil
}

// applyWithRetry is Apply plus a short retry loop for the callback paths
// driven by the escrow service, where losing a guarded write to a concurrent
// display-side change should not fail a completed settlement.
func (s *Service) applyWithRetry(ctx context.Context, id string, action Action, role Role) error {
	return retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.Apply(ctx, id, action, role)
		if err == nil {
			return nil
		}
		if errors.Is(err, apierr.ErrConcurrentModification) {
			return err // retryable
		}
		return retry.Permanent(err)
	})
}

// The methods below implement the escrow service's OrderHook. Funds have
// already moved (or custody already changed) when they are called, so a
// failure here is logged for reconciliation rather than propagated as a
// settlement failure. The order record is advisory; the escrow is the
// authority.

// OrderPaid moves pending -> paid after funding is verified.
func (s *Service) OrderPaid(ctx context.Context, orderID string) error {
	return s.applyWithRetry(ctx, orderID, ActionPay, RoleScheduler)
}

// OrderCompleted moves the order to completed after a release: a dispute
// resolution completes a disputed order, everything else is acceptance. The
// release may land before the order reaches delivered (the buyer can release
// a funded escrow at any time), so acceptance runs under the scheduler role,
// which is allowed to complete from any funded state.
func (s *Service) OrderCompleted(ctx context.Context, orderID, resolvedBy string) error {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == StatusDisputed {
		role := RoleAdmin
		if resolvedBy == string(RoleAI) {
			role = RoleAI
		}
		return s.applyWithRetry(ctx, orderID, ActionResolve, role)
	}
	return s.applyWithRetry(ctx, orderID, ActionAccept, RoleScheduler)
}

// OrderDisputed moves the order to disputed when a dispute opens.
func (s *Service) OrderDisputed(ctx context.Context, orderID string) error {
	return s.applyWithRetry(ctx, orderID, ActionDispute, RoleBuyer)
}

// OrderCancelled moves the order to cancelled. For paid orders the escrow
// service performs the compensating refund before calling this.
func (s *Service) OrderCancelled(ctx context.Context, orderID, byRole string) error {
	return s.applyWithRetry(ctx, orderID, ActionCancel, Role(byRole))
}
