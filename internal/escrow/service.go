package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taskbazaar/settlement/internal/apierr"
	"github.com/taskbazaar/settlement/internal/fees"
	"github.com/taskbazaar/settlement/internal/idgen"
	"github.com/taskbazaar/settlement/internal/metrics"
	"github.com/taskbazaar/settlement/internal/order"
	"github.com/taskbazaar/settlement/internal/retry"
	"github.com/taskbazaar/settlement/internal/settlement"
	"github.com/taskbazaar/settlement/internal/traces"
	"github.com/taskbazaar/settlement/internal/usdc"
	"github.com/taskbazaar/settlement/pkg/x402"
)

// Config carries the tunables of the escrow engine. Passed in at construction
// so tests can vary them.
type Config struct {
	FeePercent        int           // platform fee on released amounts
	AutoReleaseWindow time.Duration // funded -> auto-release deadline
	CustodyAddress    string        // wallet buyers fund
	VerifyMaxAttempts int           // funding verification retry budget
	VerifyBaseDelay   time.Duration // base delay for verification backoff
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	verifier Verifier
	settler  Settler
	cfg      Config
	logger   *slog.Logger

	orders OrderHook
	events EventSink

	locks sync.Map // per-escrow ID locks to serialize in-process transitions
}

// NewService creates a new escrow service.
func NewService(store Store, verifier Verifier, settler Settler, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		verifier: verifier,
		settler:  settler,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithOrderHook wires the order-side callbacks.
func (s *Service) WithOrderHook(h OrderHook) *Service {
	s.orders = h
	return s
}

// WithEvents wires the realtime event sink.
func (s *Service) WithEvents(e EventSink) *Service {
	s.events = e
	return s
}

// escrowLock returns a mutex for the given escrow ID. Serializes concurrent
// transitions within this process (e.g. accept and auto-release racing); the
// guarded store write catches races across processes.
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// OpenForOrder creates the custody record for a newly placed order and
// returns the funding instructions for the buyer. Implements the order
// package's EscrowOpener.
func (s *Service) OpenForOrder(ctx context.Context, o *order.Order) (*order.FundingInstructions, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.open",
		traces.OrderID(o.ID), traces.Amount(usdc.FormatMinor(o.AmountMinor)))
	defer span.End()

	split, err := fees.Split(o.AmountMinor, s.cfg.FeePercent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrValidation, err)
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:           idgen.WithPrefix("esc_"),
		OrderID:      o.ID,
		BuyerAddr:    strings.ToLower(o.BuyerAddr),
		SellerAddr:   strings.ToLower(o.SellerAddr),
		AmountMinor:  o.AmountMinor,
		FeeMinor:     split.Fee,
		SellerMinor:  split.Net,
		Status:       StatusPendingFunding,
		FundingNonce: idgen.Hex(16),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	metrics.EscrowsCreatedTotal.Inc()
	s.logger.Info("escrow opened",
		"escrowId", e.ID, "orderId", o.ID, "amountMinor", e.AmountMinor, "feeMinor", e.FeeMinor)

	return &order.FundingInstructions{
		EscrowID: e.ID,
		PayTo:    s.cfg.CustodyAddress,
		Asset:    "USDC",
		Amount:   usdc.FormatMinor(e.AmountMinor),
		Nonce:    e.FundingNonce,
	}, nil
}

// VerifyFundingAuthorization checks that sig is the buyer's EIP-191 personal
// signature over the payment terms issued for escrow id. The signed payload
// is reconstructed from stored state, never from the request, so a claim is
// only valid for the exact terms the server handed out.
func (s *Service) VerifyFundingAuthorization(ctx context.Context, id string, sig []byte) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	auth := &x402.PaymentAuthorization{
		Payer:       e.BuyerAddr,
		PayTo:       s.cfg.CustodyAddress,
		Asset:       "USDC",
		AmountMinor: e.AmountMinor,
		Nonce:       e.FundingNonce,
	}
	ok, err := auth.Verify(sig)
	if err != nil {
		return fmt.Errorf("%w: malformed payment authorization signature", apierr.ErrUnauthorized)
	}
	if !ok {
		return fmt.Errorf("%w: payment authorization not signed by the escrow buyer", apierr.ErrUnauthorized)
	}
	return nil
}

// Fund verifies a claimed funding payment and moves the escrow to funded.
// Verification is retried with backoff while the transaction has not
// propagated; a reverted transaction fails the attempt immediately. The
// escrow stays pending_funding on failure so the buyer can retry with a
// fresh transaction.
func (s *Service) Fund(ctx context.Context, id, txRef, callerAddr string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.fund", traces.EscrowID(id), traces.TxRef(txRef))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPendingFunding {
		return nil, fmt.Errorf("%w: escrow %s is %s, funding requires pending_funding",
			apierr.ErrInvalidTransition, id, e.Status)
	}
	if strings.ToLower(callerAddr) != e.BuyerAddr {
		return nil, fmt.Errorf("%w: only the buyer may fund the escrow", apierr.ErrUnauthorized)
	}

	var block uint64
	err = retry.Do(ctx, s.cfg.VerifyMaxAttempts, s.cfg.VerifyBaseDelay, func() error {
		b, _, verr := s.verifier.VerifyFunding(ctx, txRef, e.BuyerAddr, s.cfg.CustodyAddress, e.AmountMinor)
		if verr != nil {
			if errors.Is(verr, apierr.ErrTransactionNotFound) {
				metrics.VerificationAttemptsTotal.WithLabelValues("not_found").Inc()
				return verr // may still propagate; retry
			}
			metrics.VerificationAttemptsTotal.WithLabelValues("failed").Inc()
			return retry.Permanent(verr)
		}
		metrics.VerificationAttemptsTotal.WithLabelValues("ok").Inc()
		block = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify funding %s: %w", txRef, err)
	}

	now := time.Now().UTC()
	releaseAt := now.Add(s.cfg.AutoReleaseWindow)
	e.Status = StatusFunded
	e.FundingTxRef = txRef
	e.FundedAt = &now
	e.AutoReleaseAt = &releaseAt
	e.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, e, StatusPendingFunding); err != nil {
		return nil, err
	}

	metrics.EscrowsFundedTotal.Inc()
	s.logger.Info("escrow funded",
		"escrowId", e.ID, "orderId", e.OrderID, "txRef", txRef, "block", block,
		"autoReleaseAt", releaseAt)

	s.notifyOrder(ctx, "paid", func(hctx context.Context) error {
		return s.orders.OrderPaid(hctx, e.OrderID)
	})
	s.publish("escrow_funded", map[string]any{
		"escrowId": e.ID, "orderId": e.OrderID, "amount": usdc.FormatMinor(e.AmountMinor),
	})
	return e, nil
}

// Release pays out a funded escrow: net amount to the seller, fee to the
// platform treasury. auto marks a scheduler-driven release; otherwise only
// the buyer may release.
func (s *Service) Release(ctx context.Context, id, callerAddr string, auto bool) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(id))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow %s already %s", apierr.ErrAlreadyResolved, id, e.Status)
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: escrow %s is %s, release requires funded",
			apierr.ErrInvalidTransition, id, e.Status)
	}
	if auto {
		if e.AutoReleaseAt == nil || e.AutoReleaseAt.After(time.Now()) {
			return nil, fmt.Errorf("%w: escrow %s not due for auto-release", apierr.ErrInvalidTransition, id)
		}
	} else if strings.ToLower(callerAddr) != e.BuyerAddr {
		return nil, fmt.Errorf("%w: only the buyer may release the escrow", apierr.ErrUnauthorized)
	}

	refs, err := s.settler.Release(ctx, e.SellerAddr, e.SellerMinor, e.FeeMinor, e.ID)
	if err != nil && !isPartial(err) {
		return nil, err // no leg completed; escrow unchanged, retryable
	}
	partial := err
	refs = auditRefs(refs, partial)

	trigger := "buyer"
	if auto {
		trigger = "auto"
	}
	now := time.Now().UTC()
	e.Status = StatusReleased
	e.ReleaseTxRefs = refs
	e.ReleasedBy = trigger
	e.AutoReleaseAt = nil
	e.UpdatedAt = now

	if err := s.persistAfterFundsMoved(ctx, e, StatusFunded); err != nil {
		return nil, err
	}

	metrics.EscrowsSettledTotal.WithLabelValues(string(StatusReleased), trigger).Inc()
	if auto {
		metrics.AutoReleasesTotal.Inc()
	}
	s.observeSettlementDuration(e, now)
	s.logger.Info("escrow released",
		"escrowId", e.ID, "orderId", e.OrderID, "trigger", trigger,
		"sellerMinor", e.SellerMinor, "feeMinor", e.FeeMinor, "txRefs", refs)

	s.notifyOrder(ctx, "completed", func(hctx context.Context) error {
		return s.orders.OrderCompleted(hctx, e.OrderID, trigger)
	})
	s.publish("escrow_released", map[string]any{
		"escrowId": e.ID, "orderId": e.OrderID, "trigger": trigger,
		"sellerAmount": usdc.FormatMinor(e.SellerMinor),
	})

	if partial != nil {
		// Seller leg confirmed, fee leg did not. The escrow is marked
		// released with the completed references so funds cannot move twice;
		// the fee shortfall needs manual recovery.
		return nil, partial
	}
	return &Payout{Escrow: e, SellerPayout: e.SellerMinor, PlatformFee: e.FeeMinor, TxRefs: refs}, nil
}

// MarkDisputed freezes a funded escrow: status disputed, release timer
// cleared. Called by the dispute engine after it has validated the dispute.
func (s *Service) MarkDisputed(ctx context.Context, id, reason string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow %s already %s", apierr.ErrAlreadyResolved, id, e.Status)
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: escrow %s is %s, dispute requires funded",
			apierr.ErrInvalidTransition, id, e.Status)
	}

	now := time.Now().UTC()
	e.Status = StatusDisputed
	e.DisputedAt = &now
	e.DisputeReason = reason
	e.AutoReleaseAt = nil // the only way to pause the release timer
	e.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, e, StatusFunded); err != nil {
		return nil, err
	}

	s.logger.Info("escrow disputed", "escrowId", e.ID, "orderId", e.OrderID)

	s.notifyOrder(ctx, "disputed", func(hctx context.Context) error {
		return s.orders.OrderDisputed(hctx, e.OrderID)
	})
	s.publish("escrow_disputed", map[string]any{
		"escrowId": e.ID, "orderId": e.OrderID,
	})
	return e, nil
}

// Settle executes a dispute resolution: pay_seller, refund_buyer, or a 50/50
// split. resolvedBy records the deciding actor (ai or admin).
func (s *Service) Settle(ctx context.Context, id, resolution, resolvedBy string) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.EscrowID(id))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow %s already %s", apierr.ErrAlreadyResolved, id, e.Status)
	}
	if e.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: escrow %s is %s, settlement requires disputed",
			apierr.ErrInvalidTransition, id, e.Status)
	}

	payout := &Payout{}
	var refs []string
	var target Status

	switch resolution {
	case ResolutionPaySeller:
		refs, err = s.settler.Release(ctx, e.SellerAddr, e.SellerMinor, e.FeeMinor, e.ID)
		target = StatusReleased
		payout.SellerPayout, payout.PlatformFee = e.SellerMinor, e.FeeMinor
	case ResolutionRefundBuyer:
		// Full refund, no fee charged.
		refs, err = s.settler.Refund(ctx, e.BuyerAddr, e.AmountMinor, e.ID)
		target = StatusRefunded
		payout.BuyerRefund = e.AmountMinor
	case ResolutionSplit:
		var sp fees.SplitPayout
		sp, err = fees.FiftyFifty(e.AmountMinor, s.cfg.FeePercent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apierr.ErrValidation, err)
		}
		refs, err = s.settler.Split(ctx, e.BuyerAddr, e.SellerAddr, sp.BuyerShare, sp.SellerPayout, sp.Fee, e.ID)
		target = StatusReleased
		payout.BuyerRefund, payout.SellerPayout, payout.PlatformFee = sp.BuyerShare, sp.SellerPayout, sp.Fee
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", apierr.ErrValidation, resolution)
	}
	if err != nil && !isPartial(err) {
		return nil, err // no leg completed; escrow stays disputed, retryable
	}
	partial := err
	refs = auditRefs(refs, partial)

	now := time.Now().UTC()
	e.Status = target
	e.ReleaseTxRefs = refs
	e.Resolution = resolution
	e.ReleasedBy = resolvedBy
	e.UpdatedAt = now

	if err := s.persistAfterFundsMoved(ctx, e, StatusDisputed); err != nil {
		return nil, err
	}
	payout.Escrow = e
	payout.TxRefs = refs

	metrics.EscrowsSettledTotal.WithLabelValues(string(target), resolvedBy).Inc()
	s.observeSettlementDuration(e, now)
	s.logger.Info("disputed escrow settled",
		"escrowId", e.ID, "orderId", e.OrderID, "resolution", resolution,
		"resolvedBy", resolvedBy, "txRefs", refs)

	s.notifyOrder(ctx, "completed", func(hctx context.Context) error {
		return s.orders.OrderCompleted(hctx, e.OrderID, resolvedBy)
	})
	event := "escrow_released"
	if target == StatusRefunded {
		event = "escrow_refunded"
	}
	s.publish(event, map[string]any{
		"escrowId": e.ID, "orderId": e.OrderID, "resolution": resolution, "resolvedBy": resolvedBy,
	})

	if partial != nil {
		return nil, partial
	}
	return payout, nil
}

// Cancel abandons an unfunded escrow, or refunds and closes a funded one.
// byRole is the caller's derived role (buyer, seller, or admin); sellers may
// only cancel before funding.
func (s *Service) Cancel(ctx context.Context, id, byRole string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch e.Status {
	case StatusPendingFunding:
		now := time.Now().UTC()
		e.Status = StatusCancelled
		e.UpdatedAt = now
		if err := s.store.UpdateIf(ctx, e, StatusPendingFunding); err != nil {
			return nil, err
		}
		metrics.EscrowsSettledTotal.WithLabelValues(string(StatusCancelled), byRole).Inc()
		s.logger.Info("escrow cancelled", "escrowId", e.ID, "orderId", e.OrderID, "by", byRole)

		s.notifyOrder(ctx, "cancelled", func(hctx context.Context) error {
			return s.orders.OrderCancelled(hctx, e.OrderID, byRole)
		})
		return e, nil

	case StatusFunded:
		if byRole != "buyer" && byRole != "admin" {
			return nil, fmt.Errorf("%w: only the buyer or an admin may cancel a funded escrow",
				apierr.ErrUnauthorized)
		}
		refs, err := s.settler.Refund(ctx, e.BuyerAddr, e.AmountMinor, e.ID)
		if err != nil && !isPartial(err) {
			return nil, err
		}
		partial := err
		refs = auditRefs(refs, partial)

		now := time.Now().UTC()
		e.Status = StatusRefunded
		e.ReleaseTxRefs = refs
		e.ReleasedBy = byRole
		e.AutoReleaseAt = nil
		e.UpdatedAt = now
		if err := s.persistAfterFundsMoved(ctx, e, StatusFunded); err != nil {
			return nil, err
		}

		metrics.EscrowsSettledTotal.WithLabelValues(string(StatusRefunded), byRole).Inc()
		s.observeSettlementDuration(e, now)
		s.logger.Info("funded escrow refunded on cancel",
			"escrowId", e.ID, "orderId", e.OrderID, "by", byRole, "txRefs", refs)

		s.notifyOrder(ctx, "cancelled", func(hctx context.Context) error {
			return s.orders.OrderCancelled(hctx, e.OrderID, byRole)
		})
		s.publish("escrow_refunded", map[string]any{
			"escrowId": e.ID, "orderId": e.OrderID, "amount": usdc.FormatMinor(e.AmountMinor),
		})
		if partial != nil {
			return nil, partial
		}
		return e, nil

	case StatusDisputed:
		return nil, fmt.Errorf("%w: disputed escrows settle through resolution, not cancellation",
			apierr.ErrInvalidTransition)
	default:
		return nil, fmt.Errorf("%w: escrow %s already %s", apierr.ErrAlreadyResolved, id, e.Status)
	}
}

// AutoRelease drives one due escrow through the release path. It reports
// whether a release actually happened; another actor winning the race is an
// expected no-op, not an error.
func (s *Service) AutoRelease(ctx context.Context, id string) (bool, error) {
	_, err := s.Release(ctx, id, "", true)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apierr.ErrInvalidTransition) ||
		errors.Is(err, apierr.ErrAlreadyResolved) ||
		errors.Is(err, apierr.ErrConcurrentModification) {
		return false, nil
	}
	return false, err
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the escrow backing an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// ListByAgent returns escrows involving a wallet (as buyer or seller).
func (s *Service) ListByAgent(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAgent(ctx, strings.ToLower(addr), limit)
}

// persistAfterFundsMoved writes a post-settlement status. Funds have already
// moved, so the write is retried once; if it still fails the mismatch is
// logged at CRITICAL for manual resolution, never compensated automatically
// (there is no inverse of a confirmed transfer).
func (s *Service) persistAfterFundsMoved(ctx context.Context, e *Escrow, expect Status) error {
	err := s.store.UpdateIf(ctx, e, expect)
	if err == nil {
		return nil
	}
	if retryErr := s.store.UpdateIf(ctx, e, expect); retryErr != nil {
		s.logger.Error("CRITICAL: funds moved but escrow status update failed",
			"escrowId", e.ID, "orderId", e.OrderID, "targetStatus", e.Status,
			"txRefs", e.ReleaseTxRefs, "error", retryErr)
		return fmt.Errorf("escrow %s settled on chain but record update failed (requires manual resolution): %w",
			e.ID, err)
	}
	return nil
}

func (s *Service) observeSettlementDuration(e *Escrow, now time.Time) {
	if e.FundedAt != nil {
		metrics.EscrowSettlementDuration.Observe(now.Sub(*e.FundedAt).Seconds())
	}
}

// notifyOrder runs an order-side callback, logging instead of failing: the
// escrow is the authority, the order record is advisory.
func (s *Service) notifyOrder(ctx context.Context, what string, fn func(context.Context) error) {
	if s.orders == nil {
		return
	}
	if err := fn(ctx); err != nil {
		s.logger.Warn("order record update failed after escrow transition",
			"transition", what, "error", err)
	}
}

func (s *Service) publish(event string, data map[string]any) {
	if s.events != nil {
		s.events.Publish(event, data)
	}
}

func isPartial(err error) bool {
	var p *settlement.PartialError
	return errors.As(err, &p)
}

// auditRefs appends the broadcast-but-unconfirmed hash of a partial failure
// so the stored record points at every transfer that may have moved funds.
func auditRefs(refs []string, err error) []string {
	var p *settlement.PartialError
	if errors.As(err, &p) && p.FailedTxRef != "" {
		return append(refs, p.FailedTxRef)
	}
	return refs
}
