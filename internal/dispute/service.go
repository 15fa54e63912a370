package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taskbazaar/settlement/internal/apierr"
	"github.com/taskbazaar/settlement/internal/escrow"
	"github.com/taskbazaar/settlement/internal/idgen"
	"github.com/taskbazaar/settlement/internal/metrics"
	"github.com/taskbazaar/settlement/internal/settlement"
	"github.com/taskbazaar/settlement/internal/traces"
	"github.com/taskbazaar/settlement/internal/validation"
)

// EscrowGateway is the slice of the escrow service the arbitration engine
// needs: state lookup, freezing on open, and disposition on resolve.
type EscrowGateway interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*escrow.Escrow, error)
	MarkDisputed(ctx context.Context, id, reason string) (*escrow.Escrow, error)
	Settle(ctx context.Context, id, resolution, resolvedBy string) (*escrow.Payout, error)
}

// EventSink receives dispute lifecycle events for realtime broadcast.
type EventSink interface {
	Publish(event string, data map[string]any)
}

// Config holds the engine's tunables.
type Config struct {
	// AutoResolveConfidence is the 0-100 threshold at or above which an AI
	// recommendation executes immediately.
	AutoResolveConfidence int
}

// Service coordinates dispute state with the escrow that holds the funds.
type Service struct {
	store      Store
	escrows    EscrowGateway
	arbitrator Arbitrator
	cfg        Config
	logger     *slog.Logger
	events     EventSink
	locks      sync.Map // dispute ID -> *sync.Mutex
}

// NewService creates a dispute service.
func NewService(store Store, escrows EscrowGateway, arbitrator Arbitrator, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		escrows:    escrows,
		arbitrator: arbitrator,
		cfg:        cfg,
		logger:     logger,
	}
}

// WithEvents attaches a realtime event sink.
func (s *Service) WithEvents(e EventSink) *Service {
	s.events = e
	return s
}

func (s *Service) disputeLock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// OpenRequest is a buyer's dispute submission.
type OpenRequest struct {
	Reason   string `json:"reason" binding:"required"`
	Category string `json:"category,omitempty"`
	Details  string `json:"details,omitempty"`
}

// Open files a dispute against the escrow backing orderID. The caller must
// be the escrow's buyer and the escrow must be funded; opening freezes the
// escrow and clears its auto-release timer.
func (s *Service) Open(ctx context.Context, orderID, callerAddr string, req OpenRequest) (*Dispute, error) {
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MinLength("reason", req.Reason, validation.MinReasonLength),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", apierr.ErrValidation, errs.Error())
	}

	e, err := s.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(callerAddr) != e.BuyerAddr {
		return nil, fmt.Errorf("%w: only the buyer may open a dispute", apierr.ErrUnauthorized)
	}

	if existing, err := s.store.GetOpenByEscrow(ctx, e.ID); err == nil {
		return nil, fmt.Errorf("%w: dispute %s already open for escrow %s",
			apierr.ErrInvalidTransition, existing.ID, e.ID)
	} else if !errors.Is(err, apierr.ErrNotFound) {
		return nil, err
	}

	// The escrow state machine is the authority: it rejects non-funded
	// escrows and loses at most one of two racing opens.
	if _, err := s.escrows.MarkDisputed(ctx, e.ID, req.Reason); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   orderID,
		EscrowID:  e.ID,
		Category:  req.Category,
		Reason:    validation.SanitizeText(req.Reason, 2000),
		Details:   validation.SanitizeText(req.Details, 8000),
		Status:    StatusOpen,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		// The escrow is already frozen; a missing dispute record blocks
		// resolution, so this must be visible.
		if err2 := s.store.Create(ctx, d); err2 != nil {
			s.logger.Error("CRITICAL: escrow disputed but dispute record not persisted",
				"escrowId", e.ID, "orderId", orderID, "error", err2)
			return nil, fmt.Errorf("escrow %s frozen but dispute not recorded, requires manual resolution: %w", e.ID, err2)
		}
	}

	metrics.DisputesOpenedTotal.Inc()
	s.logger.Info("dispute opened",
		"disputeId", d.ID, "escrowId", e.ID, "orderId", orderID, "category", d.Category)
	s.publish("dispute_opened", map[string]any{
		"disputeId": d.ID, "escrowId": e.ID, "orderId": orderID,
	})
	return d, nil
}

// Arbitrate runs the AI recommender once for an open dispute. Only the
// dispute's parties (or an admin) may trigger it, since at or above the
// confidence threshold the recommendation executes immediately and the
// dispute is resolved by "ai"; below it, the recommendation is recorded as a
// hint and the dispute stays open for a human.
func (s *Service) Arbitrate(ctx context.Context, id, callerAddr string, admin bool) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.arbitrate", traces.DisputeID(id))
	defer span.End()

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Resolved() {
		return nil, fmt.Errorf("%w: dispute %s", apierr.ErrAlreadyResolved, id)
	}
	if d.ArbitratedAt != nil {
		return nil, fmt.Errorf("%w: dispute %s already arbitrated", apierr.ErrInvalidTransition, id)
	}

	e, err := s.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	if !admin {
		caller := strings.ToLower(callerAddr)
		if caller != e.BuyerAddr && caller != e.SellerAddr {
			return nil, fmt.Errorf("%w: only the dispute parties may request arbitration", apierr.ErrUnauthorized)
		}
	}

	rec, err := s.arbitrator.Recommend(ctx, Case{
		OrderID:     d.OrderID,
		EscrowID:    d.EscrowID,
		Category:    d.Category,
		Reason:      d.Reason,
		Details:     d.Details,
		AmountMinor: e.AmountMinor,
	})
	if err != nil {
		return nil, fmt.Errorf("arbitration failed: %w", err)
	}
	if !validResolution(rec.Resolution) {
		return nil, fmt.Errorf("%w: arbitrator returned unknown resolution %q", apierr.ErrValidation, rec.Resolution)
	}

	now := time.Now().UTC()
	d.AIAnalysis = rec.Analysis
	d.AIRecommendation = rec.Resolution
	d.AIConfidence = clampConfidence(rec.Confidence)
	d.ArbitratedAt = &now
	d.UpdatedAt = now
	if err := s.store.UpdateIf(ctx, d, StatusOpen); err != nil {
		return nil, err
	}

	s.logger.Info("dispute arbitrated",
		"disputeId", d.ID, "escrowId", d.EscrowID,
		"recommendation", d.AIRecommendation, "confidence", d.AIConfidence)

	if d.AIConfidence < s.cfg.AutoResolveConfidence {
		// Hint only; funds stay put until an admin decides.
		return d, nil
	}
	return s.execute(ctx, d, d.AIRecommendation, d.AIAnalysis, ResolverAI)
}

// ResolveRequest is an admin's binding resolution.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"` // pay_seller | refund_buyer | split
	Notes      string `json:"notes" binding:"required"`
}

// Resolve records a binding human resolution and executes it.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	if !validResolution(req.Resolution) {
		return nil, fmt.Errorf("%w: unknown resolution %q", apierr.ErrValidation, req.Resolution)
	}
	if errs := validation.Validate(
		validation.Required("notes", req.Notes),
		validation.MinLength("notes", req.Notes, validation.MinNotesLength),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", apierr.ErrValidation, errs.Error())
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Resolved() {
		return nil, fmt.Errorf("%w: dispute %s", apierr.ErrAlreadyResolved, id)
	}
	return s.execute(ctx, d, req.Resolution, validation.SanitizeText(req.Notes, 4000), ResolverAdmin)
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns open disputes, most recent first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	return s.store.ListByStatus(ctx, StatusOpen, limit)
}

// execute moves the funds through the escrow service and marks the dispute
// resolved. Caller holds the dispute lock.
func (s *Service) execute(ctx context.Context, d *Dispute, resolution, notes, resolvedBy string) (*Dispute, error) {
	_, err := s.escrows.Settle(ctx, d.EscrowID, resolution, resolvedBy)
	if err != nil && !isPartial(err) {
		// No leg completed; the dispute stays open and the resolution can be
		// retried.
		return nil, err
	}
	partial := err

	now := time.Now().UTC()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.Notes = notes
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	d.UpdatedAt = now

	if uerr := s.store.UpdateIf(ctx, d, StatusOpen); uerr != nil {
		// Funds already moved. Retry once, then demand manual attention.
		if uerr = s.store.UpdateIf(ctx, d, StatusOpen); uerr != nil {
			s.logger.Error("CRITICAL: funds disbursed but dispute not marked resolved",
				"disputeId", d.ID, "escrowId", d.EscrowID, "resolution", resolution, "error", uerr)
			return nil, fmt.Errorf("funds disbursed for dispute %s but record not updated, requires manual resolution: %w", d.ID, uerr)
		}
	}

	metrics.DisputesResolvedTotal.WithLabelValues(resolution, resolvedBy).Inc()
	s.logger.Info("dispute resolved",
		"disputeId", d.ID, "escrowId", d.EscrowID,
		"resolution", resolution, "resolvedBy", resolvedBy)
	s.publish("dispute_resolved", map[string]any{
		"disputeId": d.ID, "escrowId": d.EscrowID, "orderId": d.OrderID,
		"resolution": resolution, "resolvedBy": resolvedBy,
	})

	if partial != nil {
		return d, partial
	}
	return d, nil
}

func (s *Service) publish(event string, data map[string]any) {
	if s.events != nil {
		s.events.Publish(event, data)
	}
}

func validResolution(r string) bool {
	switch r {
	case escrow.ResolutionPaySeller, escrow.ResolutionRefundBuyer, escrow.ResolutionSplit:
		return true
	}
	return false
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func isPartial(err error) bool {
	var p *settlement.PartialError
	return errors.As(err, &p)
}
