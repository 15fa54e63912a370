// Package dispute implements the arbitration engine: buyers open disputes
// against funded escrows, an AI recommender scores a resolution, and either
// the engine auto-executes it above a confidence threshold or a human admin
// submits a binding resolution. Fund movement itself stays in the escrow
// service; this package only decides the disposition.
package dispute

import (
	"context"
	"time"
)

// Status of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Category values for buyer-submitted disputes. Free-form categories are
// accepted; these are the ones the rule arbitrator understands.
const (
	CategoryNotDelivered = "not_delivered"
	CategoryQuality      = "quality"
	CategoryWrongItem    = "wrong_item"
	CategoryOther        = "other"
)

// Resolver values recorded on a resolved dispute.
const (
	ResolverAI    = "ai"
	ResolverAdmin = "admin"
)

// Dispute is one arbitration case, at most one open per escrow.
type Dispute struct {
	ID       string `json:"id"`
	OrderID  string `json:"orderId"`
	EscrowID string `json:"escrowId"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason"`
	Details  string `json:"details,omitempty"`
	Status   Status `json:"status"`

	// Arbitration output, present once Recommend has run.
	AIAnalysis       string `json:"aiAnalysis,omitempty"`
	AIRecommendation string `json:"aiRecommendation,omitempty"` // pay_seller | refund_buyer | split
	AIConfidence     int    `json:"aiConfidence,omitempty"`     // 0-100

	// Final disposition, present once resolved.
	Resolution string `json:"resolution,omitempty"`
	Notes      string `json:"notes,omitempty"`
	ResolvedBy string `json:"resolvedBy,omitempty"` // ai | admin

	OpenedAt     time.Time  `json:"openedAt"`
	ArbitratedAt *time.Time `json:"arbitratedAt,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Resolved reports whether the dispute has reached its terminal state.
func (d *Dispute) Resolved() bool { return d.Status == StatusResolved }

// Store persists disputes. Implementations must apply UpdateIf only when the
// stored record still has the expected status, returning
// apierr.ErrConcurrentModification otherwise.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	UpdateIf(ctx context.Context, d *Dispute, expect Status) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// Case is the evidence handed to an arbitrator: everything known about the
// dispute, nothing about how the engine will act on the answer.
type Case struct {
	OrderID     string
	EscrowID    string
	Category    string
	Reason      string
	Details     string
	AmountMinor int64
}

// Recommendation is an arbitrator's scored verdict.
type Recommendation struct {
	Resolution string // pay_seller | refund_buyer | split
	Confidence int    // 0-100
	Analysis   string
}

// Arbitrator produces a scored resolution recommendation for a dispute.
// Implementations may call external models; the engine only depends on the
// shape of the answer.
type Arbitrator interface {
	Recommend(ctx context.Context, c Case) (*Recommendation, error)
}
