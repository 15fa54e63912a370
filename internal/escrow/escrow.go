// Package escrow owns custody of buyer funds between checkout and payout.
//
// Flow:
//  1. Checkout opens an escrow in pending_funding with the fee split precomputed
//  2. Buyer pays the custody wallet; the claimed transaction is verified on chain
//  3. Buyer accepts delivery (or the release window lapses) -> funds released:
//     net to seller, fee to the platform treasury
//  4. Buyer disputes -> release timer cleared, funds frozen until resolution
//  5. Resolution pays the seller, refunds the buyer, or splits 50/50
//
// The escrow record is the sole authority on fund disposition. Every status
// change is a guarded compare-then-write; the backing store has no native
// transactions, so racing transitions are detected rather than prevented.
package escrow

import (
	"context"
	"time"

	"github.com/taskbazaar/settlement/internal/usdc"
)

// Status is the custody state of an escrow.
type Status string

const (
	StatusPendingFunding Status = "pending_funding" // created, awaiting verified payment
	StatusFunded         Status = "funded"          // payment verified, funds in custody
	StatusDisputed       Status = "disputed"        // dispute open, release timer cleared
	StatusReleased       Status = "released"        // paid out to seller (or split)
	StatusRefunded       Status = "refunded"        // returned to buyer in full
	StatusCancelled      Status = "cancelled"       // abandoned before funding
)

// IsTerminal reports whether the escrow reached a final state. A terminal
// escrow never re-enters an earlier state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Resolution values for settled disputes.
const (
	ResolutionPaySeller   = "pay_seller"
	ResolutionRefundBuyer = "refund_buyer"
	ResolutionSplit       = "split"
)

// Escrow is the custody record for one order, 1:1.
//
// AmountMinor, FeeMinor, and SellerMinor are integer micro-USDC; the
// invariant FeeMinor + SellerMinor == AmountMinor holds for the record's
// entire lifetime.
type Escrow struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	BuyerAddr     string     `json:"buyerAddr"`
	SellerAddr    string     `json:"sellerAddr"`
	AmountMinor   int64      `json:"amountMinor"`
	FeeMinor      int64      `json:"feeMinor"`
	SellerMinor   int64      `json:"sellerMinor"`
	Status        Status     `json:"status"`
	FundingTxRef  string     `json:"fundingTxRef,omitempty"`
	FundingNonce  string     `json:"fundingNonce,omitempty"` // bound into the signed funding authorization
	ReleaseTxRefs []string   `json:"releaseTxRefs,omitempty"`
	FundedAt      *time.Time `json:"fundedAt,omitempty"`
	AutoReleaseAt *time.Time `json:"autoReleaseAt,omitempty"` // set while funded and undisputed
	DisputedAt    *time.Time `json:"disputedAt,omitempty"`
	DisputeReason string     `json:"disputeReason,omitempty"`
	Resolution    string     `json:"resolution,omitempty"` // pay_seller | refund_buyer | split
	ReleasedBy    string     `json:"releasedBy,omitempty"` // buyer | auto | admin | ai
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists escrow data. UpdateIf must only apply the write when the
// stored status still equals expect, returning ErrConcurrentModification
// otherwise. Escrows are never hard-deleted.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*Escrow, error)
	UpdateIf(ctx context.Context, e *Escrow, expect Status) error
	ListByAgent(ctx context.Context, addr string, limit int) ([]*Escrow, error)
	ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// Verifier confirms a claimed funding transaction on chain. It returns the
// confirmation block and timestamp, ErrTransactionNotFound while the
// transaction has not propagated, or ErrTransactionFailed if it reverted.
type Verifier interface {
	VerifyFunding(ctx context.Context, txRef, payer, payTo string, minAmount int64) (block uint64, confirmedAt time.Time, err error)
}

// Settler performs the on-chain transfers implied by a custody decision and
// returns the resulting transaction references in leg order.
type Settler interface {
	Release(ctx context.Context, sellerAddr string, net, fee int64, ref string) ([]string, error)
	Refund(ctx context.Context, buyerAddr string, gross int64, ref string) ([]string, error)
	Split(ctx context.Context, buyerAddr, sellerAddr string, buyerShare, sellerPayout, fee int64, ref string) ([]string, error)
}

// OrderHook keeps the commercial order record in step with custody changes.
// Funds have already moved when these are called; failures are logged for
// reconciliation, never propagated as settlement failures.
type OrderHook interface {
	OrderPaid(ctx context.Context, orderID string) error
	OrderCompleted(ctx context.Context, orderID, resolvedBy string) error
	OrderDisputed(ctx context.Context, orderID string) error
	OrderCancelled(ctx context.Context, orderID, byRole string) error
}

// EventSink broadcasts settlement events to live subscribers.
type EventSink interface {
	Publish(event string, data map[string]any)
}

// Payout summarizes the disbursement of a settled escrow.
type Payout struct {
	Escrow       *Escrow  `json:"escrow"`
	SellerPayout int64    `json:"sellerPayoutMinor"`
	PlatformFee  int64    `json:"platformFeeMinor"`
	BuyerRefund  int64    `json:"buyerRefundMinor"`
	TxRefs       []string `json:"txRefs"`
}

// FundRequest is the body of a funding claim. Signature is the buyer's
// EIP-191 personal signature over the payment authorization issued with the
// funding instructions; the server reconstructs the signed payload from the
// escrow record and rejects the claim when the signer is not the buyer.
type FundRequest struct {
	FundingTxRef string `json:"fundingTxRef" binding:"required"`
	Signature    string `json:"signature" binding:"required"` // 65-byte hex, 0x-prefixed
}

// View is the API representation of an escrow with derived display fields.
// Amounts stay integers in storage and on mutation paths; formatting happens
// only here.
type View struct {
	*Escrow
	Amount        string `json:"amount"`
	PlatformFee   string `json:"platformFee"`
	SellerAmount  string `json:"sellerAmount"`
	StatusLabel   string `json:"statusLabel"`
	AutoReleaseIn *int64 `json:"autoReleaseInSeconds,omitempty"`
}

// NewView builds the display form of an escrow.
func NewView(e *Escrow) *View {
	v := &View{
		Escrow:       e,
		Amount:       usdc.FormatMinor(e.AmountMinor),
		PlatformFee:  usdc.FormatMinor(e.FeeMinor),
		SellerAmount: usdc.FormatMinor(e.SellerMinor),
		StatusLabel:  statusLabel(e.Status),
	}
	if e.Status == StatusFunded && e.AutoReleaseAt != nil {
		secs := int64(time.Until(*e.AutoReleaseAt).Seconds())
		if secs < 0 {
			secs = 0
		}
		v.AutoReleaseIn = &secs
	}
	return v
}

func statusLabel(s Status) string {
	switch s {
	case StatusPendingFunding:
		return "Awaiting payment"
	case StatusFunded:
		return "Funds in escrow"
	case StatusDisputed:
		return "Under dispute"
	case StatusReleased:
		return "Released to seller"
	case StatusRefunded:
		return "Refunded to buyer"
	case StatusCancelled:
		return "Cancelled"
	}
	return string(s)
}
