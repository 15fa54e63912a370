// Package settlement performs the on-chain transfers implied by an escrow
// decision. It is the only component that initiates signed transfers; every
// caller must have confirmed the escrow's precondition status via a fresh
// read first.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/taskbazaar/settlement/internal/apierr"
	"github.com/taskbazaar/settlement/internal/metrics"
	"github.com/taskbazaar/settlement/internal/usdc"
	"github.com/taskbazaar/settlement/internal/wallet"
)

// Transferer executes and confirms custody-wallet transfers.
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (*wallet.TransferResult, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error)
}

// PartialError reports a multi-leg operation that completed some legs before
// one failed. The completed transfers are final; the remainder needs manual
// recovery. It unwraps to ErrTransferFailed.
type PartialError struct {
	Ref           string   // escrow reference the operation belongs to
	FailedLeg     string   // leg that did not confirm
	FailedTxRef   string   // broadcast hash of the failed leg, if any
	CompletedRefs []string // confirmed transaction references, in leg order
	Err           error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("settlement %s: leg %s failed after %d confirmed legs: %v",
		e.Ref, e.FailedLeg, len(e.CompletedRefs), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// leg is one transfer of a payout operation.
type leg struct {
	name   string // seller_payout | platform_fee | buyer_refund
	to     string
	amount int64 // minor units
}

// Executor carries out release/refund/split payouts as sequential ERC-20
// transfer legs from the custody wallet.
type Executor struct {
	transferer Transferer
	treasury   string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewExecutor creates a settlement executor paying fees to treasuryAddr.
func NewExecutor(t Transferer, treasuryAddr string, confirmTimeout time.Duration, logger *slog.Logger) *Executor {
	if confirmTimeout <= 0 {
		confirmTimeout = wallet.DefaultConfirmationTimeout
	}
	return &Executor{
		transferer: t,
		treasury:   strings.ToLower(treasuryAddr),
		timeout:    confirmTimeout,
		logger:     logger,
	}
}

// Release pays net to the seller and fee to the platform treasury.
func (e *Executor) Release(ctx context.Context, sellerAddr string, net, fee int64, ref string) ([]string, error) {
	return e.run(ctx, ref, []leg{
		{name: "seller_payout", to: sellerAddr, amount: net},
		{name: "platform_fee", to: e.treasury, amount: fee},
	})
}

// Refund returns the full gross amount to the buyer. No fee is charged.
func (e *Executor) Refund(ctx context.Context, buyerAddr string, gross int64, ref string) ([]string, error) {
	return e.run(ctx, ref, []leg{
		{name: "buyer_refund", to: buyerAddr, amount: gross},
	})
}

// Split disburses a 50/50 dispute split: refund to buyer, net payout to
// seller, fee to treasury.
func (e *Executor) Split(ctx context.Context, buyerAddr, sellerAddr string, buyerShare, sellerPayout, fee int64, ref string) ([]string, error) {
	return e.run(ctx, ref, []leg{
		{name: "buyer_refund", to: buyerAddr, amount: buyerShare},
		{name: "seller_payout", to: sellerAddr, amount: sellerPayout},
		{name: "platform_fee", to: e.treasury, amount: fee},
	})
}

// run executes legs in order. A failure before anything is broadcast rejects
// the whole operation (retryable, nothing moved). A failure after a confirmed
// leg is a PartialError: the confirmed legs are final and must be recorded.
func (e *Executor) run(ctx context.Context, ref string, legs []leg) ([]string, error) {
	var done []string
	for _, l := range legs {
		if l.amount <= 0 {
			continue // zero legs happen on tiny amounts after rounding
		}

		res, err := e.transferer.Transfer(ctx, common.HexToAddress(l.to), usdc.ToBig(l.amount))
		if err != nil {
			metrics.SettlementLegsTotal.WithLabelValues(l.name, "failed").Inc()
			return e.legFailed(ref, l.name, "", done, err)
		}

		if _, err := e.transferer.WaitForConfirmation(ctx, res.TxHash, e.timeout); err != nil {
			metrics.SettlementLegsTotal.WithLabelValues(l.name, "failed").Inc()
			// The transfer was broadcast. Unless the chain reports a definitive
			// revert, it may still land, so the operation can no longer be
			// treated as not-started.
			if errors.Is(err, wallet.ErrTransactionFailed) && len(done) == 0 {
				return nil, fmt.Errorf("%w: leg %s reverted (tx %s): %v",
					apierr.ErrTransferFailed, l.name, res.TxHash, err)
			}
			return e.legFailed(ref, l.name, res.TxHash, done, err)
		}

		metrics.SettlementLegsTotal.WithLabelValues(l.name, "ok").Inc()
		e.logger.Info("settlement leg confirmed",
			"ref", ref, "leg", l.name, "to", l.to, "amountMinor", l.amount, "txRef", res.TxHash)
		done = append(done, res.TxHash)
	}
	return done, nil
}

func (e *Executor) legFailed(ref, legName, txRef string, done []string, cause error) ([]string, error) {
	wrapped := fmt.Errorf("%w: leg %s: %v", apierr.ErrTransferFailed, legName, cause)
	if len(done) == 0 && txRef == "" {
		// Nothing broadcast: the escrow is unchanged and the caller may retry.
		return nil, wrapped
	}
	e.logger.Error("CRITICAL: settlement partially applied",
		"ref", ref, "failedLeg", legName, "failedTxRef", txRef,
		"completedRefs", done, "error", cause)
	return done, &PartialError{
		Ref:           ref,
		FailedLeg:     legName,
		FailedTxRef:   txRef,
		CompletedRefs: done,
		Err:           wrapped,
	}
}
