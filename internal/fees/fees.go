// Package fees computes platform fee splits in integer minor units.
//
// All functions are pure. The engine-wide invariant is that every breakdown
// sums back to the gross amount: no unit is ever created or lost by fee math.
package fees

import "fmt"

// Breakdown is the fee split of a gross amount.
type Breakdown struct {
	Fee int64 // platform fee, minor units
	Net int64 // payee amount, minor units (gross - fee)
}

// Split divides gross into platform fee and net payee amount.
// The fee is round(gross * pct / 100) with half-up rounding.
func Split(gross int64, pct int) (Breakdown, error) {
	if gross < 0 {
		return Breakdown{}, fmt.Errorf("negative gross amount %d", gross)
	}
	if pct < 0 || pct > 100 {
		return Breakdown{}, fmt.Errorf("fee percent %d out of range", pct)
	}

	fee := roundHalfUp(gross*int64(pct), 100)
	b := Breakdown{Fee: fee, Net: gross - fee}
	if b.Fee+b.Net != gross {
		// Unreachable by construction; kept as a tripwire.
		return Breakdown{}, fmt.Errorf("fee split %d+%d != %d", b.Fee, b.Net, gross)
	}
	return b, nil
}

// SplitPayout is the three-way disbursement of a 50/50 dispute split.
type SplitPayout struct {
	BuyerShare   int64 // refunded half, minor units
	SellerPayout int64 // seller half net of fee
	Fee          int64 // platform fee on the seller half
}

// Total returns the sum of all three legs.
func (p SplitPayout) Total() int64 {
	return p.BuyerShare + p.SellerPayout + p.Fee
}

// FiftyFifty computes the 50/50 dispute split: the buyer receives
// floor(gross/2); the remaining seller half has the platform fee re-applied.
// No fee is charged on the refunded share.
func FiftyFifty(gross int64, pct int) (SplitPayout, error) {
	if gross < 0 {
		return SplitPayout{}, fmt.Errorf("negative gross amount %d", gross)
	}

	buyerShare := gross / 2
	sellerHalf := gross - buyerShare

	b, err := Split(sellerHalf, pct)
	if err != nil {
		return SplitPayout{}, err
	}

	p := SplitPayout{BuyerShare: buyerShare, SellerPayout: b.Net, Fee: b.Fee}
	if p.Total() != gross {
		return SplitPayout{}, fmt.Errorf("split payout %d != gross %d", p.Total(), gross)
	}
	return p, nil
}

// roundHalfUp divides num by den rounding half away from zero.
// num must be non-negative.
func roundHalfUp(num, den int64) int64 {
	return (num + den/2) / den
}
