// Package usdc provides minor-unit parsing and formatting for USDC amounts.
//
// USDC uses 6 decimal places. Amounts are carried through the engine as int64
// minor units (1 USDC = 1,000,000 units) and converted to decimal strings only
// for display and API responses.
package usdc

import (
	"math/big"
	"strconv"
	"strings"
)

const Decimals = 6

// unit is 10^Decimals.
const unit = 1_000_000

// ParseMinor converts a decimal string (e.g. "10.00") to minor units
// (10000000). Returns (0, false) on invalid input.
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 6 fractional digits are rejected rather than truncated;
//     the engine never rounds a caller's money
func ParseMinor(s string) (int64, bool) {
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var v int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, false
		}
		d := int64(c - '0')
		if v > ((1<<63-1)-d)/10 {
			return 0, false // overflow
		}
		v = v*10 + d
	}
	return v, true
}

// FormatMinor converts minor units to a decimal string with exactly six
// decimal places (e.g. 1500000 -> "1.500000").
func FormatMinor(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	whole := v / unit
	frac := v % unit

	s := strconv.FormatInt(whole, 10) + "." + pad6(frac)
	if neg {
		s = "-" + s
	}
	return s
}

// ToBig converts minor units to the *big.Int representation used for
// on-chain calls.
func ToBig(v int64) *big.Int {
	return big.NewInt(v)
}

// FromBig converts an on-chain amount back to int64 minor units.
// Returns (0, false) if the value does not fit.
func FromBig(b *big.Int) (int64, bool) {
	if b == nil || !b.IsInt64() {
		return 0, false
	}
	return b.Int64(), true
}

func pad6(v int64) string {
	s := strconv.FormatInt(v, 10)
	for len(s) < Decimals {
		s = "0" + s
	}
	return s
}
