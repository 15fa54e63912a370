package usdc

import (
	"math/big"
	"testing"
)

func TestParseMinor(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"10.00", 10_000_000, true},
		{"10", 10_000_000, true},
		{"0.000001", 1, true},
		{"1.5", 1_500_000, true},
		{".5", 500_000, true},
		{"0", 0, true},
		{"", 0, false},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
		{"1.0000001", 0, false}, // more precision than USDC supports
		{"9223372036854775808", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseMinor(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseMinor(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormatMinor(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{10_000_000, "10.000000"},
		{1_500_000, "1.500000"},
		{1, "0.000001"},
		{0, "0.000000"},
		{-2_500_000, "-2.500000"},
	}

	for _, tt := range tests {
		if got := FormatMinor(tt.in); got != tt.want {
			t.Errorf("FormatMinor(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 999_999, 1_000_000, 10_000_000, 123_456_789} {
		got, ok := ParseMinor(FormatMinor(v))
		if !ok || got != v {
			t.Errorf("round trip %d -> %q -> (%d, %v)", v, FormatMinor(v), got, ok)
		}
	}
}

func TestFromBig(t *testing.T) {
	if v, ok := FromBig(big.NewInt(42)); !ok || v != 42 {
		t.Errorf("FromBig(42) = (%d, %v)", v, ok)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	if _, ok := FromBig(huge); ok {
		t.Error("FromBig should reject values that overflow int64")
	}
	if _, ok := FromBig(nil); ok {
		t.Error("FromBig(nil) should fail")
	}
}
