package validation

import (
	"strings"
	"testing"
)

func TestIsValidAddress(t *testing.T) {
	valid := []string{
		"0x1111111111111111111111111111111111111111",
		"0xAbCdEf0123456789abcdef0123456789ABCDEF01",
	}
	for _, a := range valid {
		if !IsValidAddress(a) {
			t.Errorf("expected %q to be valid", a)
		}
	}

	invalid := []string{
		"",
		"0x123",
		"1111111111111111111111111111111111111111",
		"0xZZ11111111111111111111111111111111111111",
		"0x11111111111111111111111111111111111111112",
	}
	for _, a := range invalid {
		if IsValidAddress(a) {
			t.Errorf("expected %q to be invalid", a)
		}
	}
}

func TestIsValidTxRef(t *testing.T) {
	if !IsValidTxRef("0x" + strings.Repeat("ab", 32)) {
		t.Error("expected 32-byte hash to be valid")
	}
	if IsValidTxRef("0x1234") {
		t.Error("expected short ref to be invalid")
	}
	if IsValidTxRef(strings.Repeat("ab", 32)) {
		t.Error("expected missing 0x prefix to be invalid")
	}
}

func TestSanitizeText(t *testing.T) {
	if got := SanitizeText("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("SanitizeText = %q", got)
	}
	if got := SanitizeText(strings.Repeat("a", 50), 10); len(got) != 10 {
		t.Errorf("SanitizeText length = %d, want 10", len(got))
	}
}

func TestSanitizeAddress(t *testing.T) {
	if got := SanitizeAddress("  0xABCDEF0123456789abcdef0123456789ABCDEF01 "); got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("SanitizeAddress = %q", got)
	}
	if got := SanitizeAddress("abcdef0123456789abcdef0123456789abcdef01"); !strings.HasPrefix(got, "0x") {
		t.Errorf("SanitizeAddress should add 0x prefix, got %q", got)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyer_addr", ""),
		ValidAddress("seller_addr", "nope"),
		MinLength("reason", "short", MinReasonLength),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestValidate_Passes(t *testing.T) {
	errs := Validate(
		Required("buyer_addr", "0x1111111111111111111111111111111111111111"),
		ValidAddress("buyer_addr", "0x1111111111111111111111111111111111111111"),
		ValidTxRef("tx_ref", "0x"+strings.Repeat("11", 32)),
		MinLength("notes", "this note is definitely long enough", MinNotesLength),
		PositiveAmount("amount", "10.50"),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestPositiveAmount(t *testing.T) {
	bad := []string{"0", "0.000", "-1", "1.2.3", ".5", "5.", "abc"}
	for _, v := range bad {
		if errs := Validate(PositiveAmount("amount", v)); len(errs) == 0 {
			t.Errorf("expected %q to fail validation", v)
		}
	}
	good := []string{"1", "0.5", "10.000001"}
	for _, v := range good {
		if errs := Validate(PositiveAmount("amount", v)); len(errs) != 0 {
			t.Errorf("expected %q to pass validation, got %v", v, errs)
		}
	}
}
