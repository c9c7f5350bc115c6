package money

import "testing"

func TestNewFromFloat_RoundTrip(t *testing.T) {
	d, err := NewFromFloat(4000.123456789)
	if err != nil {
		t.Fatalf("NewFromFloat: %v", err)
	}
	if got, want := d.String(), "4000.12345679"; got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

func TestNewFromFloat_RejectsOutOfRange(t *testing.T) {
	if _, err := NewFromFloat(MaxAbs * 2); err == nil {
		t.Fatal("expected error for out-of-range magnitude")
	}
}

func TestNewFromFloat_RejectsNonFinite(t *testing.T) {
	if _, err := NewFromFloat(1); err != nil {
		t.Fatalf("sanity: %v", err)
	}
	nan := 0.0
	nan = nan / nan
	if _, err := NewFromFloat(nan); err == nil {
		t.Fatal("expected error for NaN")
	}
}

func TestArithmetic(t *testing.T) {
	a := MustFromFloat(10)
	b := MustFromFloat(3)
	if got := a.Sub(b).Float64(); got != 7 {
		t.Errorf("Sub = %v, want 7", got)
	}
	if got := a.MulInt64(3).Float64(); got != 30 {
		t.Errorf("MulInt64 = %v, want 30", got)
	}
}

func TestScanRoundTrip(t *testing.T) {
	orig := MustFromFloat(1500.5)
	v, err := orig.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	var out Decimal
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.Cmp(orig) != 0 {
		t.Errorf("round trip mismatch: got %s want %s", out, orig)
	}
}
