package math_test

import (
	"errors"
	"testing"

	fpmath "perpcore/internal/math"
	"perpcore/internal/perperr"
)

func TestCheckedAdd_Overflow(t *testing.T) {
	if _, err := fpmath.CheckedAdd(^uint64(0), 1); !errors.Is(err, perperr.ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	got, err := fpmath.CheckedAdd(2, 3)
	if err != nil || got != 5 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestCheckedSub_Underflow(t *testing.T) {
	if _, err := fpmath.CheckedSub(1, 2); !errors.Is(err, perperr.ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestCheckedDiv_ZeroDivisor(t *testing.T) {
	if _, err := fpmath.CheckedDiv(1, 0); !errors.Is(err, perperr.ErrMathOverflow) {
		t.Fatalf("zero divisor must error, got %v", err)
	}
	got, _ := fpmath.CheckedDiv(7, 2)
	if got != 3 {
		t.Fatalf("division must truncate toward zero, got %d", got)
	}
}

func TestCheckedCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want uint64 }{
		{0, 3, 0},
		{1, 3, 1},
		{3, 3, 1},
		{4, 3, 2},
	}
	for _, c := range cases {
		got, err := fpmath.CheckedCeilDiv(c.a, c.b)
		if err != nil || got != c.want {
			t.Errorf("ceil(%d/%d) = %d, %v; want %d", c.a, c.b, got, err, c.want)
		}
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a*b overflows 64 bits but the final quotient fits.
	got, err := fpmath.MulDiv(1<<40, 1<<40, 1<<40)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1<<40 {
		t.Fatalf("got %d, want %d", got, uint64(1)<<40)
	}
}

func TestMulDiv_NarrowingLoss(t *testing.T) {
	if _, err := fpmath.MulDiv(1<<40, 1<<40, 1); !errors.Is(err, perperr.ErrMathOverflow) {
		t.Fatalf("expected overflow on narrowing, got %v", err)
	}
}

func TestCheckedDecimalMul(t *testing.T) {
	// 25_000.000 (-3) * 1% (100 bps, -4) scaled to -3 = 250.000.
	got, err := fpmath.CheckedDecimalMul(25_000_000, -3, 100, -4, -3)
	if err != nil || got != 250_000 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestCheckedDecimalCeilMul(t *testing.T) {
	// 1 (-6) * 1 bps (-4) at -6 rounds 0.0001 up to 1.
	got, err := fpmath.CheckedDecimalCeilMul(1, -6, 1, -4, -6)
	if err != nil || got != 1 {
		t.Fatalf("got %d, %v", got, err)
	}
	got, err = fpmath.CheckedDecimalMul(1, -6, 1, -4, -6)
	if err != nil || got != 0 {
		t.Fatalf("truncating variant: got %d, %v", got, err)
	}
}

func TestCheckedDecimalDiv(t *testing.T) {
	// 24_000 USD (-6) / 25_300 USD-per-token (-6) at token scale -9.
	got, err := fpmath.CheckedDecimalDiv(24_000_000_000, -6, 25_300_000_000, -6, -9)
	if err != nil {
		t.Fatal(err)
	}
	if got != 948_616_600 {
		t.Fatalf("got %d, want 948616600", got)
	}
}

func TestScaleToExponent(t *testing.T) {
	got, err := fpmath.ScaleToExponent(25_000_000, -3, -6)
	if err != nil || got != 25_000_000_000 {
		t.Fatalf("scale down: got %d, %v", got, err)
	}
	got, err = fpmath.ScaleToExponent(25_000_000_000, -6, -3)
	if err != nil || got != 25_000_000 {
		t.Fatalf("scale up: got %d, %v", got, err)
	}
}

func TestCheckedFloatDiv_Zero(t *testing.T) {
	if _, err := fpmath.CheckedFloatDiv(1, 0); !errors.Is(err, perperr.ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}
