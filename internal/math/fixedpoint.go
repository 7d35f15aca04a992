// Package math implements the checked fixed-point arithmetic used on every
// state-mutation path of the settlement core.
//
// Conventions: USD amounts are uint64 scaled by 1e6, token amounts are uint64
// in native decimals, ratios and spreads are BPS (1e4), borrow and emission
// rates are scaled by 1e9. Compound expressions multiply first in wide
// precision, then divide, then narrow; narrowing loss is an error, never a
// silent wrap.
package math

import (
	"math"
	"math/big"

	"perpcore/internal/perperr"
)

var maxUint64 = new(big.Int).SetUint64(math.MaxUint64)

// CheckedAdd returns a+b or ErrMathOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, perperr.ErrMathOverflow
	}
	return s, nil
}

// CheckedSub returns a-b or ErrMathOverflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, perperr.ErrMathOverflow
	}
	return a - b, nil
}

// CheckedMul returns a*b or ErrMathOverflow.
func CheckedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/a != b {
		return 0, perperr.ErrMathOverflow
	}
	return p, nil
}

// CheckedDiv returns a/b truncated toward zero. A zero divisor is an error,
// not zero.
func CheckedDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, perperr.ErrMathOverflow
	}
	return a / b, nil
}

// CheckedCeilDiv returns ceil(a/b).
func CheckedCeilDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, perperr.ErrMathOverflow
	}
	if a == 0 {
		return 0, nil
	}
	return (a-1)/b + 1, nil
}

// MulWide returns a*b without narrowing.
func MulWide(a, b uint64) *big.Int {
	x := new(big.Int).SetUint64(a)
	y := new(big.Int).SetUint64(b)
	return x.Mul(x, y)
}

// CheckedAsUint64 narrows a wide intermediate to uint64, failing on loss.
func CheckedAsUint64(v *big.Int) (uint64, error) {
	if v.Sign() < 0 || v.Cmp(maxUint64) > 0 {
		return 0, perperr.ErrMathOverflow
	}
	return v.Uint64(), nil
}

// MulDiv computes a*b/d with a wide intermediate, truncating toward zero.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, perperr.ErrMathOverflow
	}
	p := MulWide(a, b)
	p.Quo(p, new(big.Int).SetUint64(d))
	return CheckedAsUint64(p)
}

// MulDivCeil computes ceil(a*b/d) with a wide intermediate.
func MulDivCeil(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, perperr.ErrMathOverflow
	}
	p := MulWide(a, b)
	if p.Sign() == 0 {
		return 0, nil
	}
	one := big.NewInt(1)
	p.Sub(p, one)
	p.Quo(p, new(big.Int).SetUint64(d))
	p.Add(p, one)
	return CheckedAsUint64(p)
}

// DivWide divides two wide intermediates, truncating toward zero.
func DivWide(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, perperr.ErrMathOverflow
	}
	return new(big.Int).Quo(a, b), nil
}

// CeilDivWide divides two wide intermediates, rounding up.
func CeilDivWide(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, perperr.ErrMathOverflow
	}
	if a.Sign() == 0 {
		return new(big.Int), nil
	}
	one := big.NewInt(1)
	r := new(big.Int).Sub(a, one)
	r.Quo(r, b)
	return r.Add(r, one), nil
}

func tenPow(exp uint32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// CheckedDecimalMul multiplies two decimal-scaled coefficients and rescales
// the product to the target exponent: result*10^rExp == a*10^aExp * b*10^bExp
// up to truncation.
func CheckedDecimalMul(a uint64, aExp int32, b uint64, bExp int32, rExp int32) (uint64, error) {
	return decimalMul(a, aExp, b, bExp, rExp, false)
}

// CheckedDecimalCeilMul is CheckedDecimalMul rounding up instead of
// truncating.
func CheckedDecimalCeilMul(a uint64, aExp int32, b uint64, bExp int32, rExp int32) (uint64, error) {
	return decimalMul(a, aExp, b, bExp, rExp, true)
}

func decimalMul(a uint64, aExp int32, b uint64, bExp int32, rExp int32, ceil bool) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := MulWide(a, b)
	shift := aExp + bExp - rExp
	if shift >= 0 {
		p.Mul(p, tenPow(uint32(shift)))
		return CheckedAsUint64(p)
	}
	d := tenPow(uint32(-shift))
	var err error
	if ceil {
		p, err = CeilDivWide(p, d)
	} else {
		p, err = DivWide(p, d)
	}
	if err != nil {
		return 0, err
	}
	return CheckedAsUint64(p)
}

// CheckedDecimalDiv divides two decimal-scaled coefficients and rescales the
// quotient to the target exponent. The numerator is widened before the single
// division so the result loses precision at most once.
func CheckedDecimalDiv(a uint64, aExp int32, b uint64, bExp int32, rExp int32) (uint64, error) {
	if b == 0 {
		return 0, perperr.ErrMathOverflow
	}
	if a == 0 {
		return 0, nil
	}
	n := new(big.Int).SetUint64(a)
	d := new(big.Int).SetUint64(b)
	shift := aExp - bExp - rExp
	if shift >= 0 {
		n.Mul(n, tenPow(uint32(shift)))
	} else {
		d.Mul(d, tenPow(uint32(-shift)))
	}
	n.Quo(n, d)
	return CheckedAsUint64(n)
}

// ScaleToExponent rescales a coefficient from one decimal exponent to
// another. Scaling to a larger exponent truncates.
func ScaleToExponent(a uint64, exp, target int32) (uint64, error) {
	if exp == target {
		return a, nil
	}
	if target > exp {
		return CheckedDiv(a, pow10U64(uint32(target-exp)))
	}
	return CheckedMul(a, pow10U64(uint32(exp-target)))
}

func pow10U64(exp uint32) uint64 {
	r := uint64(1)
	for i := uint32(0); i < exp; i++ {
		r *= 10
	}
	return r
}

// Pow10 returns 10^exp as uint64. Callers keep exp small enough to fit.
func Pow10(exp uint32) uint64 {
	return pow10U64(exp)
}

// CheckedFloatMul is used only for user-facing price display; it never runs
// on the state-mutation path.
func CheckedFloatMul(a, b float64) (float64, error) {
	r := a * b
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return 0, perperr.ErrMathOverflow
	}
	return r, nil
}

// CheckedFloatDiv is display-only, like CheckedFloatMul.
func CheckedFloatDiv(a, b float64) (float64, error) {
	if b == 0 {
		return 0, perperr.ErrMathOverflow
	}
	r := a / b
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return 0, perperr.ErrMathOverflow
	}
	return r, nil
}
