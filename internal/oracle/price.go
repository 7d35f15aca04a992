// Package oracle produces validated, normalised prices for the pricing
// engine. The core depends on a single price source shape; custom-signed and
// test oracles are variants selected by the oracle type tag.
package oracle

import (
	"math/big"

	fpmath "perpcore/internal/math"
	"perpcore/internal/perperr"
)

// Price is a normalised oracle price: value scaled by 10^Exponent USD per
// token. Conf and PublishTime travel with the price for diagnostics; ordering
// and arithmetic use only the value and exponent.
type Price struct {
	Price       uint64
	Exponent    int32
	Conf        uint64
	PublishTime int64
}

// OneUSD is the reference price used for virtual-custody settlement paths.
func OneUSD() Price {
	return Price{Price: fpmath.USDPower, Exponent: -fpmath.USDDecimals}
}

// IsZero reports whether the price carries no value.
func (p Price) IsZero() bool {
	return p.Price == 0
}

// Cmp compares two prices numerically, independent of exponent. It returns
// -1, 0 or +1.
func (p Price) Cmp(other Price) int {
	a := new(big.Int).SetUint64(p.Price)
	b := new(big.Int).SetUint64(other.Price)
	// Cross-scale onto a common exponent without losing precision.
	if d := p.Exponent - other.Exponent; d > 0 {
		a.Mul(a, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil))
	} else if d < 0 {
		b.Mul(b, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-d)), nil))
	}
	return a.Cmp(b)
}

// Less reports p < other.
func (p Price) Less(other Price) bool { return p.Cmp(other) < 0 }

// Min returns the smaller of the two prices.
func Min(a, b Price) Price {
	if a.Less(b) {
		return a
	}
	return b
}

// Max returns the larger of the two prices.
func Max(a, b Price) Price {
	if a.Cmp(b) > 0 {
		return a
	}
	return b
}

// GetMinPrice returns the conservative valuation of the asset: the lower of
// the spot and EMA price, additionally clamped to 1 USD for stablecoins.
func (p Price) GetMinPrice(ema Price, isStable bool) Price {
	min := Min(p, ema)
	if isStable {
		return Min(min, OneUSD())
	}
	return min
}

// GetAssetAmountUSD converts a token amount in native decimals to USD
// (scaled by 1e6).
func (p Price) GetAssetAmountUSD(tokenAmount uint64, decimals uint8) (uint64, error) {
	if tokenAmount == 0 || p.Price == 0 {
		return 0, nil
	}
	return fpmath.CheckedDecimalMul(tokenAmount, -int32(decimals), p.Price, p.Exponent, -fpmath.USDDecimals)
}

// GetTokenAmount converts a USD amount (scaled by 1e6) to a token amount in
// native decimals.
func (p Price) GetTokenAmount(assetAmountUSD uint64, decimals uint8) (uint64, error) {
	if assetAmountUSD == 0 || p.Price == 0 {
		return 0, nil
	}
	return fpmath.CheckedDecimalDiv(assetAmountUSD, -fpmath.USDDecimals, p.Price, p.Exponent, -int32(decimals))
}

// ScaleToExponent re-expresses the price at the target exponent, truncating
// when precision is lost.
func (p Price) ScaleToExponent(target int32) (Price, error) {
	v, err := fpmath.ScaleToExponent(p.Price, p.Exponent, target)
	if err != nil {
		return Price{}, err
	}
	return Price{Price: v, Exponent: target, Conf: p.Conf, PublishTime: p.PublishTime}, nil
}

// CheckedDiv returns the pair price p/other at the canonical price exponent.
func (p Price) CheckedDiv(other Price) (Price, error) {
	if other.Price == 0 {
		return Price{}, perperr.ErrMathOverflow
	}
	v, err := fpmath.CheckedDecimalDiv(p.Price, p.Exponent, other.Price, other.Exponent, -fpmath.PriceDecimals)
	if err != nil {
		return Price{}, err
	}
	return Price{Price: v, Exponent: -fpmath.PriceDecimals}, nil
}
