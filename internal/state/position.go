package state

import (
	"math/big"

	fpmath "perpcore/internal/math"
)

// Side is the direction of a position.
type Side int32

const (
	SideNone Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "none"
	}
}

// Position is one trader position in one custody. USD figures are scaled by
// 1e6; token amounts are in the native decimals of the respective custody.
type Position struct {
	Owner             string
	Pool              string
	Custody           string
	CollateralCustody string
	Side              Side

	OpenTime   int64
	UpdateTime int64

	// Price is the entry price at the canonical price exponent.
	Price            uint64
	SizeUSD          uint64
	BorrowSizeUSD    uint64
	CollateralUSD    uint64
	CollateralAmount uint64

	UnrealizedProfitUSD uint64
	UnrealizedLossUSD   uint64

	// CumulativeInterestSnapshot is the collateral custody's cumulative
	// interest at the last position update, in rate units (1e9).
	CumulativeInterestSnapshot uint64

	// LockedAmount is the payoff reserve held in the target custody,
	// in its native decimals.
	LockedAmount uint64
}

// IsEmpty reports whether the position carries no exposure.
func (p *Position) IsEmpty() bool {
	return p.SizeUSD == 0 && p.CollateralUSD == 0
}

// AddSize folds an increase at the given price into the position, keeping the
// entry price as the size-weighted average.
func (p *Position) AddSize(price, sizeUSD uint64) error {
	if sizeUSD == 0 {
		return nil
	}
	if p.SizeUSD == 0 {
		p.Price = price
		p.SizeUSD = sizeUSD
		return nil
	}
	cur := fpmath.MulWide(p.Price, p.SizeUSD)
	add := fpmath.MulWide(price, sizeUSD)
	newSize, err := fpmath.CheckedAdd(p.SizeUSD, sizeUSD)
	if err != nil {
		return err
	}
	avgWide, err := fpmath.DivWide(cur.Add(cur, add), new(big.Int).SetUint64(newSize))
	if err != nil {
		return err
	}
	avg, err := fpmath.CheckedAsUint64(avgWide)
	if err != nil {
		return err
	}
	p.Price = avg
	p.SizeUSD = newSize
	return nil
}
