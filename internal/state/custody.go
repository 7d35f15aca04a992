package state

import (
	"math/big"

	fpmath "perpcore/internal/math"
	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
)

// FeesMode selects how per-operation fees react to pool imbalance.
type FeesMode int32

const (
	// FeesModeFixed charges the flat base fee for every operation.
	FeesModeFixed FeesMode = iota
	// FeesModeLinear moves the fee linearly with the change in deviation
	// from the custody's target weight, bounded by MaxIncrease/MaxDecrease.
	FeesModeLinear
)

// Fees holds the base fee rates of one custody, all in BPS of the traded
// amount. ProtocolShare is in BPS of the collected fee.
type Fees struct {
	Mode FeesMode

	// MaxIncrease and MaxDecrease bound the linear-mode swing, in BPS of
	// the base fee.
	MaxIncrease uint64
	MaxDecrease uint64

	Swap            uint64
	AddLiquidity    uint64
	RemoveLiquidity uint64
	OpenPosition    uint64
	ClosePosition   uint64
	Liquidation     uint64
	ProtocolShare   uint64
}

// Validate checks the fee rates are representable fractions.
func (f *Fees) Validate() bool {
	return f.Swap <= fpmath.BPSPower &&
		f.AddLiquidity <= fpmath.BPSPower &&
		f.RemoveLiquidity <= fpmath.BPSPower &&
		f.OpenPosition <= fpmath.BPSPower &&
		f.ClosePosition <= fpmath.BPSPower &&
		f.Liquidation <= fpmath.BPSPower &&
		f.ProtocolShare <= fpmath.BPSPower
}

// PricingParams bounds pricing and risk for one custody.
type PricingParams struct {
	// UseEMA selects the smoothed price for the adverse-price pick on
	// entry and exit.
	UseEMA bool
	// UseUnrealizedPnlInAum folds the collective trader PnL of this
	// custody into pool valuation.
	UseUnrealizedPnlInAum bool

	// Spreads in BPS, applied on top of the oracle price.
	TradeSpreadLong  uint64
	TradeSpreadShort uint64
	SwapSpread       uint64

	// Leverage bounds in BPS (10_000 = 1x).
	MinInitialLeverage uint64
	MaxInitialLeverage uint64
	MaxLeverage        uint64

	// MaxPayoffMult caps position profit at this multiple of size, in BPS.
	MaxPayoffMult uint64

	// MaxUtilization bounds locked/owned in BPS; zero disables the check.
	MaxUtilization uint64

	// Absolute USD bounds on locked value; zero disables.
	MaxPositionLockedUSD uint64
	MaxTotalLockedUSD    uint64
}

// Validate checks internal consistency of the pricing bounds.
func (p *PricingParams) Validate() bool {
	return p.TradeSpreadLong < fpmath.BPSPower &&
		p.TradeSpreadShort < fpmath.BPSPower &&
		p.SwapSpread < fpmath.BPSPower &&
		p.MinInitialLeverage >= fpmath.BPSPower &&
		p.MinInitialLeverage <= p.MaxInitialLeverage &&
		p.MaxInitialLeverage <= p.MaxLeverage &&
		p.MaxUtilization <= fpmath.BPSPower &&
		p.MaxPayoffMult > 0
}

// BorrowRateParams defines the piecewise-linear rate curve. Rates are in the
// rate domain (1e9) per hour, utilisation in BPS.
type BorrowRateParams struct {
	BaseRate           uint64
	Slope1             uint64
	Slope2             uint64
	OptimalUtilization uint64
}

// Validate checks the curve parameters.
func (p *BorrowRateParams) Validate() bool {
	return p.OptimalUtilization > 0 && p.OptimalUtilization <= fpmath.BPSPower
}

// BorrowRateState is the accrual automaton: the integral of the hourly rate
// over time, updated whenever the custody is touched.
type BorrowRateState struct {
	CurrentRate        uint64
	CumulativeInterest uint64
	LastUpdate         int64
}

// Assets is the token accounting of one custody, in native decimals.
type Assets struct {
	// Collateral is held on behalf of traders and is not part of owned.
	Collateral uint64
	// ProtocolFees is the withdrawable protocol share of collected fees.
	ProtocolFees uint64
	// Owned is the LP-owned reserve; Locked is the slice of it reserved to
	// pay potential trader profits. Owned >= Locked always.
	Owned  uint64
	Locked uint64
}

// FeesStats accumulates collected fees by kind, in USD.
type FeesStats struct {
	SwapUSD            uint64
	AddLiquidityUSD    uint64
	RemoveLiquidityUSD uint64
	OpenPositionUSD    uint64
	ClosePositionUSD   uint64
	LiquidationUSD     uint64
}

// VolumeStats accumulates traded volume by kind, in USD.
type VolumeStats struct {
	SwapUSD            uint64
	AddLiquidityUSD    uint64
	RemoveLiquidityUSD uint64
	OpenPositionUSD    uint64
	ClosePositionUSD   uint64
	LiquidationUSD     uint64
}

// TradeStats tracks open interest per side and realised trader PnL.
type TradeStats struct {
	ProfitUSD  uint64
	LossUSD    uint64
	OILongUSD  uint64
	OIShortUSD uint64
}

// PositionStats aggregates the open positions of one side so collective PnL
// can be priced without walking every position. Price and interest snapshot
// are size-weighted averages.
type PositionStats struct {
	OpenPositions              uint64
	CollateralUSD              uint64
	SizeUSD                    uint64
	BorrowSizeUSD              uint64
	LockedAmount               uint64
	WeightedPrice              uint64
	CumulativeInterestSnapshot uint64
}

// Custody is the per-asset record of a pool.
type Custody struct {
	Pool     string
	Mint     string
	Decimals uint8
	IsStable bool
	// IsVirtual marks synthetic markets settled in another custody's token.
	IsVirtual bool

	Oracle      oracle.Params
	Pricing     PricingParams
	Permissions Permissions
	Fees        Fees
	BorrowRate  BorrowRateParams

	Assets        Assets
	CollectedFees FeesStats
	Volume        VolumeStats
	TradeStats    TradeStats
	RateState     BorrowRateState

	LongPositions  PositionStats
	ShortPositions PositionStats
}

// Validate checks structural and parameter consistency.
func (c *Custody) Validate() bool {
	return c.Mint != "" &&
		c.Decimals <= 18 &&
		c.Oracle.Validate() &&
		c.Pricing.Validate() &&
		c.Fees.Validate() &&
		c.BorrowRate.Validate() &&
		c.Assets.Owned >= c.Assets.Locked
}

// GetLockedAmount converts a position size in tokens to the payoff reserve
// that must be locked for it.
func (c *Custody) GetLockedAmount(sizeTokens uint64) (uint64, error) {
	return fpmath.MulDiv(sizeTokens, c.Pricing.MaxPayoffMult, fpmath.BPSPower)
}

// LockFunds reserves tokens from the owned pool for position payoff.
func (c *Custody) LockFunds(amount uint64) error {
	locked, err := fpmath.CheckedAdd(c.Assets.Locked, amount)
	if err != nil {
		return err
	}
	if locked > c.Assets.Owned {
		return perperr.ErrCustodyAmountLimit
	}
	if c.Pricing.MaxUtilization > 0 && c.Pricing.MaxUtilization < fpmath.BPSPower {
		u, err := fpmath.MulDiv(locked, fpmath.BPSPower, c.Assets.Owned)
		if err != nil {
			return err
		}
		if u > c.Pricing.MaxUtilization {
			return perperr.ErrMaxUtilization
		}
	}
	c.Assets.Locked = locked
	return nil
}

// UnlockFunds releases a payoff reserve.
func (c *Custody) UnlockFunds(amount uint64) error {
	locked, err := fpmath.CheckedSub(c.Assets.Locked, amount)
	if err != nil {
		return err
	}
	c.Assets.Locked = locked
	return nil
}

// Utilization returns locked/owned in BPS, capped at 10_000.
func (c *Custody) Utilization() uint64 {
	if c.Assets.Owned == 0 || c.Assets.Locked == 0 {
		return 0
	}
	u, err := fpmath.MulDiv(c.Assets.Locked, fpmath.BPSPower, c.Assets.Owned)
	if err != nil || u > fpmath.BPSPower {
		return fpmath.BPSPower
	}
	return u
}

// borrowRate evaluates the piecewise-linear curve at the given utilisation.
func (c *Custody) borrowRate(utilization uint64) (uint64, error) {
	p := &c.BorrowRate
	if utilization <= p.OptimalUtilization {
		slice, err := fpmath.MulDiv(p.Slope1, utilization, p.OptimalUtilization)
		if err != nil {
			return 0, err
		}
		return fpmath.CheckedAdd(p.BaseRate, slice)
	}
	// Utilization is capped at BPSPower, so window > 0 whenever this
	// branch is reached.
	window := fpmath.BPSPower - p.OptimalUtilization
	slice, err := fpmath.MulDiv(p.Slope2, utilization-p.OptimalUtilization, window)
	if err != nil {
		return 0, err
	}
	rate, err := fpmath.CheckedAdd(p.BaseRate, p.Slope1)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAdd(rate, slice)
}

// GetCumulativeInterest projects the interest integral to the given time
// without mutating state.
func (c *Custody) GetCumulativeInterest(now int64) (uint64, error) {
	if now <= c.RateState.LastUpdate {
		return c.RateState.CumulativeInterest, nil
	}
	elapsed := uint64(now - c.RateState.LastUpdate)
	accrued, err := fpmath.MulDiv(c.RateState.CurrentRate, elapsed, uint64(fpmath.SecondsPerHour))
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAdd(c.RateState.CumulativeInterest, accrued)
}

// UpdateBorrowRate folds the elapsed interval into the interest integral and
// recomputes the rate from current utilisation. Idempotent for a given time.
func (c *Custody) UpdateBorrowRate(now int64) error {
	if now > c.RateState.LastUpdate {
		cum, err := c.GetCumulativeInterest(now)
		if err != nil {
			return err
		}
		c.RateState.CumulativeInterest = cum
		c.RateState.LastUpdate = now
	}
	rate, err := c.borrowRate(c.Utilization())
	if err != nil {
		return err
	}
	c.RateState.CurrentRate = rate
	return nil
}

// GetInterestAmountUSD returns the borrow cost accrued by the position since
// its snapshot, in USD.
func (c *Custody) GetInterestAmountUSD(pos *Position, now int64) (uint64, error) {
	if pos.BorrowSizeUSD == 0 {
		return 0, nil
	}
	cum, err := c.GetCumulativeInterest(now)
	if err != nil {
		return 0, err
	}
	if cum <= pos.CumulativeInterestSnapshot {
		return 0, nil
	}
	return fpmath.MulDiv(cum-pos.CumulativeInterestSnapshot, pos.BorrowSizeUSD, fpmath.RatePower)
}

func (c *Custody) sideStats(side Side) *PositionStats {
	if side == SideShort {
		return &c.ShortPositions
	}
	return &c.LongPositions
}

// AddPositionStats folds a newly opened or increased position into the
// collective side stats and open interest, enforcing the locked-value bounds.
func (c *Custody) AddPositionStats(pos *Position, lockedUSD uint64) error {
	if c.Pricing.MaxPositionLockedUSD > 0 && lockedUSD > c.Pricing.MaxPositionLockedUSD {
		return perperr.ErrPositionAmountLimit
	}
	stats := c.sideStats(pos.Side)

	var err error
	if c.Pricing.MaxTotalLockedUSD > 0 {
		totalSize, err := fpmath.CheckedAdd(c.LongPositions.SizeUSD, c.ShortPositions.SizeUSD)
		if err != nil {
			return err
		}
		if totalSize, err = fpmath.CheckedAdd(totalSize, pos.SizeUSD); err != nil {
			return err
		}
		projected, err := fpmath.MulDiv(totalSize, c.Pricing.MaxPayoffMult, fpmath.BPSPower)
		if err != nil {
			return err
		}
		if projected > c.Pricing.MaxTotalLockedUSD {
			return perperr.ErrPositionAmountLimit
		}
	}

	if stats.WeightedPrice, err = weightedAvg(
		stats.WeightedPrice, stats.SizeUSD, pos.Price, pos.SizeUSD); err != nil {
		return err
	}
	if stats.CumulativeInterestSnapshot, err = weightedAvg(
		stats.CumulativeInterestSnapshot, stats.BorrowSizeUSD,
		pos.CumulativeInterestSnapshot, pos.BorrowSizeUSD); err != nil {
		return err
	}
	if stats.SizeUSD, err = fpmath.CheckedAdd(stats.SizeUSD, pos.SizeUSD); err != nil {
		return err
	}
	if stats.BorrowSizeUSD, err = fpmath.CheckedAdd(stats.BorrowSizeUSD, pos.BorrowSizeUSD); err != nil {
		return err
	}
	if stats.CollateralUSD, err = fpmath.CheckedAdd(stats.CollateralUSD, pos.CollateralUSD); err != nil {
		return err
	}
	if stats.LockedAmount, err = fpmath.CheckedAdd(stats.LockedAmount, pos.LockedAmount); err != nil {
		return err
	}
	stats.OpenPositions++

	if pos.Side == SideLong {
		c.TradeStats.OILongUSD, err = fpmath.CheckedAdd(c.TradeStats.OILongUSD, pos.SizeUSD)
	} else {
		c.TradeStats.OIShortUSD, err = fpmath.CheckedAdd(c.TradeStats.OIShortUSD, pos.SizeUSD)
	}
	return err
}

// RemovePositionStats backs a closed or liquidated position out of the
// collective side stats and open interest.
func (c *Custody) RemovePositionStats(pos *Position) error {
	stats := c.sideStats(pos.Side)
	if stats.OpenPositions == 0 {
		return perperr.ErrInvalidCustodyState
	}

	var err error
	if stats.WeightedPrice, err = weightedAvgRemove(
		stats.WeightedPrice, stats.SizeUSD, pos.Price, pos.SizeUSD); err != nil {
		return err
	}
	if stats.CumulativeInterestSnapshot, err = weightedAvgRemove(
		stats.CumulativeInterestSnapshot, stats.BorrowSizeUSD,
		pos.CumulativeInterestSnapshot, pos.BorrowSizeUSD); err != nil {
		return err
	}
	if stats.SizeUSD, err = fpmath.CheckedSub(stats.SizeUSD, pos.SizeUSD); err != nil {
		return err
	}
	if stats.BorrowSizeUSD, err = fpmath.CheckedSub(stats.BorrowSizeUSD, pos.BorrowSizeUSD); err != nil {
		return err
	}
	if stats.CollateralUSD, err = fpmath.CheckedSub(stats.CollateralUSD, pos.CollateralUSD); err != nil {
		return err
	}
	if stats.LockedAmount, err = fpmath.CheckedSub(stats.LockedAmount, pos.LockedAmount); err != nil {
		return err
	}
	stats.OpenPositions--
	if stats.OpenPositions == 0 {
		*stats = PositionStats{}
	}

	if pos.Side == SideLong {
		c.TradeStats.OILongUSD, err = fpmath.CheckedSub(c.TradeStats.OILongUSD, pos.SizeUSD)
	} else {
		c.TradeStats.OIShortUSD, err = fpmath.CheckedSub(c.TradeStats.OIShortUSD, pos.SizeUSD)
	}
	return err
}

// GetCollectivePosition synthesizes one position representing all open
// positions of a side, for pool valuation.
func (c *Custody) GetCollectivePosition(side Side) Position {
	stats := c.sideStats(side)
	if stats.OpenPositions == 0 {
		return Position{Side: side}
	}
	return Position{
		Custody:                    c.Key(),
		Side:                       side,
		Price:                      stats.WeightedPrice,
		SizeUSD:                    stats.SizeUSD,
		BorrowSizeUSD:              stats.BorrowSizeUSD,
		CollateralUSD:              stats.CollateralUSD,
		LockedAmount:               stats.LockedAmount,
		CumulativeInterestSnapshot: stats.CumulativeInterestSnapshot,
	}
}

// Key returns the stable store identifier of the custody.
func (c *Custody) Key() string {
	return "custody:" + c.Pool + ":" + c.Mint
}

// weightedAvg folds (addVal, addWeight) into an average over curWeight.
func weightedAvg(cur, curWeight, addVal, addWeight uint64) (uint64, error) {
	if addWeight == 0 {
		return cur, nil
	}
	if curWeight == 0 {
		return addVal, nil
	}
	num := fpmath.MulWide(cur, curWeight)
	num.Add(num, fpmath.MulWide(addVal, addWeight))
	total, err := fpmath.CheckedAdd(curWeight, addWeight)
	if err != nil {
		return 0, err
	}
	q, err := fpmath.DivWide(num, new(big.Int).SetUint64(total))
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAsUint64(q)
}

// weightedAvgRemove backs (remVal, remWeight) out of an average.
func weightedAvgRemove(cur, curWeight, remVal, remWeight uint64) (uint64, error) {
	if remWeight == 0 {
		return cur, nil
	}
	if remWeight >= curWeight {
		return 0, nil
	}
	num := fpmath.MulWide(cur, curWeight)
	num.Sub(num, fpmath.MulWide(remVal, remWeight))
	if num.Sign() < 0 {
		return 0, nil
	}
	q, err := fpmath.DivWide(num, new(big.Int).SetUint64(curWeight-remWeight))
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAsUint64(q)
}
