package state

import (
	fpmath "perpcore/internal/math"
	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
)

// AumCalcMode selects the price used when valuing pool assets. Min is
// conservative toward LPs, Max toward traders, EMA prices the LP token, Last
// is the position entry reference.
type AumCalcMode int32

const (
	AumMin AumCalcMode = iota
	AumMax
	AumEMA
	AumLast
)

// TokenRatios bounds the USD weight of one custody inside the pool, in BPS.
type TokenRatios struct {
	Target uint64
	Min    uint64
	Max    uint64
}

// Pool groups custodies into one shared-liquidity market. Custodies and
// Ratios are parallel, ordered lists.
type Pool struct {
	Name      string
	Custodies []string
	Ratios    []TokenRatios

	// AumUSD is the cached pool valuation, refreshed at the end of every
	// mutating command.
	AumUSD uint64

	LPTokenMint   string
	InceptionTime int64
}

// Validate checks the ratio table: weights sum to 100%, bounds are ordered,
// custodies are unique.
func (p *Pool) Validate() bool {
	if p.Name == "" || len(p.Custodies) != len(p.Ratios) {
		return false
	}
	var sum uint64
	seen := make(map[string]struct{}, len(p.Custodies))
	for i, key := range p.Custodies {
		if key == "" {
			return false
		}
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		r := p.Ratios[i]
		if r.Min > r.Target || r.Target > r.Max || r.Max > fpmath.BPSPower {
			return false
		}
		sum += r.Target
	}
	return len(p.Custodies) == 0 || sum == fpmath.BPSPower
}

// GetTokenID resolves a custody key to its index in the pool.
func (p *Pool) GetTokenID(custodyKey string) (int, error) {
	for i, key := range p.Custodies {
		if key == custodyKey {
			return i, nil
		}
	}
	return 0, perperr.ErrUnsupportedToken
}

// GetEntryPrice returns the side-adverse entry price with the trade spread
// applied, at the canonical price exponent.
func (p *Pool) GetEntryPrice(tokenPrice, tokenEMAPrice oracle.Price, side Side, custody *Custody) (uint64, error) {
	spread := custody.Pricing.TradeSpreadLong
	if side == SideShort {
		spread = custody.Pricing.TradeSpreadShort
	}
	price, err := p.getPrice(tokenPrice, tokenEMAPrice, side, spread)
	if err != nil {
		return 0, err
	}
	if price.Price == 0 {
		return 0, perperr.ErrMaxPriceSlippage
	}
	scaled, err := price.ScaleToExponent(-fpmath.PriceDecimals)
	if err != nil {
		return 0, err
	}
	return scaled.Price, nil
}

// GetEntryFee computes the open-position fee with a utilisation surcharge:
// past the optimal utilisation of the collateral custody the base fee grows
// linearly, up to MaxIncrease BPS of itself at full utilisation.
func (p *Pool) GetEntryFee(baseFee, size, lockedAmount uint64, collateralCustody *Custody) (uint64, error) {
	sizeFee, err := GetFeeAmount(baseFee, size)
	if err != nil {
		return 0, err
	}

	newUtilization := fpmath.BPSPower
	if collateralCustody.Assets.Owned > 0 {
		locked, err := fpmath.CheckedAdd(collateralCustody.Assets.Locked, lockedAmount)
		if err != nil {
			return 0, err
		}
		u, err := fpmath.MulDiv(locked, fpmath.BPSPower, collateralCustody.Assets.Owned)
		if err != nil {
			return 0, err
		}
		if u < newUtilization {
			newUtilization = u
		}
	}

	optimal := collateralCustody.BorrowRate.OptimalUtilization
	if newUtilization > optimal && optimal < fpmath.BPSPower {
		surcharge, err := fpmath.MulDiv(
			collateralCustody.Fees.MaxIncrease, newUtilization-optimal, fpmath.BPSPower-optimal)
		if err != nil {
			return 0, err
		}
		mult, err := fpmath.CheckedAdd(fpmath.BPSPower, surcharge)
		if err != nil {
			return 0, err
		}
		sizeFee, err = fpmath.MulDiv(sizeFee, mult, fpmath.BPSPower)
		if err != nil {
			return 0, err
		}
	}
	return sizeFee, nil
}

// GetExitPrice returns the side-adverse exit price: the opposite spread of
// the entry direction.
func (p *Pool) GetExitPrice(tokenPrice, tokenEMAPrice oracle.Price, side Side, custody *Custody) (uint64, error) {
	exitSide, spread := SideShort, custody.Pricing.TradeSpreadShort
	if side == SideShort {
		exitSide, spread = SideLong, custody.Pricing.TradeSpreadLong
	}
	price, err := p.getPrice(tokenPrice, tokenEMAPrice, exitSide, spread)
	if err != nil {
		return 0, err
	}
	scaled, err := price.ScaleToExponent(-fpmath.PriceDecimals)
	if err != nil {
		return 0, err
	}
	return scaled.Price, nil
}

// GetExitFee computes the close-position fee on a size in tokens.
func (p *Pool) GetExitFee(size uint64, custody *Custody) (uint64, error) {
	return GetFeeAmount(custody.Fees.ClosePosition, size)
}

// GetLiquidationFee computes the liquidation fee on a size in tokens.
func (p *Pool) GetLiquidationFee(size uint64, custody *Custody) (uint64, error) {
	return GetFeeAmount(custody.Fees.Liquidation, size)
}

// GetCloseAmount settles a position at current prices. It returns the payout
// in collateral tokens, the exit fee in target tokens, and the realised
// profit and loss in USD. The payout is capped by the locked payoff reserve
// plus the posted collateral.
func (p *Pool) GetCloseAmount(
	pos *Position,
	tokenPrice, tokenEMAPrice oracle.Price,
	custody *Custody,
	collateralPrice, collateralEMAPrice oracle.Price,
	collateralCustody *Custody,
	now int64,
	liquidation bool,
) (closeAmount, feeTokens, profitUSD, lossUSD uint64, err error) {
	profitUSD, lossUSD, feeTokens, err = p.GetPnLUSD(
		pos, tokenPrice, tokenEMAPrice, custody,
		collateralPrice, collateralEMAPrice, collateralCustody, now, liquidation)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	var availableUSD uint64
	switch {
	case profitUSD > 0:
		availableUSD, err = fpmath.CheckedAdd(pos.CollateralUSD, profitUSD)
		if err != nil {
			return 0, 0, 0, 0, err
		}
	case lossUSD < pos.CollateralUSD:
		availableUSD = pos.CollateralUSD - lossUSD
	}

	maxCollateralPrice := oracle.Max(collateralPrice, collateralEMAPrice)
	payout, err := maxCollateralPrice.GetTokenAmount(availableUSD, collateralCustody.Decimals)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	lockedLessFee := pos.LockedAmount
	if feeTokens < lockedLessFee {
		lockedLessFee -= feeTokens
	} else {
		lockedLessFee = 0
	}
	maxAmount, err := fpmath.CheckedAdd(lockedLessFee, pos.CollateralAmount)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if payout > maxAmount {
		payout = maxAmount
	}
	return payout, feeTokens, profitUSD, lossUSD, nil
}

// GetSwapPrice returns the pair price for a swap: conservative input price
// over aggressive output price, reduced by the input custody's swap spread.
func (p *Pool) GetSwapPrice(inPrice, inEMAPrice, outPrice, outEMAPrice oracle.Price, custodyIn *Custody) (oracle.Price, error) {
	pair, err := oracle.Min(inPrice, inEMAPrice).CheckedDiv(oracle.Max(outPrice, outEMAPrice))
	if err != nil {
		return oracle.Price{}, err
	}
	return p.getPrice(pair, pair, SideShort, custodyIn.Pricing.SwapSpread)
}

// GetSwapAmount converts an input amount to the output amount at the swap
// price, before fees.
func (p *Pool) GetSwapAmount(
	inPrice, inEMAPrice, outPrice, outEMAPrice oracle.Price,
	custodyIn, custodyOut *Custody,
	amountIn uint64,
) (uint64, error) {
	swapPrice, err := p.GetSwapPrice(inPrice, inEMAPrice, outPrice, outEMAPrice, custodyIn)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedDecimalMul(
		amountIn, -int32(custodyIn.Decimals),
		swapPrice.Price, swapPrice.Exponent,
		-int32(custodyOut.Decimals))
}

// GetSwapFees computes the deviation-curve fee on both legs of a swap, in
// the respective custody tokens.
func (p *Pool) GetSwapFees(
	tokenIDIn, tokenIDOut int,
	amountIn, amountOut uint64,
	custodyIn *Custody, priceIn oracle.Price,
	custodyOut *Custody, priceOut oracle.Price,
) (feeIn, feeOut uint64, err error) {
	feeIn, err = p.getFee(tokenIDIn, custodyIn.Fees.Swap, amountIn, 0, custodyIn, priceIn)
	if err != nil {
		return 0, 0, err
	}
	feeOut, err = p.getFee(tokenIDOut, custodyOut.Fees.Swap, 0, amountOut, custodyOut, priceOut)
	if err != nil {
		return 0, 0, err
	}
	return feeIn, feeOut, nil
}

// GetAddLiquidityFee computes the deposit fee in custody tokens.
func (p *Pool) GetAddLiquidityFee(tokenID int, amount uint64, custody *Custody, price oracle.Price) (uint64, error) {
	return p.getFee(tokenID, custody.Fees.AddLiquidity, amount, 0, custody, price)
}

// GetRemoveLiquidityFee computes the withdrawal fee in custody tokens.
func (p *Pool) GetRemoveLiquidityFee(tokenID int, amount uint64, custody *Custody, price oracle.Price) (uint64, error) {
	return p.getFee(tokenID, custody.Fees.RemoveLiquidity, 0, amount, custody, price)
}

// CheckTokenRatio reports whether the custody weight stays inside its bounds
// after the move. A move that improves an already out-of-range weight is
// allowed.
func (p *Pool) CheckTokenRatio(tokenID int, amountAdd, amountRemove uint64, custody *Custody, price oracle.Price) (bool, error) {
	newRatio, err := p.getNewRatio(amountAdd, amountRemove, custody, price)
	if err != nil {
		return false, err
	}
	switch {
	case newRatio < p.Ratios[tokenID].Min:
		cur, err := p.getCurrentRatio(custody, price)
		if err != nil {
			return false, err
		}
		return newRatio >= cur, nil
	case newRatio > p.Ratios[tokenID].Max:
		cur, err := p.getCurrentRatio(custody, price)
		if err != nil {
			return false, err
		}
		return newRatio <= cur, nil
	default:
		return true, nil
	}
}

// CheckAvailableAmount reports whether the custody can dispense the amount
// without touching locked reserves.
func (p *Pool) CheckAvailableAmount(amount uint64, custody *Custody) (bool, error) {
	total, err := fpmath.CheckedAdd(custody.Assets.Owned, custody.Assets.Collateral)
	if err != nil {
		return false, err
	}
	available, err := fpmath.CheckedSub(total, custody.Assets.Locked)
	if err != nil {
		return false, err
	}
	return available >= amount, nil
}

// GetLeverage returns size over current margin in BPS. A wiped-out margin
// reports maximal leverage.
func (p *Pool) GetLeverage(
	pos *Position,
	tokenPrice, tokenEMAPrice oracle.Price,
	custody *Custody,
	collateralPrice, collateralEMAPrice oracle.Price,
	collateralCustody *Custody,
	now int64,
) (uint64, error) {
	profitUSD, lossUSD, _, err := p.GetPnLUSD(
		pos, tokenPrice, tokenEMAPrice, custody,
		collateralPrice, collateralEMAPrice, collateralCustody, now, false)
	if err != nil {
		return 0, err
	}

	var marginUSD uint64
	switch {
	case profitUSD > 0:
		marginUSD, err = fpmath.CheckedAdd(pos.CollateralUSD, profitUSD)
		if err != nil {
			return 0, err
		}
	case lossUSD <= pos.CollateralUSD:
		marginUSD = pos.CollateralUSD - lossUSD
	}

	if marginUSD == 0 {
		return ^uint64(0), nil
	}
	return fpmath.MulDiv(pos.SizeUSD, fpmath.BPSPower, marginUSD)
}

// CheckLeverage reports whether the position sits inside the custody's
// leverage bounds. The initial bounds apply only at open and size change.
func (p *Pool) CheckLeverage(
	pos *Position,
	tokenPrice, tokenEMAPrice oracle.Price,
	custody *Custody,
	collateralPrice, collateralEMAPrice oracle.Price,
	collateralCustody *Custody,
	now int64,
	initial bool,
) (bool, error) {
	leverage, err := p.GetLeverage(
		pos, tokenPrice, tokenEMAPrice, custody,
		collateralPrice, collateralEMAPrice, collateralCustody, now)
	if err != nil {
		return false, err
	}
	if leverage > custody.Pricing.MaxLeverage {
		return false, nil
	}
	if initial &&
		(leverage < custody.Pricing.MinInitialLeverage ||
			leverage > custody.Pricing.MaxInitialLeverage) {
		return false, nil
	}
	return true, nil
}

// GetLiquidationPrice solves for the underlying price at which the margin is
// exhausted, from the closed form of the linear PnL.
func (p *Pool) GetLiquidationPrice(
	pos *Position,
	tokenEMAPrice oracle.Price,
	custody *Custody,
	collateralCustody *Custody,
	now int64,
) (uint64, error) {
	if pos.SizeUSD == 0 || pos.Price == 0 {
		return 0, nil
	}

	size, err := tokenEMAPrice.GetTokenAmount(pos.SizeUSD, custody.Decimals)
	if err != nil {
		return 0, err
	}
	exitFeeTokens, err := p.GetExitFee(size, custody)
	if err != nil {
		return 0, err
	}
	exitFeeUSD, err := tokenEMAPrice.GetAssetAmountUSD(exitFeeTokens, custody.Decimals)
	if err != nil {
		return 0, err
	}
	interestUSD, err := collateralCustody.GetInterestAmountUSD(pos, now)
	if err != nil {
		return 0, err
	}
	unrealizedLossUSD, err := fpmath.CheckedAdd(exitFeeUSD, interestUSD)
	if err != nil {
		return 0, err
	}
	if unrealizedLossUSD, err = fpmath.CheckedAdd(unrealizedLossUSD, pos.UnrealizedLossUSD); err != nil {
		return 0, err
	}

	maxLossUSD, err := fpmath.MulDiv(pos.SizeUSD, fpmath.BPSPower, custody.Pricing.MaxLeverage)
	if err != nil {
		return 0, err
	}
	if maxLossUSD, err = fpmath.CheckedAdd(maxLossUSD, unrealizedLossUSD); err != nil {
		return 0, err
	}

	marginUSD, err := fpmath.CheckedAdd(pos.CollateralUSD, pos.UnrealizedProfitUSD)
	if err != nil {
		return 0, err
	}

	var maxPriceDiff uint64
	if maxLossUSD >= marginUSD {
		maxPriceDiff = maxLossUSD - marginUSD
	} else {
		maxPriceDiff = marginUSD - maxLossUSD
	}

	positionPrice, err := fpmath.ScaleToExponent(pos.Price, -fpmath.PriceDecimals, -fpmath.USDDecimals)
	if err != nil {
		return 0, err
	}
	if maxPriceDiff, err = fpmath.MulDiv(maxPriceDiff, positionPrice, pos.SizeUSD); err != nil {
		return 0, err
	}
	if maxPriceDiff, err = fpmath.ScaleToExponent(maxPriceDiff, -fpmath.USDDecimals, -fpmath.PriceDecimals); err != nil {
		return 0, err
	}

	if pos.Side == SideLong {
		if maxLossUSD >= marginUSD {
			return fpmath.CheckedAdd(pos.Price, maxPriceDiff)
		}
		if pos.Price > maxPriceDiff {
			return pos.Price - maxPriceDiff, nil
		}
		return 0, nil
	}
	if maxLossUSD >= marginUSD {
		if pos.Price > maxPriceDiff {
			return pos.Price - maxPriceDiff, nil
		}
		return 0, nil
	}
	return fpmath.CheckedAdd(pos.Price, maxPriceDiff)
}

// GetPnLUSD revalues a position at current prices. It returns unrealised
// profit and loss in USD and the exit fee in target custody tokens. Profit is
// capped by the locked payoff reserve valued at the conservative collateral
// price; loss rounding always favours the pool.
func (p *Pool) GetPnLUSD(
	pos *Position,
	tokenPrice, tokenEMAPrice oracle.Price,
	custody *Custody,
	collateralPrice, collateralEMAPrice oracle.Price,
	collateralCustody *Custody,
	now int64,
	liquidation bool,
) (profitUSD, lossUSD, feeTokens uint64, err error) {
	if pos.SizeUSD == 0 || pos.Price == 0 {
		return 0, 0, 0, nil
	}

	exitPrice, err := p.GetExitPrice(tokenPrice, tokenEMAPrice, pos.Side, custody)
	if err != nil {
		return 0, 0, 0, err
	}

	size, err := tokenEMAPrice.GetTokenAmount(pos.SizeUSD, custody.Decimals)
	if err != nil {
		return 0, 0, 0, err
	}
	if liquidation {
		feeTokens, err = p.GetLiquidationFee(size, custody)
	} else {
		feeTokens, err = p.GetExitFee(size, custody)
	}
	if err != nil {
		return 0, 0, 0, err
	}
	exitFeeUSD, err := tokenEMAPrice.GetAssetAmountUSD(feeTokens, custody.Decimals)
	if err != nil {
		return 0, 0, 0, err
	}
	interestUSD, err := collateralCustody.GetInterestAmountUSD(pos, now)
	if err != nil {
		return 0, 0, 0, err
	}
	unrealizedLossUSD, err := fpmath.CheckedAdd(exitFeeUSD, interestUSD)
	if err != nil {
		return 0, 0, 0, err
	}
	if unrealizedLossUSD, err = fpmath.CheckedAdd(unrealizedLossUSD, pos.UnrealizedLossUSD); err != nil {
		return 0, 0, 0, err
	}

	var priceDiffProfit, priceDiffLoss uint64
	if pos.Side == SideLong {
		if exitPrice > pos.Price {
			priceDiffProfit = exitPrice - pos.Price
		} else {
			priceDiffLoss = pos.Price - exitPrice
		}
	} else {
		if exitPrice < pos.Price {
			priceDiffProfit = pos.Price - exitPrice
		} else {
			priceDiffLoss = exitPrice - pos.Price
		}
	}

	positionPrice, err := fpmath.ScaleToExponent(pos.Price, -fpmath.PriceDecimals, -fpmath.USDDecimals)
	if err != nil {
		return 0, 0, 0, err
	}

	if priceDiffProfit > 0 {
		// Profit truncates; the pool keeps the dust.
		potentialProfitUSD, err := fpmath.MulDiv(pos.SizeUSD, priceDiffProfit, positionPrice)
		if err != nil {
			return 0, 0, 0, err
		}
		if potentialProfitUSD, err = fpmath.CheckedAdd(potentialProfitUSD, pos.UnrealizedProfitUSD); err != nil {
			return 0, 0, 0, err
		}

		if potentialProfitUSD < unrealizedLossUSD {
			return 0, unrealizedLossUSD - potentialProfitUSD, feeTokens, nil
		}
		curProfitUSD := potentialProfitUSD - unrealizedLossUSD
		// No payoff accrues before the open time has passed.
		var maxProfitUSD uint64
		if now > pos.OpenTime {
			if maxProfitUSD, err = p.maxPayoffUSD(pos, collateralPrice, collateralEMAPrice, collateralCustody); err != nil {
				return 0, 0, 0, err
			}
		}
		if curProfitUSD > maxProfitUSD {
			curProfitUSD = maxProfitUSD
		}
		return curProfitUSD, 0, feeTokens, nil
	}

	// Loss rounds up against the trader.
	potentialLossUSD, err := fpmath.MulDivCeil(pos.SizeUSD, priceDiffLoss, positionPrice)
	if err != nil {
		return 0, 0, 0, err
	}
	if potentialLossUSD, err = fpmath.CheckedAdd(potentialLossUSD, unrealizedLossUSD); err != nil {
		return 0, 0, 0, err
	}

	if potentialLossUSD >= pos.UnrealizedProfitUSD {
		return 0, potentialLossUSD - pos.UnrealizedProfitUSD, feeTokens, nil
	}
	curProfitUSD := pos.UnrealizedProfitUSD - potentialLossUSD
	maxProfitUSD, err := p.maxPayoffUSD(pos, collateralPrice, collateralEMAPrice, collateralCustody)
	if err != nil {
		return 0, 0, 0, err
	}
	if curProfitUSD > maxProfitUSD {
		curProfitUSD = maxProfitUSD
	}
	return curProfitUSD, 0, feeTokens, nil
}

// maxPayoffUSD values the position's locked payoff reserve at the
// conservative collateral price. Virtual collateral custodies settle against
// the 1 USD reference.
func (p *Pool) maxPayoffUSD(
	pos *Position,
	collateralPrice, collateralEMAPrice oracle.Price,
	collateralCustody *Custody,
) (uint64, error) {
	minPrice := oracle.OneUSD()
	if !collateralCustody.IsVirtual {
		minPrice = collateralPrice.GetMinPrice(collateralEMAPrice, collateralCustody.IsStable)
	}
	return minPrice.GetAssetAmountUSD(pos.LockedAmount, collateralCustody.Decimals)
}

// GetFeeAmount applies a BPS fee rate to an amount, rounding up.
func GetFeeAmount(fee, amount uint64) (uint64, error) {
	if fee == 0 || amount == 0 {
		return 0, nil
	}
	return fpmath.MulDivCeil(amount, fee, fpmath.BPSPower)
}

// getCurrentRatio returns the custody's current USD weight in BPS.
func (p *Pool) getCurrentRatio(custody *Custody, price oracle.Price) (uint64, error) {
	if p.AumUSD == 0 || custody.IsVirtual {
		return 0, nil
	}
	ownedUSD, err := price.GetAssetAmountUSD(custody.Assets.Owned, custody.Decimals)
	if err != nil {
		return 0, err
	}
	ratio, err := fpmath.MulDiv(ownedUSD, fpmath.BPSPower, p.AumUSD)
	if err != nil {
		return 0, err
	}
	if ratio > fpmath.BPSPower {
		ratio = fpmath.BPSPower
	}
	return ratio, nil
}

// getNewRatio projects the custody's USD weight after adding or removing
// tokens. Exactly one of amountAdd/amountRemove may be non-zero.
func (p *Pool) getNewRatio(amountAdd, amountRemove uint64, custody *Custody, price oracle.Price) (uint64, error) {
	if custody.IsVirtual {
		return 0, nil
	}
	if amountAdd > 0 && amountRemove > 0 {
		return 0, perperr.ErrInvalidPoolState
	}

	var tokenAumUSD, poolAumUSD uint64
	var err error
	switch {
	case amountAdd == 0 && amountRemove == 0:
		tokenAumUSD, err = price.GetAssetAmountUSD(custody.Assets.Owned, custody.Decimals)
		if err != nil {
			return 0, err
		}
		poolAumUSD = p.AumUSD
	case amountAdd > 0:
		addedUSD, err := price.GetAssetAmountUSD(amountAdd, custody.Decimals)
		if err != nil {
			return 0, err
		}
		owned, err := fpmath.CheckedAdd(custody.Assets.Owned, amountAdd)
		if err != nil {
			return 0, err
		}
		tokenAumUSD, err = price.GetAssetAmountUSD(owned, custody.Decimals)
		if err != nil {
			return 0, err
		}
		poolAumUSD, err = fpmath.CheckedAdd(p.AumUSD, addedUSD)
		if err != nil {
			return 0, err
		}
	default:
		removedUSD, err := price.GetAssetAmountUSD(amountRemove, custody.Decimals)
		if err != nil {
			return 0, err
		}
		if removedUSD >= p.AumUSD || amountRemove >= custody.Assets.Owned {
			return 0, nil
		}
		tokenAumUSD, err = price.GetAssetAmountUSD(custody.Assets.Owned-amountRemove, custody.Decimals)
		if err != nil {
			return 0, err
		}
		poolAumUSD = p.AumUSD - removedUSD
	}

	if tokenAumUSD == 0 || poolAumUSD == 0 {
		return 0, nil
	}
	ratio, err := fpmath.MulDiv(tokenAumUSD, fpmath.BPSPower, poolAumUSD)
	if err != nil {
		return 0, err
	}
	if ratio > fpmath.BPSPower {
		ratio = fpmath.BPSPower
	}
	return ratio, nil
}

// getPrice picks the adverse of spot and EMA for the side and applies the
// spread: added and rounded up for longs, subtracted and floored at zero for
// shorts.
func (p *Pool) getPrice(tokenPrice, tokenEMAPrice oracle.Price, side Side, spread uint64) (oracle.Price, error) {
	if side == SideLong {
		maxPrice := oracle.Max(tokenPrice, tokenEMAPrice)
		markup, err := fpmath.CheckedDecimalCeilMul(
			maxPrice.Price, maxPrice.Exponent,
			spread, -fpmath.BPSDecimals,
			maxPrice.Exponent)
		if err != nil {
			return oracle.Price{}, err
		}
		price, err := fpmath.CheckedAdd(maxPrice.Price, markup)
		if err != nil {
			return oracle.Price{}, err
		}
		return oracle.Price{Price: price, Exponent: maxPrice.Exponent}, nil
	}

	minPrice := oracle.Min(tokenPrice, tokenEMAPrice)
	markdown, err := fpmath.CheckedDecimalMul(
		minPrice.Price, minPrice.Exponent,
		spread, -fpmath.BPSDecimals,
		minPrice.Exponent)
	if err != nil {
		return oracle.Price{}, err
	}
	price := uint64(0)
	if markdown < minPrice.Price {
		price = minPrice.Price - markdown
	}
	return oracle.Price{Price: price, Exponent: minPrice.Exponent}, nil
}

// getFee applies the imbalance curve to a base fee rate. In linear mode a
// move that worsens the deviation from the target weight pays up to
// MaxIncrease BPS of the base fee extra, one that improves it saves up to
// MaxDecrease BPS.
func (p *Pool) getFee(tokenID int, baseFee, amountAdd, amountRemove uint64, custody *Custody, price oracle.Price) (uint64, error) {
	if custody.IsVirtual {
		return 0, perperr.ErrInstructionNotAllowed
	}
	amount := amountAdd
	if amountRemove > amount {
		amount = amountRemove
	}
	if custody.Fees.Mode == FeesModeFixed {
		return GetFeeAmount(baseFee, amount)
	}

	ratios := p.Ratios[tokenID]
	currentRatio, err := p.getCurrentRatio(custody, price)
	if err != nil {
		return 0, err
	}
	newRatio, err := p.getNewRatio(amountAdd, amountRemove, custody, price)
	if err != nil {
		return 0, err
	}

	var improved bool
	switch {
	case newRatio < ratios.Target:
		improved = newRatio > currentRatio ||
			(currentRatio > ratios.Target &&
				currentRatio-ratios.Target > ratios.Target-newRatio)
	case newRatio > ratios.Target:
		improved = newRatio < currentRatio ||
			(currentRatio < ratios.Target &&
				ratios.Target-currentRatio > newRatio-ratios.Target)
	default:
		improved = currentRatio != ratios.Target
	}

	swingBound := custody.Fees.MaxIncrease
	if improved {
		swingBound = custody.Fees.MaxDecrease
	}

	var ratioFee uint64 = fpmath.BPSPower
	if newRatio <= ratios.Target {
		if window := ratios.Target - ratios.Min; window > 0 {
			swing, err := fpmath.MulDiv(swingBound, ratios.Target-newRatio, window)
			if err != nil {
				return 0, err
			}
			if ratioFee, err = fpmath.CheckedAdd(fpmath.BPSPower, swing); err != nil {
				return 0, err
			}
		}
	} else if window := ratios.Max - ratios.Target; window > 0 {
		swing, err := fpmath.MulDiv(swingBound, newRatio-ratios.Target, window)
		if err != nil {
			return 0, err
		}
		if ratioFee, err = fpmath.CheckedAdd(fpmath.BPSPower, swing); err != nil {
			return 0, err
		}
	}

	var fee uint64
	if improved {
		fee, err = fpmath.MulDiv(baseFee, fpmath.BPSPower, ratioFee)
	} else {
		fee, err = fpmath.MulDiv(baseFee, ratioFee, fpmath.BPSPower)
	}
	if err != nil {
		return 0, err
	}
	return GetFeeAmount(fee, amount)
}
