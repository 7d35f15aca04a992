package core

import (
	fpmath "perpcore/internal/math"
	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
	"perpcore/internal/state"
	"perpcore/internal/store"
)

// dispatchQuery serves the read-only commands. The transaction is never
// committed, so queries cannot mutate state.
func (e *Engine) dispatchQuery(tx *store.Tx, cmd *Command) (*Result, error) {
	q := cmd.Query
	if q == nil {
		return nil, ErrInvalidArgument
	}
	now := e.commandTime(tx, cmd)

	switch cmd.Kind {
	case KindGetEntryPriceAndFee:
		return e.queryEntryPriceAndFee(tx, cmd, q, now)
	case KindGetExitPriceAndFee:
		return e.queryExitPriceAndFee(tx, cmd, q, now)
	case KindGetPnL:
		return e.queryPnL(tx, cmd, q, now)
	case KindGetLiquidationPrice:
		return e.queryLiquidationPrice(tx, cmd, q, now)
	case KindGetSwapAmountAndFees:
		return e.querySwapAmountAndFees(tx, q, now)
	case KindGetLPTokenPrice:
		return e.queryLPTokenPrice(tx, q, now)
	case KindGetAddLiquidityAmountAndFee:
		return e.queryAddLiquidityAmountAndFee(tx, q, now)
	case KindGetRemoveLiquidityAmountAndFee:
		return e.queryRemoveLiquidityAmountAndFee(tx, q, now)
	case KindGetOraclePrice:
		return e.queryOraclePrice(tx, q, now)
	case KindGetAum:
		return e.queryAum(tx, q, now)
	default:
		return nil, ErrInvalidArgument
	}
}

// queryOwner resolves the position owner of a query, defaulting to the caller.
func queryOwner(cmd *Command, q *QueryParams) string {
	if q.Owner != "" {
		return q.Owner
	}
	return cmd.Caller
}

func (e *Engine) queryEntryPriceAndFee(tx *store.Tx, cmd *Command, q *QueryParams, now int64) (*Result, error) {
	if q.Collateral == 0 || q.Size == 0 ||
		(q.Side != state.SideLong && q.Side != state.SideShort) {
		return nil, ErrInvalidArgument
	}
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := tx.GetCustody(q.Custody)
	if err != nil {
		return nil, err
	}
	spot, ema, err := custodyPrices(tx, custody, now)
	if err != nil {
		return nil, err
	}
	minPrice := oracle.Min(spot, ema)

	entryPrice, err := pool.GetEntryPrice(spot, ema, q.Side, custody)
	if err != nil {
		return nil, err
	}
	lockedAmount, err := custody.GetLockedAmount(q.Size)
	if err != nil {
		return nil, err
	}
	fee, err := pool.GetEntryFee(custody.Fees.OpenPosition, q.Size, lockedAmount, custody)
	if err != nil {
		return nil, err
	}

	sizeUSD, err := minPrice.GetAssetAmountUSD(q.Size, custody.Decimals)
	if err != nil {
		return nil, err
	}
	collateralUSD, err := minPrice.GetAssetAmountUSD(q.Collateral, custody.Decimals)
	if err != nil {
		return nil, err
	}
	cumulativeInterest, err := custody.GetCumulativeInterest(now)
	if err != nil {
		return nil, err
	}
	pos := &state.Position{
		Side:                       q.Side,
		OpenTime:                   now,
		Price:                      entryPrice,
		SizeUSD:                    sizeUSD,
		BorrowSizeUSD:              sizeUSD,
		CollateralUSD:              collateralUSD,
		CollateralAmount:           q.Collateral,
		CumulativeInterestSnapshot: cumulativeInterest,
		LockedAmount:               lockedAmount,
	}
	liquidationPrice, err := pool.GetLiquidationPrice(pos, ema, custody, custody, now)
	if err != nil {
		return nil, err
	}

	return &Result{Query: &state.NewPositionPricesAndFee{
		EntryPrice:       entryPrice,
		LiquidationPrice: liquidationPrice,
		Fee:              fee,
	}}, nil
}

func (e *Engine) queryExitPriceAndFee(tx *store.Tx, cmd *Command, q *QueryParams, now int64) (*Result, error) {
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := tx.GetCustody(q.Custody)
	if err != nil {
		return nil, err
	}
	pos, err := tx.GetPosition(store.PositionKey(queryOwner(cmd, q), q.Pool, q.Custody, q.Side))
	if err != nil {
		return nil, err
	}
	spot, ema, err := custodyPrices(tx, custody, now)
	if err != nil {
		return nil, err
	}
	exitPrice, err := pool.GetExitPrice(spot, ema, pos.Side, custody)
	if err != nil {
		return nil, err
	}
	size, err := ema.GetTokenAmount(pos.SizeUSD, custody.Decimals)
	if err != nil {
		return nil, err
	}
	fee, err := pool.GetExitFee(size, custody)
	if err != nil {
		return nil, err
	}
	return &Result{Query: &state.PriceAndFee{Price: exitPrice, Fee: fee}}, nil
}

func (e *Engine) queryPnL(tx *store.Tx, cmd *Command, q *QueryParams, now int64) (*Result, error) {
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := tx.GetCustody(q.Custody)
	if err != nil {
		return nil, err
	}
	pos, err := tx.GetPosition(store.PositionKey(queryOwner(cmd, q), q.Pool, q.Custody, q.Side))
	if err != nil {
		return nil, err
	}
	spot, ema, err := custodyPrices(tx, custody, now)
	if err != nil {
		return nil, err
	}
	profit, loss, _, err := pool.GetPnLUSD(pos, spot, ema, custody, spot, ema, custody, now, false)
	if err != nil {
		return nil, err
	}
	return &Result{Query: &state.ProfitAndLoss{Profit: profit, Loss: loss}}, nil
}

func (e *Engine) queryLiquidationPrice(tx *store.Tx, cmd *Command, q *QueryParams, now int64) (*Result, error) {
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := tx.GetCustody(q.Custody)
	if err != nil {
		return nil, err
	}
	pos, err := tx.GetPosition(store.PositionKey(queryOwner(cmd, q), q.Pool, q.Custody, q.Side))
	if err != nil {
		return nil, err
	}
	spot, ema, err := custodyPrices(tx, custody, now)
	if err != nil {
		return nil, err
	}
	minPrice := oracle.Min(spot, ema)

	// The caller can project a hypothetical collateral change.
	if q.AddCollateral > 0 {
		addUSD, err := minPrice.GetAssetAmountUSD(q.AddCollateral, custody.Decimals)
		if err != nil {
			return nil, err
		}
		if pos.CollateralUSD, err = fpmath.CheckedAdd(pos.CollateralUSD, addUSD); err != nil {
			return nil, err
		}
	}
	if q.RemoveCollateral > 0 {
		removeUSD, err := minPrice.GetAssetAmountUSD(q.RemoveCollateral, custody.Decimals)
		if err != nil {
			return nil, err
		}
		if removeUSD >= pos.CollateralUSD {
			return nil, perperr.ErrMaxLeverage
		}
		pos.CollateralUSD -= removeUSD
	}

	price, err := pool.GetLiquidationPrice(pos, ema, custody, custody, now)
	if err != nil {
		return nil, err
	}
	return &Result{Query: &state.PriceAndFee{Price: price}}, nil
}

func (e *Engine) querySwapAmountAndFees(tx *store.Tx, q *QueryParams, now int64) (*Result, error) {
	if q.AmountIn == 0 || q.ReceivingCustody == q.DispensingCustody {
		return nil, ErrInvalidArgument
	}
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	custodyIn, err := tx.GetCustody(q.ReceivingCustody)
	if err != nil {
		return nil, err
	}
	custodyOut, err := tx.GetCustody(q.DispensingCustody)
	if err != nil {
		return nil, err
	}
	tokenIDIn, err := pool.GetTokenID(q.ReceivingCustody)
	if err != nil {
		return nil, err
	}
	tokenIDOut, err := pool.GetTokenID(q.DispensingCustody)
	if err != nil {
		return nil, err
	}
	spotIn, emaIn, err := custodyPrices(tx, custodyIn, now)
	if err != nil {
		return nil, err
	}
	spotOut, emaOut, err := custodyPrices(tx, custodyOut, now)
	if err != nil {
		return nil, err
	}
	amountOut, err := pool.GetSwapAmount(spotIn, emaIn, spotOut, emaOut, custodyIn, custodyOut, q.AmountIn)
	if err != nil {
		return nil, err
	}
	feeIn, feeOut, err := pool.GetSwapFees(
		tokenIDIn, tokenIDOut, q.AmountIn, amountOut, custodyIn, emaIn, custodyOut, emaOut)
	if err != nil {
		return nil, err
	}
	return &Result{Query: &state.SwapAmountAndFees{
		AmountOut: amountOut,
		FeeIn:     feeIn,
		FeeOut:    feeOut,
	}}, nil
}

func (e *Engine) queryLPTokenPrice(tx *store.Tx, q *QueryParams, now int64) (*Result, error) {
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	supply := e.ledger.Supply(pool.LPTokenMint)
	if supply == 0 {
		return &Result{Query: &state.PriceAndFee{}}, nil
	}
	aum, err := poolAum(tx, pool, state.AumEMA, now)
	if err != nil {
		return nil, err
	}
	// AUM and supply share the USD scale, so the ratio is the real price;
	// rescale it onto the canonical exponent.
	ratio, err := fpmath.CheckedFloatDiv(float64(aum), float64(supply))
	if err != nil {
		return nil, err
	}
	scaled, err := fpmath.CheckedFloatMul(ratio, float64(fpmath.USDPower))
	if err != nil {
		return nil, err
	}
	return &Result{Query: &state.PriceAndFee{Price: uint64(scaled)}}, nil
}

func (e *Engine) queryAddLiquidityAmountAndFee(tx *store.Tx, q *QueryParams, now int64) (*Result, error) {
	if q.AmountIn == 0 {
		return nil, ErrInvalidArgument
	}
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := tx.GetCustody(q.Custody)
	if err != nil {
		return nil, err
	}
	tokenID, err := pool.GetTokenID(q.Custody)
	if err != nil {
		return nil, err
	}
	spot, ema, err := custodyPrices(tx, custody, now)
	if err != nil {
		return nil, err
	}
	minPrice := oracle.Min(spot, ema)

	fee, err := pool.GetAddLiquidityFee(tokenID, q.AmountIn, custody, ema)
	if err != nil {
		return nil, err
	}
	aum, err := poolAum(tx, pool, state.AumMax, now)
	if err != nil {
		return nil, err
	}
	noFee, err := fpmath.CheckedSub(q.AmountIn, fee)
	if err != nil {
		return nil, err
	}
	tokenUSD, err := minPrice.GetAssetAmountUSD(noFee, custody.Decimals)
	if err != nil {
		return nil, err
	}
	lpAmount := tokenUSD
	if aum > 0 {
		if lpAmount, err = fpmath.MulDiv(tokenUSD, e.ledger.Supply(pool.LPTokenMint), aum); err != nil {
			return nil, err
		}
	}
	return &Result{Query: &state.AmountAndFee{Amount: lpAmount, Fee: fee}}, nil
}

func (e *Engine) queryRemoveLiquidityAmountAndFee(tx *store.Tx, q *QueryParams, now int64) (*Result, error) {
	if q.LPAmountIn == 0 {
		return nil, ErrInvalidArgument
	}
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := tx.GetCustody(q.Custody)
	if err != nil {
		return nil, err
	}
	tokenID, err := pool.GetTokenID(q.Custody)
	if err != nil {
		return nil, err
	}
	spot, ema, err := custodyPrices(tx, custody, now)
	if err != nil {
		return nil, err
	}
	supply := e.ledger.Supply(pool.LPTokenMint)
	if supply == 0 {
		return nil, perperr.ErrInsufficientFunds
	}
	aum, err := poolAum(tx, pool, state.AumMin, now)
	if err != nil {
		return nil, err
	}
	removeUSD, err := fpmath.MulDiv(aum, q.LPAmountIn, supply)
	if err != nil {
		return nil, err
	}
	removeAmount, err := oracle.Max(spot, ema).GetTokenAmount(removeUSD, custody.Decimals)
	if err != nil {
		return nil, err
	}
	fee, err := pool.GetRemoveLiquidityFee(tokenID, removeAmount, custody, ema)
	if err != nil {
		return nil, err
	}
	transfer, err := fpmath.CheckedSub(removeAmount, fee)
	if err != nil {
		return nil, err
	}
	return &Result{Query: &state.AmountAndFee{Amount: transfer, Fee: fee}}, nil
}

func (e *Engine) queryOraclePrice(tx *store.Tx, q *QueryParams, now int64) (*Result, error) {
	custody, err := tx.GetCustody(q.Custody)
	if err != nil {
		return nil, err
	}
	spot, _, err := custodyPrices(tx, custody, now)
	if err != nil {
		return nil, err
	}
	scaled, err := spot.ScaleToExponent(-fpmath.PriceDecimals)
	if err != nil {
		return nil, err
	}
	return &Result{Query: &state.PriceAndFee{Price: scaled.Price}}, nil
}

func (e *Engine) queryAum(tx *store.Tx, q *QueryParams, now int64) (*Result, error) {
	pool, err := tx.GetPool(q.Pool)
	if err != nil {
		return nil, err
	}
	aum, err := poolAum(tx, pool, state.AumEMA, now)
	if err != nil {
		return nil, err
	}
	return &Result{Amount: aum}, nil
}
