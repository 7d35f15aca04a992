package core

import (
	"perpcore/internal/event"
	"perpcore/internal/ledger"
	fpmath "perpcore/internal/math"
	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
	"perpcore/internal/state"
	"perpcore/internal/store"
)

func (e *Engine) handleOpenPosition(x *execution, cmd *Command) (*Result, error) {
	p := cmd.OpenPosition
	if p == nil || p.Price == 0 || p.Collateral == 0 || p.Size == 0 ||
		(p.Side != state.SideLong && p.Side != state.SideShort) {
		return nil, ErrInvalidArgument
	}

	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	pool, err := x.tx.GetPool(p.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	perms := perp.Permissions.And(custody.Permissions)
	if !perms.AllowOpenPosition || custody.IsStable {
		return nil, perperr.ErrInstructionNotAllowed
	}

	posKey := store.PositionKey(cmd.Caller, p.Pool, p.Custody, p.Side)
	if x.tx.Has(posKey) {
		return nil, perperr.ErrInvalidPositionState
	}

	spot, ema, err := custodyPrices(x.tx, custody, x.now)
	if err != nil {
		return nil, err
	}
	minPrice := oracle.Min(spot, ema)

	entryPrice, err := pool.GetEntryPrice(spot, ema, p.Side, custody)
	if err != nil {
		return nil, err
	}
	// Price is the worst entry the trader accepts.
	if p.Side == state.SideLong && entryPrice > p.Price {
		return nil, perperr.ErrMaxPriceSlippage
	}
	if p.Side == state.SideShort && entryPrice < p.Price {
		return nil, perperr.ErrMaxPriceSlippage
	}

	lockedAmount, err := custody.GetLockedAmount(p.Size)
	if err != nil {
		return nil, err
	}
	if lockedAmount == 0 {
		return nil, perperr.ErrInsufficientAmountReturned
	}
	feeAmount, err := pool.GetEntryFee(custody.Fees.OpenPosition, p.Size, lockedAmount, custody)
	if err != nil {
		return nil, err
	}
	transferAmount, err := fpmath.CheckedAdd(p.Collateral, feeAmount)
	if err != nil {
		return nil, err
	}

	sizeUSD, err := minPrice.GetAssetAmountUSD(p.Size, custody.Decimals)
	if err != nil {
		return nil, err
	}
	collateralUSD, err := minPrice.GetAssetAmountUSD(p.Collateral, custody.Decimals)
	if err != nil {
		return nil, err
	}
	cumulativeInterest, err := custody.GetCumulativeInterest(x.now)
	if err != nil {
		return nil, err
	}

	pos := &state.Position{
		Owner:                      cmd.Caller,
		Pool:                       p.Pool,
		Custody:                    p.Custody,
		CollateralCustody:          p.Custody,
		Side:                       p.Side,
		OpenTime:                   x.now,
		UpdateTime:                 x.now,
		Price:                      entryPrice,
		SizeUSD:                    sizeUSD,
		BorrowSizeUSD:              sizeUSD,
		CollateralUSD:              collateralUSD,
		CollateralAmount:           p.Collateral,
		CumulativeInterestSnapshot: cumulativeInterest,
		LockedAmount:               lockedAmount,
	}

	ok, err := pool.CheckLeverage(pos, spot, ema, custody, spot, ema, custody, x.now, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perperr.ErrMaxLeverage
	}

	if err := custody.LockFunds(lockedAmount); err != nil {
		return nil, err
	}
	lockedUSD, err := minPrice.GetAssetAmountUSD(lockedAmount, custody.Decimals)
	if err != nil {
		return nil, err
	}
	if err := custody.AddPositionStats(pos, lockedUSD); err != nil {
		return nil, err
	}

	protocolFee, err := state.GetFeeAmount(custody.Fees.ProtocolShare, feeAmount)
	if err != nil {
		return nil, err
	}
	feeUSD, err := ema.GetAssetAmountUSD(feeAmount, custody.Decimals)
	if err != nil {
		return nil, err
	}
	if custody.CollectedFees.OpenPositionUSD, err = fpmath.CheckedAdd(custody.CollectedFees.OpenPositionUSD, feeUSD); err != nil {
		return nil, err
	}
	if custody.Volume.OpenPositionUSD, err = fpmath.CheckedAdd(custody.Volume.OpenPositionUSD, sizeUSD); err != nil {
		return nil, err
	}
	if custody.Assets.Collateral, err = fpmath.CheckedAdd(custody.Assets.Collateral, p.Collateral); err != nil {
		return nil, err
	}
	if custody.Assets.ProtocolFees, err = fpmath.CheckedAdd(custody.Assets.ProtocolFees, protocolFee); err != nil {
		return nil, err
	}
	// The LP share of the entry fee joins the owned reserve.
	if custody.Assets.Owned, err = fpmath.CheckedAdd(custody.Assets.Owned, feeAmount-protocolFee); err != nil {
		return nil, err
	}
	if err := custody.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}

	vault := ledger.CustodyAccount(custody.Key(), custody.Mint)
	x.batch.Add(vault, ledger.UserAccount(cmd.Caller, custody.Mint),
		custody.Mint, transferAmount, ledger.JournalTypeCollateral)

	x.tx.PutPosition(pos)
	x.tx.PutCustody(custody)
	if err := e.refreshPoolAum(x.tx, pool, x.now); err != nil {
		return nil, err
	}

	x.emit(event.TypePositionOpened, pool.Name, &event.PositionOpened{
		PositionKey:   posKey,
		Pool:          pool.Name,
		Custody:       custody.Key(),
		Owner:         cmd.Caller,
		Side:          p.Side.String(),
		EntryPrice:    entryPrice,
		SizeUSD:       sizeUSD,
		CollateralUSD: collateralUSD,
		FeeAmount:     feeAmount,
	})
	return &Result{Amount: transferAmount, PositionKey: posKey}, nil
}

func (e *Engine) handleAddCollateral(x *execution, cmd *Command) (*Result, error) {
	p := cmd.AddCollateral
	if p == nil || p.Collateral == 0 {
		return nil, ErrInvalidArgument
	}

	pool, err := x.tx.GetPool(p.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	posKey := store.PositionKey(cmd.Caller, p.Pool, p.Custody, p.Side)
	pos, err := x.tx.GetPosition(posKey)
	if err != nil {
		return nil, err
	}

	spot, ema, err := custodyPrices(x.tx, custody, x.now)
	if err != nil {
		return nil, err
	}
	minPrice := oracle.Min(spot, ema)
	collateralUSD, err := minPrice.GetAssetAmountUSD(p.Collateral, custody.Decimals)
	if err != nil {
		return nil, err
	}

	// Collective side stats track the position's collateral, so the change
	// goes through remove-then-add.
	if err := custody.RemovePositionStats(pos); err != nil {
		return nil, err
	}
	pos.UpdateTime = x.now
	if pos.CollateralUSD, err = fpmath.CheckedAdd(pos.CollateralUSD, collateralUSD); err != nil {
		return nil, err
	}
	if pos.CollateralAmount, err = fpmath.CheckedAdd(pos.CollateralAmount, p.Collateral); err != nil {
		return nil, err
	}
	if err := custody.AddPositionStats(pos, 0); err != nil {
		return nil, err
	}

	ok, err := pool.CheckLeverage(pos, spot, ema, custody, spot, ema, custody, x.now, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perperr.ErrMaxLeverage
	}

	if custody.Assets.Collateral, err = fpmath.CheckedAdd(custody.Assets.Collateral, p.Collateral); err != nil {
		return nil, err
	}
	if err := custody.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}

	vault := ledger.CustodyAccount(custody.Key(), custody.Mint)
	x.batch.Add(vault, ledger.UserAccount(cmd.Caller, custody.Mint),
		custody.Mint, p.Collateral, ledger.JournalTypeCollateral)

	x.tx.PutPosition(pos)
	x.tx.PutCustody(custody)
	if err := e.refreshPoolAum(x.tx, pool, x.now); err != nil {
		return nil, err
	}

	x.emit(event.TypeCollateralAdded, pool.Name, &event.CollateralChanged{
		PositionKey:   posKey,
		Owner:         cmd.Caller,
		DeltaUSD:      collateralUSD,
		CollateralUSD: pos.CollateralUSD,
	})
	return &Result{Amount: p.Collateral, PositionKey: posKey}, nil
}

func (e *Engine) handleRemoveCollateral(x *execution, cmd *Command) (*Result, error) {
	p := cmd.RemoveCollateral
	if p == nil || p.CollateralUSD == 0 {
		return nil, ErrInvalidArgument
	}

	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	pool, err := x.tx.GetPool(p.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	perms := perp.Permissions.And(custody.Permissions)
	if !perms.AllowCollateralWithdrawal {
		return nil, perperr.ErrInstructionNotAllowed
	}

	posKey := store.PositionKey(cmd.Caller, p.Pool, p.Custody, p.Side)
	pos, err := x.tx.GetPosition(posKey)
	if err != nil {
		return nil, err
	}
	if p.CollateralUSD >= pos.CollateralUSD {
		return nil, perperr.ErrMaxLeverage
	}

	spot, ema, err := custodyPrices(x.tx, custody, x.now)
	if err != nil {
		return nil, err
	}
	// Tokens out are valued at the aggressive price so the withdrawal never
	// overdraws the posted collateral.
	maxPrice := oracle.Max(spot, ema)
	collateralTokens, err := maxPrice.GetTokenAmount(p.CollateralUSD, custody.Decimals)
	if err != nil {
		return nil, err
	}
	if collateralTokens == 0 || collateralTokens > pos.CollateralAmount {
		return nil, perperr.ErrInsufficientFunds
	}

	if err := custody.RemovePositionStats(pos); err != nil {
		return nil, err
	}
	pos.UpdateTime = x.now
	pos.CollateralUSD -= p.CollateralUSD
	pos.CollateralAmount -= collateralTokens
	if err := custody.AddPositionStats(pos, 0); err != nil {
		return nil, err
	}

	ok, err := pool.CheckLeverage(pos, spot, ema, custody, spot, ema, custody, x.now, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perperr.ErrMaxLeverage
	}

	if custody.Assets.Collateral, err = fpmath.CheckedSub(custody.Assets.Collateral, collateralTokens); err != nil {
		return nil, err
	}
	if err := custody.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}

	vault := ledger.CustodyAccount(custody.Key(), custody.Mint)
	x.batch.Add(ledger.UserAccount(cmd.Caller, custody.Mint), vault,
		custody.Mint, collateralTokens, ledger.JournalTypeCollateral)

	x.tx.PutPosition(pos)
	x.tx.PutCustody(custody)
	if err := e.refreshPoolAum(x.tx, pool, x.now); err != nil {
		return nil, err
	}

	x.emit(event.TypeCollateralRemoved, pool.Name, &event.CollateralChanged{
		PositionKey:   posKey,
		Owner:         cmd.Caller,
		DeltaUSD:      p.CollateralUSD,
		CollateralUSD: pos.CollateralUSD,
	})
	return &Result{Amount: collateralTokens, PositionKey: posKey}, nil
}

func (e *Engine) handleClosePosition(x *execution, cmd *Command) (*Result, error) {
	p := cmd.ClosePosition
	if p == nil || p.Price == 0 {
		return nil, ErrInvalidArgument
	}

	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	pool, err := x.tx.GetPool(p.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	perms := perp.Permissions.And(custody.Permissions)
	if !perms.AllowClosePosition {
		return nil, perperr.ErrInstructionNotAllowed
	}

	posKey := store.PositionKey(cmd.Caller, p.Pool, p.Custody, p.Side)
	pos, err := x.tx.GetPosition(posKey)
	if err != nil {
		return nil, err
	}

	spot, ema, err := custodyPrices(x.tx, custody, x.now)
	if err != nil {
		return nil, err
	}
	exitPrice, err := pool.GetExitPrice(spot, ema, pos.Side, custody)
	if err != nil {
		return nil, err
	}
	// Price is the worst exit the trader accepts.
	if pos.Side == state.SideLong && exitPrice < p.Price {
		return nil, perperr.ErrMaxPriceSlippage
	}
	if pos.Side == state.SideShort && exitPrice > p.Price {
		return nil, perperr.ErrMaxPriceSlippage
	}

	payout, feeTokens, profitUSD, lossUSD, err := pool.GetCloseAmount(
		pos, spot, ema, custody, spot, ema, custody, x.now, false)
	if err != nil {
		return nil, err
	}

	res, err := e.settlePosition(x, cmd, pool, custody, pos, posKey, payout, feeTokens, profitUSD, lossUSD, ema, false, 0)
	if err != nil {
		return nil, err
	}

	x.emit(event.TypePositionClosed, pool.Name, &event.PositionClosed{
		PositionKey: posKey,
		Owner:       pos.Owner,
		ExitPrice:   exitPrice,
		PayoutOut:   payout,
		ProfitUSD:   profitUSD,
		LossUSD:     lossUSD,
		FeeAmount:   feeTokens,
	})
	return res, nil
}

func (e *Engine) handleLiquidate(x *execution, cmd *Command) (*Result, error) {
	p := cmd.Liquidate
	if p == nil || p.Owner == "" {
		return nil, ErrInvalidArgument
	}

	pool, err := x.tx.GetPool(p.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	posKey := store.PositionKey(p.Owner, p.Pool, p.Custody, p.Side)
	pos, err := x.tx.GetPosition(posKey)
	if err != nil {
		return nil, err
	}

	spot, ema, err := custodyPrices(x.tx, custody, x.now)
	if err != nil {
		return nil, err
	}
	healthy, err := pool.CheckLeverage(pos, spot, ema, custody, spot, ema, custody, x.now, false)
	if err != nil {
		return nil, err
	}
	if healthy {
		return nil, perperr.ErrInvalidPositionState
	}

	payout, feeTokens, profitUSD, lossUSD, err := pool.GetCloseAmount(
		pos, spot, ema, custody, spot, ema, custody, x.now, true)
	if err != nil {
		return nil, err
	}

	// The liquidator is paid out of the owner's residual payout.
	reward, err := state.GetFeeAmount(custody.Fees.Liquidation, pos.CollateralAmount)
	if err != nil {
		return nil, err
	}
	if reward > payout {
		reward = payout
	}

	res, err := e.settlePosition(x, cmd, pool, custody, pos, posKey, payout, feeTokens, profitUSD, lossUSD, ema, true, reward)
	if err != nil {
		return nil, err
	}

	x.emit(event.TypePositionLiquidated, pool.Name, &event.PositionLiquidated{
		PositionKey: posKey,
		Owner:       pos.Owner,
		Liquidator:  cmd.Caller,
		Reward:      reward,
		PayoutOut:   payout - reward,
		LossUSD:     lossUSD,
	})
	res.Amount = reward
	return res, nil
}

// settlePosition books the common tail of close and liquidation: fee split,
// reserve release, payout transfers, stats, and position removal. The owned
// reserve absorbs the signed residual of collateral minus payout, so trader
// losses accrue to the pool and trader profits are paid from it.
func (e *Engine) settlePosition(
	x *execution,
	cmd *Command,
	pool *state.Pool,
	custody *state.Custody,
	pos *state.Position,
	posKey string,
	payout, feeTokens, profitUSD, lossUSD uint64,
	ema oracle.Price,
	liquidation bool,
	reward uint64,
) (*Result, error) {
	protocolFee, err := state.GetFeeAmount(custody.Fees.ProtocolShare, feeTokens)
	if err != nil {
		return nil, err
	}

	if err := custody.UnlockFunds(pos.LockedAmount); err != nil {
		return nil, err
	}
	ok, err := pool.CheckAvailableAmount(payout, custody)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perperr.ErrCustodyAmountLimit
	}

	vault := ledger.CustodyAccount(custody.Key(), custody.Mint)
	x.batch.Add(ledger.UserAccount(pos.Owner, custody.Mint), vault,
		custody.Mint, payout-reward, ledger.JournalTypePayout)
	if reward > 0 {
		x.batch.Add(ledger.UserAccount(cmd.Caller, custody.Mint), vault,
			custody.Mint, reward, ledger.JournalTypeLiquidationReward)
	}

	feeUSD, err := ema.GetAssetAmountUSD(feeTokens, custody.Decimals)
	if err != nil {
		return nil, err
	}
	if liquidation {
		if custody.CollectedFees.LiquidationUSD, err = fpmath.CheckedAdd(custody.CollectedFees.LiquidationUSD, feeUSD); err != nil {
			return nil, err
		}
		if custody.Volume.LiquidationUSD, err = fpmath.CheckedAdd(custody.Volume.LiquidationUSD, pos.SizeUSD); err != nil {
			return nil, err
		}
	} else {
		if custody.CollectedFees.ClosePositionUSD, err = fpmath.CheckedAdd(custody.CollectedFees.ClosePositionUSD, feeUSD); err != nil {
			return nil, err
		}
		if custody.Volume.ClosePositionUSD, err = fpmath.CheckedAdd(custody.Volume.ClosePositionUSD, pos.SizeUSD); err != nil {
			return nil, err
		}
	}
	if custody.TradeStats.ProfitUSD, err = fpmath.CheckedAdd(custody.TradeStats.ProfitUSD, profitUSD); err != nil {
		return nil, err
	}
	if custody.TradeStats.LossUSD, err = fpmath.CheckedAdd(custody.TradeStats.LossUSD, lossUSD); err != nil {
		return nil, err
	}

	if custody.Assets.ProtocolFees, err = fpmath.CheckedAdd(custody.Assets.ProtocolFees, protocolFee); err != nil {
		return nil, err
	}
	if custody.Assets.Collateral, err = fpmath.CheckedSub(custody.Assets.Collateral, pos.CollateralAmount); err != nil {
		return nil, err
	}

	// The vault loses payout and keeps the rest of the released collateral;
	// the difference lands in or comes out of the owned reserve.
	outflow, err := fpmath.CheckedAdd(payout, protocolFee)
	if err != nil {
		return nil, err
	}
	if pos.CollateralAmount >= outflow {
		custody.Assets.Owned, err = fpmath.CheckedAdd(custody.Assets.Owned, pos.CollateralAmount-outflow)
	} else {
		custody.Assets.Owned, err = fpmath.CheckedSub(custody.Assets.Owned, outflow-pos.CollateralAmount)
	}
	if err != nil {
		return nil, err
	}

	if err := custody.RemovePositionStats(pos); err != nil {
		return nil, err
	}
	if err := custody.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}

	x.tx.Delete(posKey)
	x.tx.PutCustody(custody)
	if err := e.refreshPoolAum(x.tx, pool, x.now); err != nil {
		return nil, err
	}
	return &Result{Amount: payout, PositionKey: posKey}, nil
}
