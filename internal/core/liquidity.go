package core

import (
	"perpcore/internal/event"
	"perpcore/internal/ledger"
	fpmath "perpcore/internal/math"
	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
	"perpcore/internal/state"
)

func (e *Engine) handleAddLiquidity(x *execution, cmd *Command) (*Result, error) {
	p := cmd.AddLiquidity
	if p == nil || p.AmountIn == 0 {
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
	if !perms.AllowAddLiquidity || custody.IsVirtual {
		return nil, perperr.ErrInstructionNotAllowed
	}

	tokenID, err := pool.GetTokenID(p.Custody)
	if err != nil {
		return nil, err
	}
	spot, ema, err := custodyPrices(x.tx, custody, x.now)
	if err != nil {
		return nil, err
	}
	minPrice := oracle.Min(spot, ema)

	feeAmount, err := pool.GetAddLiquidityFee(tokenID, p.AmountIn, custody, ema)
	if err != nil {
		return nil, err
	}
	protocolFee, err := state.GetFeeAmount(custody.Fees.ProtocolShare, feeAmount)
	if err != nil {
		return nil, err
	}
	depositAmount, err := fpmath.CheckedSub(p.AmountIn, protocolFee)
	if err != nil {
		return nil, err
	}
	ok, err := pool.CheckTokenRatio(tokenID, depositAmount, 0, custody, ema)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perperr.ErrTokenRatioOutOfRange
	}

	// LP tokens are priced against the aggressive valuation so a deposit
	// cannot dilute existing providers.
	aumUSD, err := poolAum(x.tx, pool, state.AumMax, x.now)
	if err != nil {
		return nil, err
	}

	noFeeAmount, err := fpmath.CheckedSub(p.AmountIn, feeAmount)
	if err != nil {
		return nil, err
	}
	if noFeeAmount < 1 {
		return nil, perperr.ErrInsufficientAmountReturned
	}
	tokenAmountUSD, err := minPrice.GetAssetAmountUSD(noFeeAmount, custody.Decimals)
	if err != nil {
		return nil, err
	}

	lpAmount := tokenAmountUSD
	if aumUSD > 0 {
		supply := e.ledger.Supply(pool.LPTokenMint)
		if lpAmount, err = fpmath.MulDiv(tokenAmountUSD, supply, aumUSD); err != nil {
			return nil, err
		}
	}
	if lpAmount < p.MinLPAmountOut {
		return nil, perperr.ErrMaxPriceSlippage
	}

	userAcct := ledger.UserAccount(cmd.Caller, custody.Mint)
	vault := ledger.CustodyAccount(custody.Key(), custody.Mint)
	x.batch.Add(vault, userAcct, custody.Mint, p.AmountIn, ledger.JournalTypeDeposit)
	x.batch.AddMint(ledger.UserAccount(cmd.Caller, pool.LPTokenMint),
		pool.LPTokenMint, lpAmount, ledger.JournalTypeLPMint)

	feeUSD, err := ema.GetAssetAmountUSD(feeAmount, custody.Decimals)
	if err != nil {
		return nil, err
	}
	volumeUSD, err := ema.GetAssetAmountUSD(p.AmountIn, custody.Decimals)
	if err != nil {
		return nil, err
	}
	if custody.CollectedFees.AddLiquidityUSD, err = fpmath.CheckedAdd(custody.CollectedFees.AddLiquidityUSD, feeUSD); err != nil {
		return nil, err
	}
	if custody.Volume.AddLiquidityUSD, err = fpmath.CheckedAdd(custody.Volume.AddLiquidityUSD, volumeUSD); err != nil {
		return nil, err
	}
	if custody.Assets.ProtocolFees, err = fpmath.CheckedAdd(custody.Assets.ProtocolFees, protocolFee); err != nil {
		return nil, err
	}
	if custody.Assets.Owned, err = fpmath.CheckedAdd(custody.Assets.Owned, depositAmount); err != nil {
		return nil, err
	}
	if err := custody.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}
	x.tx.PutCustody(custody)

	if err := e.refreshPoolAum(x.tx, pool, x.now); err != nil {
		return nil, err
	}

	x.emit(event.TypeLiquidityAdded, pool.Name, &event.LiquidityAdded{
		Pool:      pool.Name,
		Custody:   custody.Key(),
		Owner:     cmd.Caller,
		AmountIn:  p.AmountIn,
		LPMinted:  lpAmount,
		FeeAmount: feeAmount,
		AumUSD:    pool.AumUSD,
	})
	return &Result{Amount: lpAmount}, nil
}

func (e *Engine) handleRemoveLiquidity(x *execution, cmd *Command) (*Result, error) {
	p := cmd.RemoveLiquidity
	if p == nil || p.LPAmountIn == 0 {
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
	if !perms.AllowRemoveLiquidity || custody.IsVirtual {
		return nil, perperr.ErrInstructionNotAllowed
	}

	tokenID, err := pool.GetTokenID(p.Custody)
	if err != nil {
		return nil, err
	}
	spot, ema, err := custodyPrices(x.tx, custody, x.now)
	if err != nil {
		return nil, err
	}
	maxPrice := oracle.Max(spot, ema)

	// Withdrawals are valued against the conservative valuation, the mirror
	// of the deposit path.
	aumUSD, err := poolAum(x.tx, pool, state.AumMin, x.now)
	if err != nil {
		return nil, err
	}
	supply := e.ledger.Supply(pool.LPTokenMint)
	if supply == 0 {
		return nil, perperr.ErrInsufficientFunds
	}
	removeAmountUSD, err := fpmath.MulDiv(aumUSD, p.LPAmountIn, supply)
	if err != nil {
		return nil, err
	}
	removeAmount, err := maxPrice.GetTokenAmount(removeAmountUSD, custody.Decimals)
	if err != nil {
		return nil, err
	}

	feeAmount, err := pool.GetRemoveLiquidityFee(tokenID, removeAmount, custody, ema)
	if err != nil {
		return nil, err
	}
	protocolFee, err := state.GetFeeAmount(custody.Fees.ProtocolShare, feeAmount)
	if err != nil {
		return nil, err
	}

	transferAmount, err := fpmath.CheckedSub(removeAmount, feeAmount)
	if err != nil {
		return nil, err
	}
	if transferAmount < p.MinAmountOut {
		return nil, perperr.ErrMaxPriceSlippage
	}

	withdrawalAmount, err := fpmath.CheckedAdd(transferAmount, protocolFee)
	if err != nil {
		return nil, err
	}
	ok, err := pool.CheckTokenRatio(tokenID, 0, withdrawalAmount, custody, ema)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perperr.ErrTokenRatioOutOfRange
	}
	available, err := fpmath.CheckedSub(custody.Assets.Owned, custody.Assets.Locked)
	if err != nil || available < withdrawalAmount {
		return nil, perperr.ErrCustodyAmountLimit
	}

	userAcct := ledger.UserAccount(cmd.Caller, custody.Mint)
	vault := ledger.CustodyAccount(custody.Key(), custody.Mint)
	x.batch.Add(userAcct, vault, custody.Mint, transferAmount, ledger.JournalTypeWithdrawal)
	x.batch.AddBurn(ledger.UserAccount(cmd.Caller, pool.LPTokenMint),
		pool.LPTokenMint, p.LPAmountIn, ledger.JournalTypeLPBurn)

	feeUSD, err := ema.GetAssetAmountUSD(feeAmount, custody.Decimals)
	if err != nil {
		return nil, err
	}
	if custody.CollectedFees.RemoveLiquidityUSD, err = fpmath.CheckedAdd(custody.CollectedFees.RemoveLiquidityUSD, feeUSD); err != nil {
		return nil, err
	}
	if custody.Volume.RemoveLiquidityUSD, err = fpmath.CheckedAdd(custody.Volume.RemoveLiquidityUSD, removeAmountUSD); err != nil {
		return nil, err
	}
	if custody.Assets.ProtocolFees, err = fpmath.CheckedAdd(custody.Assets.ProtocolFees, protocolFee); err != nil {
		return nil, err
	}
	if custody.Assets.Owned, err = fpmath.CheckedSub(custody.Assets.Owned, withdrawalAmount); err != nil {
		return nil, err
	}
	if err := custody.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}
	x.tx.PutCustody(custody)

	if err := e.refreshPoolAum(x.tx, pool, x.now); err != nil {
		return nil, err
	}

	x.emit(event.TypeLiquidityRemoved, pool.Name, &event.LiquidityRemoved{
		Pool:      pool.Name,
		Custody:   custody.Key(),
		Owner:     cmd.Caller,
		LPBurned:  p.LPAmountIn,
		AmountOut: transferAmount,
		FeeAmount: feeAmount,
		AumUSD:    pool.AumUSD,
	})
	return &Result{Amount: transferAmount}, nil
}
