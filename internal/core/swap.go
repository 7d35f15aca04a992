package core

import (
	"perpcore/internal/event"
	"perpcore/internal/ledger"
	fpmath "perpcore/internal/math"
	"perpcore/internal/perperr"
	"perpcore/internal/state"
)

func (e *Engine) handleSwap(x *execution, cmd *Command) (*Result, error) {
	p := cmd.Swap
	if p == nil || p.AmountIn == 0 {
		return nil, ErrInvalidArgument
	}
	if p.ReceivingCustody == p.DispensingCustody {
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
	custodyIn, err := x.tx.GetCustody(p.ReceivingCustody)
	if err != nil {
		return nil, err
	}
	custodyOut, err := x.tx.GetCustody(p.DispensingCustody)
	if err != nil {
		return nil, err
	}
	if !perp.Permissions.AllowSwap ||
		!custodyIn.Permissions.AllowSwap || !custodyOut.Permissions.AllowSwap ||
		custodyIn.IsVirtual || custodyOut.IsVirtual {
		return nil, perperr.ErrInstructionNotAllowed
	}

	tokenIDIn, err := pool.GetTokenID(p.ReceivingCustody)
	if err != nil {
		return nil, err
	}
	tokenIDOut, err := pool.GetTokenID(p.DispensingCustody)
	if err != nil {
		return nil, err
	}
	spotIn, emaIn, err := custodyPrices(x.tx, custodyIn, x.now)
	if err != nil {
		return nil, err
	}
	spotOut, emaOut, err := custodyPrices(x.tx, custodyOut, x.now)
	if err != nil {
		return nil, err
	}

	amountOut, err := pool.GetSwapAmount(spotIn, emaIn, spotOut, emaOut, custodyIn, custodyOut, p.AmountIn)
	if err != nil {
		return nil, err
	}
	feeIn, feeOut, err := pool.GetSwapFees(
		tokenIDIn, tokenIDOut, p.AmountIn, amountOut, custodyIn, emaIn, custodyOut, emaOut)
	if err != nil {
		return nil, err
	}

	noFeeAmount, err := fpmath.CheckedSub(amountOut, feeOut)
	if err != nil {
		return nil, err
	}
	if noFeeAmount < p.MinAmountOut {
		return nil, perperr.ErrInsufficientAmountReturned
	}

	protocolFeeIn, err := state.GetFeeAmount(custodyIn.Fees.ProtocolShare, feeIn)
	if err != nil {
		return nil, err
	}
	protocolFeeOut, err := state.GetFeeAmount(custodyOut.Fees.ProtocolShare, feeOut)
	if err != nil {
		return nil, err
	}
	depositAmount, err := fpmath.CheckedSub(p.AmountIn, protocolFeeIn)
	if err != nil {
		return nil, err
	}
	withdrawalAmount, err := fpmath.CheckedAdd(noFeeAmount, protocolFeeOut)
	if err != nil {
		return nil, err
	}

	ok, err := pool.CheckTokenRatio(tokenIDIn, depositAmount, 0, custodyIn, emaIn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perperr.ErrTokenRatioOutOfRange
	}
	ok, err = pool.CheckTokenRatio(tokenIDOut, 0, withdrawalAmount, custodyOut, emaOut)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, perperr.ErrTokenRatioOutOfRange
	}

	available, err := fpmath.CheckedSub(custodyOut.Assets.Owned, custodyOut.Assets.Locked)
	if err != nil || available < withdrawalAmount {
		return nil, perperr.ErrCustodyAmountLimit
	}

	vaultIn := ledger.CustodyAccount(custodyIn.Key(), custodyIn.Mint)
	vaultOut := ledger.CustodyAccount(custodyOut.Key(), custodyOut.Mint)
	x.batch.Add(vaultIn, ledger.UserAccount(cmd.Caller, custodyIn.Mint),
		custodyIn.Mint, p.AmountIn, ledger.JournalTypeDeposit)
	x.batch.Add(ledger.UserAccount(cmd.Caller, custodyOut.Mint), vaultOut,
		custodyOut.Mint, noFeeAmount, ledger.JournalTypeWithdrawal)

	// Receiving side.
	volumeInUSD, err := spotIn.GetAssetAmountUSD(p.AmountIn, custodyIn.Decimals)
	if err != nil {
		return nil, err
	}
	feeInUSD, err := spotIn.GetAssetAmountUSD(feeIn, custodyIn.Decimals)
	if err != nil {
		return nil, err
	}
	if custodyIn.Volume.SwapUSD, err = fpmath.CheckedAdd(custodyIn.Volume.SwapUSD, volumeInUSD); err != nil {
		return nil, err
	}
	if custodyIn.CollectedFees.SwapUSD, err = fpmath.CheckedAdd(custodyIn.CollectedFees.SwapUSD, feeInUSD); err != nil {
		return nil, err
	}
	if custodyIn.Assets.ProtocolFees, err = fpmath.CheckedAdd(custodyIn.Assets.ProtocolFees, protocolFeeIn); err != nil {
		return nil, err
	}
	if custodyIn.Assets.Owned, err = fpmath.CheckedAdd(custodyIn.Assets.Owned, depositAmount); err != nil {
		return nil, err
	}
	if err := custodyIn.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}
	x.tx.PutCustody(custodyIn)

	// Dispensing side.
	volumeOutUSD, err := spotOut.GetAssetAmountUSD(amountOut, custodyOut.Decimals)
	if err != nil {
		return nil, err
	}
	feeOutUSD, err := spotOut.GetAssetAmountUSD(feeOut, custodyOut.Decimals)
	if err != nil {
		return nil, err
	}
	if custodyOut.Volume.SwapUSD, err = fpmath.CheckedAdd(custodyOut.Volume.SwapUSD, volumeOutUSD); err != nil {
		return nil, err
	}
	if custodyOut.CollectedFees.SwapUSD, err = fpmath.CheckedAdd(custodyOut.CollectedFees.SwapUSD, feeOutUSD); err != nil {
		return nil, err
	}
	if custodyOut.Assets.ProtocolFees, err = fpmath.CheckedAdd(custodyOut.Assets.ProtocolFees, protocolFeeOut); err != nil {
		return nil, err
	}
	if custodyOut.Assets.Owned, err = fpmath.CheckedSub(custodyOut.Assets.Owned, withdrawalAmount); err != nil {
		return nil, err
	}
	if err := custodyOut.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}
	x.tx.PutCustody(custodyOut)

	if err := e.refreshPoolAum(x.tx, pool, x.now); err != nil {
		return nil, err
	}

	x.emit(event.TypeSwapped, pool.Name, &event.Swapped{
		Pool:       pool.Name,
		CustodyIn:  custodyIn.Key(),
		CustodyOut: custodyOut.Key(),
		Owner:      cmd.Caller,
		AmountIn:   p.AmountIn,
		AmountOut:  noFeeAmount,
		FeeIn:      feeIn,
		FeeOut:     feeOut,
	})
	return &Result{Amount: noFeeAmount}, nil
}
