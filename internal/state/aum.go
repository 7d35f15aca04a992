package state

import (
	fpmath "perpcore/internal/math"
	"perpcore/internal/oracle"
)

// CustodyView pairs a custody record with its validated prices for one
// revaluation pass. Views are ordered like Pool.Custodies.
type CustodyView struct {
	Custody  *Custody
	Price    oracle.Price
	EMAPrice oracle.Price
}

// GetAssetsUnderManagementUSD values the whole pool: owned reserves at the
// mode-selected price, adjusted by the collective unrealised trader PnL of
// each custody that opts in. Trader losses are assets to the pool, trader
// profits liabilities capped by the locked reserves.
func (p *Pool) GetAssetsUnderManagementUSD(mode AumCalcMode, views []*CustodyView, now int64) (uint64, error) {
	var total uint64
	for _, v := range views {
		c := v.Custody

		emaPrice := v.Price
		if c.Pricing.UseEMA {
			emaPrice = v.EMAPrice
		}

		var aumPrice oracle.Price
		switch mode {
		case AumLast:
			aumPrice = v.Price
		case AumEMA:
			aumPrice = emaPrice
		case AumMin:
			aumPrice = oracle.Min(v.Price, emaPrice)
		default:
			aumPrice = oracle.Max(v.Price, emaPrice)
		}

		ownedUSD, err := aumPrice.GetAssetAmountUSD(c.Assets.Owned, c.Decimals)
		if err != nil {
			return 0, err
		}
		if total, err = fpmath.CheckedAdd(total, ownedUSD); err != nil {
			return 0, err
		}

		if !c.Pricing.UseUnrealizedPnlInAum {
			continue
		}

		if c.IsStable {
			// Stable custodies only collect borrow interest.
			for _, side := range []Side{SideLong, SideShort} {
				pos := c.GetCollectivePosition(side)
				interestUSD, err := c.GetInterestAmountUSD(&pos, now)
				if err != nil {
					return 0, err
				}
				if total, err = fpmath.CheckedAdd(total, interestUSD); err != nil {
					return 0, err
				}
			}
			continue
		}

		for _, side := range []Side{SideLong, SideShort} {
			pos := c.GetCollectivePosition(side)
			profitUSD, lossUSD, _, err := p.GetPnLUSD(
				&pos, v.Price, emaPrice, c, v.Price, emaPrice, c, now, false)
			if err != nil {
				return 0, err
			}
			if total, err = fpmath.CheckedAdd(total, lossUSD); err != nil {
				return 0, err
			}
			if profitUSD < total {
				total -= profitUSD
			} else {
				total = 0
			}
		}
	}
	return total, nil
}
