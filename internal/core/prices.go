package core

import (
	"perpcore/internal/oracle"
	"perpcore/internal/state"
	"perpcore/internal/store"
)

// custodyPrices loads the validated spot price and the custody-selected
// smoothed price. With UseEMA off both are the spot price, so downstream
// min/max picks collapse to it.
func custodyPrices(tx *store.Tx, c *state.Custody, now int64) (spot, ema oracle.Price, err error) {
	rec, err := tx.GetOracle(c.Oracle.OracleKey)
	if err != nil {
		return oracle.Price{}, oracle.Price{}, err
	}
	spot, err = oracle.GetPrice(rec, &c.Oracle, now, false)
	if err != nil {
		return oracle.Price{}, oracle.Price{}, err
	}
	ema, err = oracle.GetPrice(rec, &c.Oracle, now, c.Pricing.UseEMA)
	if err != nil {
		return oracle.Price{}, oracle.Price{}, err
	}
	return spot, ema, nil
}

// poolViews loads every custody of the pool with its validated prices, in pool
// order, reading through the transaction so pending writes are visible.
func poolViews(tx *store.Tx, pool *state.Pool, now int64) ([]*state.CustodyView, error) {
	views := make([]*state.CustodyView, 0, len(pool.Custodies))
	for _, key := range pool.Custodies {
		c, err := tx.GetCustody(key)
		if err != nil {
			return nil, err
		}
		rec, err := tx.GetOracle(c.Oracle.OracleKey)
		if err != nil {
			return nil, err
		}
		spot, err := oracle.GetPrice(rec, &c.Oracle, now, false)
		if err != nil {
			return nil, err
		}
		emaPrice := spot
		if c.Pricing.UseEMA {
			if emaPrice, err = oracle.GetPrice(rec, &c.Oracle, now, true); err != nil {
				return nil, err
			}
		}
		views = append(views, &state.CustodyView{Custody: c, Price: spot, EMAPrice: emaPrice})
	}
	return views, nil
}

// poolAum values the pool in the given mode at current prices.
func poolAum(tx *store.Tx, pool *state.Pool, mode state.AumCalcMode, now int64) (uint64, error) {
	views, err := poolViews(tx, pool, now)
	if err != nil {
		return 0, err
	}
	return pool.GetAssetsUnderManagementUSD(mode, views, now)
}

// refreshPoolAum recomputes the cached smoothed valuation at the end of a
// mutating command and writes the pool back.
func (e *Engine) refreshPoolAum(tx *store.Tx, pool *state.Pool, now int64) error {
	aum, err := poolAum(tx, pool, state.AumEMA, now)
	if err != nil {
		return err
	}
	pool.AumUSD = aum
	tx.PutPool(pool)
	e.metrics.SetPoolAum(pool.Name, aum)
	return nil
}
