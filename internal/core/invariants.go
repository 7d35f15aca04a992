package core

import (
	"fmt"

	"perpcore/internal/ledger"
	fpmath "perpcore/internal/math"
)

// postCheckInvariants verifies the global accounting invariants after every
// committed command. A violation is unrecoverable corruption, so it panics
// rather than returning an error the caller could swallow.
func (e *Engine) postCheckInvariants() {
	tx := e.store.Begin()
	for _, key := range e.store.Keys("custody:") {
		c, err := tx.GetCustody(key)
		if err != nil {
			panic(fmt.Sprintf("invariant check: load %s: %v", key, err))
		}

		if c.Assets.Locked > c.Assets.Owned {
			panic(fmt.Sprintf(
				"invariant violation: custody %s locked %d exceeds owned %d",
				key, c.Assets.Locked, c.Assets.Owned))
		}

		// Every token in the vault is accounted for exactly once: trader
		// collateral, the LP-owned reserve, or withdrawable protocol fees.
		expected := c.Assets.Collateral + c.Assets.Owned + c.Assets.ProtocolFees
		vault := e.ledger.Balance(ledger.CustodyAccount(key, c.Mint))
		if vault != expected {
			panic(fmt.Sprintf(
				"invariant violation: custody %s vault %d != collateral %d + owned %d + protocol fees %d",
				key, vault, c.Assets.Collateral, c.Assets.Owned, c.Assets.ProtocolFees))
		}

		if c.Pricing.MaxUtilization > 0 && c.Pricing.MaxUtilization < fpmath.BPSPower {
			if u := c.Utilization(); u > c.Pricing.MaxUtilization {
				panic(fmt.Sprintf(
					"invariant violation: custody %s utilization %d exceeds bound %d",
					key, u, c.Pricing.MaxUtilization))
			}
		}
	}
}
