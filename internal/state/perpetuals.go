// Package state holds the persistent records of the settlement core and the
// pricing, fee, PnL and risk math that operates on them. All returned prices
// are scaled to the canonical price exponent; all returned amounts are scaled
// to the corresponding custody decimals.
package state

// Permission bits, one capability per operation. The effective capability of
// an operation is the AND of the global and per-custody bitsets.
const (
	PermSwap uint8 = 1 << iota
	PermAddLiquidity
	PermRemoveLiquidity
	PermOpenPosition
	PermClosePosition
	PermPnlWithdrawal
	PermCollateralWithdrawal
	PermSizeChange
)

// Permissions gates each operation at the global or custody level.
type Permissions struct {
	AllowSwap                 bool
	AllowAddLiquidity         bool
	AllowRemoveLiquidity      bool
	AllowOpenPosition         bool
	AllowClosePosition        bool
	AllowPnlWithdrawal        bool
	AllowCollateralWithdrawal bool
	AllowSizeChange           bool
}

// AllPermissions returns a fully-open bitset.
func AllPermissions() Permissions {
	return PermissionsFromBits(0xFF)
}

// Bits packs the permissions into the wire bitset.
func (p Permissions) Bits() uint8 {
	var b uint8
	if p.AllowSwap {
		b |= PermSwap
	}
	if p.AllowAddLiquidity {
		b |= PermAddLiquidity
	}
	if p.AllowRemoveLiquidity {
		b |= PermRemoveLiquidity
	}
	if p.AllowOpenPosition {
		b |= PermOpenPosition
	}
	if p.AllowClosePosition {
		b |= PermClosePosition
	}
	if p.AllowPnlWithdrawal {
		b |= PermPnlWithdrawal
	}
	if p.AllowCollateralWithdrawal {
		b |= PermCollateralWithdrawal
	}
	if p.AllowSizeChange {
		b |= PermSizeChange
	}
	return b
}

// PermissionsFromBits unpacks the wire bitset.
func PermissionsFromBits(b uint8) Permissions {
	return Permissions{
		AllowSwap:                 b&PermSwap != 0,
		AllowAddLiquidity:         b&PermAddLiquidity != 0,
		AllowRemoveLiquidity:      b&PermRemoveLiquidity != 0,
		AllowOpenPosition:         b&PermOpenPosition != 0,
		AllowClosePosition:        b&PermClosePosition != 0,
		AllowPnlWithdrawal:        b&PermPnlWithdrawal != 0,
		AllowCollateralWithdrawal: b&PermCollateralWithdrawal != 0,
		AllowSizeChange:           b&PermSizeChange != 0,
	}
}

// And returns the effective capability of two permission sets.
func (p Permissions) And(other Permissions) Permissions {
	return PermissionsFromBits(p.Bits() & other.Bits())
}

// Perpetuals is the global record: top-level permissions and the pool set.
type Perpetuals struct {
	Permissions   Permissions
	Pools         []string
	InceptionTime int64

	// AllowTestOracle enables the test oracle type and the settable clock.
	// Production deployments keep it off; flipping it there is rejected.
	AllowTestOracle bool

	// TestTime overrides command timestamps when AllowTestOracle is set.
	// Zero means the override is off.
	TestTime int64
}

// Validate checks structural consistency.
func (p *Perpetuals) Validate() bool {
	seen := make(map[string]struct{}, len(p.Pools))
	for _, name := range p.Pools {
		if name == "" {
			return false
		}
		if _, dup := seen[name]; dup {
			return false
		}
		seen[name] = struct{}{}
	}
	return true
}

// Query result shapes returned by the read-only commands.

type PriceAndFee struct {
	Price uint64 `json:"price"`
	Fee   uint64 `json:"fee"`
}

type AmountAndFee struct {
	Amount uint64 `json:"amount"`
	Fee    uint64 `json:"fee"`
}

type NewPositionPricesAndFee struct {
	EntryPrice       uint64 `json:"entry_price"`
	LiquidationPrice uint64 `json:"liquidation_price"`
	Fee              uint64 `json:"fee"`
}

type SwapAmountAndFees struct {
	AmountOut uint64 `json:"amount_out"`
	FeeIn     uint64 `json:"fee_in"`
	FeeOut    uint64 `json:"fee_out"`
}

type ProfitAndLoss struct {
	Profit uint64 `json:"profit"`
	Loss   uint64 `json:"loss"`
}
