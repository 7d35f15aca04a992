package core

import (
	"errors"

	"perpcore/internal/oracle"
	"perpcore/internal/state"
)

// ErrInvalidArgument rejects malformed command parameters before any state is
// touched.
var ErrInvalidArgument = errors.New("invalid command argument")

// ErrDuplicateCommand rejects a command id that has already been processed.
var ErrDuplicateCommand = errors.New("duplicate command")

// Kind discriminates command payloads.
type Kind int32

const (
	KindUnknown Kind = iota

	// Trading and liquidity
	KindAddLiquidity
	KindRemoveLiquidity
	KindSwap
	KindOpenPosition
	KindAddCollateral
	KindRemoveCollateral
	KindClosePosition
	KindLiquidate

	// Admin (multisig gated unless noted)
	KindInit
	KindAddPool
	KindRemovePool
	KindAddCustody
	KindRemoveCustody
	KindSetCustodyConfig
	KindSetBorrowRate
	KindSetPermissions
	KindWithdrawFees
	KindSetCustomOraclePrice
	KindSetTestTime
	// KindSetCustomOraclePricePermissionless carries its own signature and
	// bypasses the multisig.
	KindSetCustomOraclePricePermissionless

	// Read-only queries
	KindGetEntryPriceAndFee
	KindGetExitPriceAndFee
	KindGetPnL
	KindGetLiquidationPrice
	KindGetSwapAmountAndFees
	KindGetLPTokenPrice
	KindGetAddLiquidityAmountAndFee
	KindGetRemoveLiquidityAmountAndFee
	KindGetOraclePrice
	KindGetAum
)

func (k Kind) String() string {
	switch k {
	case KindAddLiquidity:
		return "add_liquidity"
	case KindRemoveLiquidity:
		return "remove_liquidity"
	case KindSwap:
		return "swap"
	case KindOpenPosition:
		return "open_position"
	case KindAddCollateral:
		return "add_collateral"
	case KindRemoveCollateral:
		return "remove_collateral"
	case KindClosePosition:
		return "close_position"
	case KindLiquidate:
		return "liquidate"
	case KindInit:
		return "init"
	case KindAddPool:
		return "add_pool"
	case KindRemovePool:
		return "remove_pool"
	case KindAddCustody:
		return "add_custody"
	case KindRemoveCustody:
		return "remove_custody"
	case KindSetCustodyConfig:
		return "set_custody_config"
	case KindSetBorrowRate:
		return "set_borrow_rate"
	case KindSetPermissions:
		return "set_permissions"
	case KindWithdrawFees:
		return "withdraw_fees"
	case KindSetCustomOraclePrice:
		return "set_custom_oracle_price"
	case KindSetCustomOraclePricePermissionless:
		return "set_custom_oracle_price_permissionless"
	case KindSetTestTime:
		return "set_test_time"
	case KindGetEntryPriceAndFee:
		return "get_entry_price_and_fee"
	case KindGetExitPriceAndFee:
		return "get_exit_price_and_fee"
	case KindGetPnL:
		return "get_pnl"
	case KindGetLiquidationPrice:
		return "get_liquidation_price"
	case KindGetSwapAmountAndFees:
		return "get_swap_amount_and_fees"
	case KindGetLPTokenPrice:
		return "get_lp_token_price"
	case KindGetAddLiquidityAmountAndFee:
		return "get_add_liquidity_amount_and_fee"
	case KindGetRemoveLiquidityAmountAndFee:
		return "get_remove_liquidity_amount_and_fee"
	case KindGetOraclePrice:
		return "get_oracle_price"
	case KindGetAum:
		return "get_aum"
	default:
		return "unknown"
	}
}

// IsQuery reports whether the command is read only.
func (k Kind) IsQuery() bool {
	return k >= KindGetEntryPriceAndFee
}

// Command is one unit of work for the engine: a tagged union of parameter
// sets, exactly one of which is set for the Kind.
type Command struct {
	// ID is the submitter's idempotency key.
	ID string `json:"id"`
	// Kind selects the operation and the parameter set.
	Kind Kind `json:"kind"`
	// Caller is the authenticated principal submitting the command.
	Caller string `json:"caller"`
	// Time is the versioned input timestamp in unix seconds.
	Time int64 `json:"time"`

	AddLiquidity     *AddLiquidityParams     `json:"add_liquidity,omitempty"`
	RemoveLiquidity  *RemoveLiquidityParams  `json:"remove_liquidity,omitempty"`
	Swap             *SwapParams             `json:"swap,omitempty"`
	OpenPosition     *OpenPositionParams     `json:"open_position,omitempty"`
	AddCollateral    *AddCollateralParams    `json:"add_collateral,omitempty"`
	RemoveCollateral *RemoveCollateralParams `json:"remove_collateral,omitempty"`
	ClosePosition    *ClosePositionParams    `json:"close_position,omitempty"`
	Liquidate        *LiquidateParams        `json:"liquidate,omitempty"`

	Init             *InitParams             `json:"init,omitempty"`
	AddPool          *AddPoolParams          `json:"add_pool,omitempty"`
	RemovePool       *RemovePoolParams       `json:"remove_pool,omitempty"`
	AddCustody       *AddCustodyParams       `json:"add_custody,omitempty"`
	RemoveCustody    *RemoveCustodyParams    `json:"remove_custody,omitempty"`
	SetCustodyConfig *SetCustodyConfigParams `json:"set_custody_config,omitempty"`
	SetBorrowRate    *SetBorrowRateParams    `json:"set_borrow_rate,omitempty"`
	SetPermissions   *SetPermissionsParams   `json:"set_permissions,omitempty"`
	WithdrawFees     *WithdrawFeesParams     `json:"withdraw_fees,omitempty"`
	SetOraclePrice   *SetOraclePriceParams   `json:"set_oracle_price,omitempty"`
	SetTestTime      *SetTestTimeParams      `json:"set_test_time,omitempty"`

	Query *QueryParams `json:"query,omitempty"`
}

type AddLiquidityParams struct {
	Pool           string `json:"pool"`
	Custody        string `json:"custody"`
	AmountIn       uint64 `json:"amount_in"`
	MinLPAmountOut uint64 `json:"min_lp_amount_out"`
}

type RemoveLiquidityParams struct {
	Pool         string `json:"pool"`
	Custody      string `json:"custody"`
	LPAmountIn   uint64 `json:"lp_amount_in"`
	MinAmountOut uint64 `json:"min_amount_out"`
}

type SwapParams struct {
	Pool              string `json:"pool"`
	ReceivingCustody  string `json:"receiving_custody"`
	DispensingCustody string `json:"dispensing_custody"`
	AmountIn          uint64 `json:"amount_in"`
	MinAmountOut      uint64 `json:"min_amount_out"`
}

type OpenPositionParams struct {
	Pool    string     `json:"pool"`
	Custody string     `json:"custody"`
	Side    state.Side `json:"side"`
	// Price is the worst acceptable entry price at the canonical exponent.
	Price      uint64 `json:"price"`
	Collateral uint64 `json:"collateral"`
	Size       uint64 `json:"size"`
}

type AddCollateralParams struct {
	Pool    string     `json:"pool"`
	Custody string     `json:"custody"`
	Side    state.Side `json:"side"`
	// Collateral is the token amount to add.
	Collateral uint64 `json:"collateral"`
}

type RemoveCollateralParams struct {
	Pool    string     `json:"pool"`
	Custody string     `json:"custody"`
	Side    state.Side `json:"side"`
	// CollateralUSD is the USD value to withdraw.
	CollateralUSD uint64 `json:"collateral_usd"`
}

type ClosePositionParams struct {
	Pool    string     `json:"pool"`
	Custody string     `json:"custody"`
	Side    state.Side `json:"side"`
	// Price is the worst acceptable exit price at the canonical exponent.
	Price uint64 `json:"price"`
}

type LiquidateParams struct {
	Pool    string     `json:"pool"`
	Custody string     `json:"custody"`
	Owner   string     `json:"owner"`
	Side    state.Side `json:"side"`
}

type InitParams struct {
	MinSignatures   uint8             `json:"min_signatures"`
	Signers         []string          `json:"signers"`
	Permissions     state.Permissions `json:"permissions"`
	AllowTestOracle bool              `json:"allow_test_oracle"`
}

type AddPoolParams struct {
	Name string `json:"name"`
}

type RemovePoolParams struct {
	Name string `json:"name"`
}

type AddCustodyParams struct {
	Pool      string `json:"pool"`
	Mint      string `json:"mint"`
	Decimals  uint8  `json:"decimals"`
	IsStable  bool   `json:"is_stable"`
	IsVirtual bool   `json:"is_virtual"`

	Oracle      oracle.Params          `json:"oracle"`
	Pricing     state.PricingParams    `json:"pricing"`
	Permissions state.Permissions      `json:"permissions"`
	Fees        state.Fees             `json:"fees"`
	BorrowRate  state.BorrowRateParams `json:"borrow_rate"`

	// Ratios is the new ratio table for the whole pool, including the
	// added custody as the last entry.
	Ratios []state.TokenRatios `json:"ratios"`
}

type RemoveCustodyParams struct {
	Pool    string `json:"pool"`
	Custody string `json:"custody"`
	// Ratios is the ratio table for the remaining custodies.
	Ratios []state.TokenRatios `json:"ratios"`
}

type SetCustodyConfigParams struct {
	Pool    string `json:"pool"`
	Custody string `json:"custody"`

	IsStable  bool `json:"is_stable"`
	IsVirtual bool `json:"is_virtual"`

	Oracle      oracle.Params          `json:"oracle"`
	Pricing     state.PricingParams    `json:"pricing"`
	Permissions state.Permissions      `json:"permissions"`
	Fees        state.Fees             `json:"fees"`
	BorrowRate  state.BorrowRateParams `json:"borrow_rate"`

	Ratios []state.TokenRatios `json:"ratios"`
}

type SetBorrowRateParams struct {
	Pool    string                 `json:"pool"`
	Custody string                 `json:"custody"`
	Params  state.BorrowRateParams `json:"params"`
}

type SetPermissionsParams struct {
	Permissions state.Permissions `json:"permissions"`
}

type WithdrawFeesParams struct {
	Pool     string `json:"pool"`
	Custody  string `json:"custody"`
	Amount   uint64 `json:"amount"`
	Receiver string `json:"receiver"`
}

// SetOraclePriceParams serves both the multisig-gated and the permissionless
// path; Message and Signature are only set on the latter.
type SetOraclePriceParams struct {
	Pool      string             `json:"pool"`
	Custody   string             `json:"custody"`
	Update    oracle.PriceUpdate `json:"update"`
	Message   []byte             `json:"message,omitempty"`
	Signature []byte             `json:"signature,omitempty"`
}

type SetTestTimeParams struct {
	Time int64 `json:"time"`
}

// QueryParams covers every read-only command; fields are used as the Kind
// requires.
type QueryParams struct {
	Pool              string     `json:"pool"`
	Custody           string     `json:"custody"`
	ReceivingCustody  string     `json:"receiving_custody,omitempty"`
	DispensingCustody string     `json:"dispensing_custody,omitempty"`
	Owner             string     `json:"owner,omitempty"`
	Side              state.Side `json:"side,omitempty"`
	Collateral        uint64     `json:"collateral,omitempty"`
	Size              uint64     `json:"size,omitempty"`
	AmountIn          uint64     `json:"amount_in,omitempty"`
	LPAmountIn        uint64     `json:"lp_amount_in,omitempty"`
	AddCollateral     uint64     `json:"add_collateral,omitempty"`
	RemoveCollateral  uint64     `json:"remove_collateral,omitempty"`
}

// Result is the reply of one executed command. Fields are set per Kind.
type Result struct {
	Sequence  int64  `json:"sequence,omitempty"`
	StateHash []byte `json:"state_hash,omitempty"`

	// Amount is the primary output: lp minted, amount out, payout, reward.
	Amount uint64 `json:"amount,omitempty"`

	// PositionKey identifies the position created by open_position.
	PositionKey string `json:"position_key,omitempty"`

	// SignaturesLeft is non-zero when an admin payload is still collecting
	// signatures; the command mutated nothing but the multisig record.
	SignaturesLeft int `json:"signatures_left,omitempty"`

	// Query holds the typed result of a read-only command.
	Query any `json:"query,omitempty"`
}
