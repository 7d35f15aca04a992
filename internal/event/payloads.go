package event

// Event-specific payloads, JSON-encoded into Envelope.Payload.

type LiquidityAdded struct {
	Pool      string `json:"pool"`
	Custody   string `json:"custody"`
	Owner     string `json:"owner"`
	AmountIn  uint64 `json:"amount_in"`
	LPMinted  uint64 `json:"lp_minted"`
	FeeAmount uint64 `json:"fee_amount"`
	AumUSD    uint64 `json:"aum_usd"`
}

type LiquidityRemoved struct {
	Pool      string `json:"pool"`
	Custody   string `json:"custody"`
	Owner     string `json:"owner"`
	LPBurned  uint64 `json:"lp_burned"`
	AmountOut uint64 `json:"amount_out"`
	FeeAmount uint64 `json:"fee_amount"`
	AumUSD    uint64 `json:"aum_usd"`
}

type Swapped struct {
	Pool       string `json:"pool"`
	CustodyIn  string `json:"custody_in"`
	CustodyOut string `json:"custody_out"`
	Owner      string `json:"owner"`
	AmountIn   uint64 `json:"amount_in"`
	AmountOut  uint64 `json:"amount_out"`
	FeeIn      uint64 `json:"fee_in"`
	FeeOut     uint64 `json:"fee_out"`
}

type PositionOpened struct {
	PositionKey   string `json:"position_key"`
	Pool          string `json:"pool"`
	Custody       string `json:"custody"`
	Owner         string `json:"owner"`
	Side          string `json:"side"`
	EntryPrice    uint64 `json:"entry_price"`
	SizeUSD       uint64 `json:"size_usd"`
	CollateralUSD uint64 `json:"collateral_usd"`
	FeeAmount     uint64 `json:"fee_amount"`
}

type CollateralChanged struct {
	PositionKey   string `json:"position_key"`
	Owner         string `json:"owner"`
	DeltaUSD      uint64 `json:"delta_usd"`
	CollateralUSD uint64 `json:"collateral_usd"`
}

type PositionClosed struct {
	PositionKey string `json:"position_key"`
	Owner       string `json:"owner"`
	ExitPrice   uint64 `json:"exit_price"`
	PayoutOut   uint64 `json:"payout_out"`
	ProfitUSD   uint64 `json:"profit_usd"`
	LossUSD     uint64 `json:"loss_usd"`
	FeeAmount   uint64 `json:"fee_amount"`
}

type PositionLiquidated struct {
	PositionKey string `json:"position_key"`
	Owner       string `json:"owner"`
	Liquidator  string `json:"liquidator"`
	Reward      uint64 `json:"reward"`
	PayoutOut   uint64 `json:"payout_out"`
	LossUSD     uint64 `json:"loss_usd"`
}

type OraclePriceSet struct {
	Custody     string `json:"custody"`
	Price       uint64 `json:"price"`
	Expo        int32  `json:"expo"`
	EMA         uint64 `json:"ema"`
	PublishTime int64  `json:"publish_time"`
}

type AdminActionExecuted struct {
	Action string `json:"action"`
	Pool   string `json:"pool,omitempty"`
}
