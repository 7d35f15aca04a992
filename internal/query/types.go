package query

import "github.com/shopspring/decimal"

// BalanceResponse is one account balance from the projections.
type BalanceResponse struct {
	Account      string `json:"account"`
	Mint         string `json:"mint"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PositionResponse is one open position from the projections.
type PositionResponse struct {
	PositionKey   string          `json:"position_key"`
	Owner         string          `json:"owner"`
	Pool          string          `json:"pool"`
	Custody       string          `json:"custody"`
	Side          string          `json:"side"`
	Price         int64           `json:"price"`
	SizeUSD       decimal.Decimal `json:"size_usd"`
	CollateralUSD decimal.Decimal `json:"collateral_usd"`
	OpenedAt      int64           `json:"opened_at"`
	UpdatedAt     int64           `json:"updated_at"`
	AsOfSequence  int64           `json:"as_of_sequence"`
}

// PoolHistoryResponse is one AUM observation.
type PoolHistoryResponse struct {
	Pool      string          `json:"pool"`
	Sequence  int64           `json:"sequence"`
	AumUSD    decimal.Decimal `json:"aum_usd"`
	EventType string          `json:"event_type"`
	Timestamp int64           `json:"timestamp"`
}

// JournalHistoryEntry is one transfer leg from the event log.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Mint          string `json:"mint"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification pass.
type IntegrityReport struct {
	IsHealthy       bool             `json:"is_healthy"`
	HashChainBreaks []int64          `json:"hash_chain_breaks,omitempty"`
	UnbalancedMints []UnbalancedMint `json:"unbalanced_mints,omitempty"`
}

// UnbalancedMint is a mint whose balances do not sum to zero. The supply
// account carries the negated circulating supply, so a healthy mint always
// nets to zero.
type UnbalancedMint struct {
	Mint      string `json:"mint"`
	Imbalance int64  `json:"imbalance"`
}
