package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType labels the purpose of one transfer leg.
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeFee
	JournalTypeCollateral
	JournalTypePayout
	JournalTypeLiquidationReward
	JournalTypeLPMint
	JournalTypeLPBurn
	JournalTypeFeeWithdrawal
)

// Journal is a single double-entry transfer: Amount moves from the credit
// account to the debit account. Amounts are always positive, in the native
// decimals of the mint.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Mint          string
	Amount        uint64
	JournalType   JournalType
	Timestamp     int64
}

// Batch groups the transfer legs of one command. It is applied atomically:
// either every leg lands or none does.
type Batch struct {
	BatchID   uuid.UUID
	CommandID string
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch for one command.
func NewBatch(commandID string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		CommandID: commandID,
		Timestamp: timestamp,
	}
}

// Add appends a transfer leg. Zero-amount legs are dropped so handlers can
// emit fee legs unconditionally.
func (b *Batch) Add(debit, credit AccountKey, mint string, amount uint64, jt JournalType) {
	if amount == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		DebitAccount:  debit,
		CreditAccount: credit,
		Mint:          mint,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well formed. Each leg is a balanced transfer
// by construction, so per-mint zero-sum holds when every leg passes.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == 0 {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.Mint == "" {
			return fmt.Errorf("journal %s has no mint", j.JournalID)
		}
	}
	return nil
}
