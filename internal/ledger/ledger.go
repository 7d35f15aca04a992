// Package ledger tracks token balances outside the settlement core: trader
// wallets, the custody vaults of the transfer authority, and LP token supply.
// Every command's transfers form one double-entry batch applied atomically
// after the core's bookkeeping has succeeded.
package ledger

import (
	"fmt"

	fpmath "perpcore/internal/math"
	"perpcore/internal/perperr"
)

// TokenLedger maintains in-memory token balances and mint supplies.
type TokenLedger struct {
	balances map[AccountKey]uint64
	supply   map[string]uint64
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{
		balances: make(map[AccountKey]uint64),
		supply:   make(map[string]uint64),
	}
}

// Balance returns the current balance of an account.
func (l *TokenLedger) Balance(key AccountKey) uint64 {
	return l.balances[key]
}

// Supply returns the circulating supply of a mint. LP supply drives the LP
// token price.
func (l *TokenLedger) Supply(mint string) uint64 {
	return l.supply[mint]
}

// Fund credits tokens arriving from outside the system, e.g. a deposit into a
// trader wallet.
func (l *TokenLedger) Fund(key AccountKey, amount uint64) error {
	if key.Scope == AccountScopeSupply {
		return fmt.Errorf("cannot fund supply account %s", key.AccountPath())
	}
	bal, err := fpmath.CheckedAdd(l.balances[key], amount)
	if err != nil {
		return err
	}
	l.balances[key] = bal
	return nil
}

// AddMint appends an issuance leg: amount is created into the debit account
// and the mint's supply grows.
func (b *Batch) AddMint(to AccountKey, mint string, amount uint64, jt JournalType) {
	b.Add(to, supplyAccount(mint), mint, amount, jt)
}

// AddBurn appends a retirement leg: amount is destroyed from the credit
// account and the mint's supply shrinks.
func (b *Batch) AddBurn(from AccountKey, mint string, amount uint64, jt JournalType) {
	b.Add(supplyAccount(mint), from, mint, amount, jt)
}

// ApplyBatch applies all legs of a batch or none. Debits from regular
// accounts require sufficient balance; burns require sufficient supply.
func (l *TokenLedger) ApplyBatch(b *Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	staged := make(map[AccountKey]uint64)
	stagedSupply := make(map[string]uint64)
	balance := func(k AccountKey) uint64 {
		if v, ok := staged[k]; ok {
			return v
		}
		return l.balances[k]
	}
	supply := func(mint string) uint64 {
		if v, ok := stagedSupply[mint]; ok {
			return v
		}
		return l.supply[mint]
	}

	for _, j := range b.Journals {
		// Credit side: funds leave the account, or supply grows on a mint.
		if j.CreditAccount.Scope == AccountScopeSupply {
			s, err := fpmath.CheckedAdd(supply(j.Mint), j.Amount)
			if err != nil {
				return err
			}
			stagedSupply[j.Mint] = s
		} else {
			bal := balance(j.CreditAccount)
			if bal < j.Amount {
				return fmt.Errorf("%s: %w", j.CreditAccount.AccountPath(), perperr.ErrInsufficientFunds)
			}
			staged[j.CreditAccount] = bal - j.Amount
		}

		// Debit side: funds enter the account, or supply shrinks on a burn.
		if j.DebitAccount.Scope == AccountScopeSupply {
			s := supply(j.Mint)
			if s < j.Amount {
				return fmt.Errorf("burn exceeds supply of %s: %w", j.Mint, perperr.ErrInsufficientFunds)
			}
			stagedSupply[j.Mint] = s - j.Amount
		} else {
			bal, err := fpmath.CheckedAdd(balance(j.DebitAccount), j.Amount)
			if err != nil {
				return err
			}
			staged[j.DebitAccount] = bal
		}
	}

	for k, v := range staged {
		l.balances[k] = v
	}
	for m, v := range stagedSupply {
		l.supply[m] = v
	}
	return nil
}

// Snapshot copies all balances and supplies for state hashing and snapshots.
func (l *TokenLedger) Snapshot() (map[AccountKey]uint64, map[string]uint64) {
	balances := make(map[AccountKey]uint64, len(l.balances))
	for k, v := range l.balances {
		balances[k] = v
	}
	supply := make(map[string]uint64, len(l.supply))
	for m, v := range l.supply {
		supply[m] = v
	}
	return balances, supply
}

// RestoreSnapshot replaces the ledger content with a snapshot.
func (l *TokenLedger) RestoreSnapshot(balances map[AccountKey]uint64, supply map[string]uint64) {
	l.balances = make(map[AccountKey]uint64, len(balances))
	for k, v := range balances {
		l.balances[k] = v
	}
	l.supply = make(map[string]uint64, len(supply))
	for m, v := range supply {
		l.supply[m] = v
	}
}
