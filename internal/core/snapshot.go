package core

import (
	"encoding/base64"

	"perpcore/internal/ledger"
)

// Snapshot is a full copy of core state at a committed sequence. Record values
// are base64 so the snapshot marshals cleanly to JSON.
type Snapshot struct {
	Sequence  int64             `json:"sequence"`
	StateHash []byte            `json:"state_hash"`
	Records   map[string]string `json:"records"`
	Balances  map[string]uint64 `json:"balances"`
	Supply    map[string]uint64 `json:"supply"`
}

// Snapshot captures the current state. The caller must not run commands
// concurrently.
func (e *Engine) Snapshot() *Snapshot {
	tip := e.hasher.GetPrevHash()
	records := make(map[string]string)
	for k, v := range e.store.Export() {
		records[k] = base64.StdEncoding.EncodeToString(v)
	}
	balances, supply := e.ledger.Snapshot()
	flat := make(map[string]uint64, len(balances))
	for k, v := range balances {
		flat[k.AccountPath()] = v
	}
	return &Snapshot{
		Sequence:  e.sequence,
		StateHash: tip[:],
		Records:   records,
		Balances:  flat,
		Supply:    supply,
	}
}

// Restore replaces all state from a snapshot. Used at startup before any
// command is accepted.
func (e *Engine) Restore(s *Snapshot) error {
	records := make(map[string][]byte, len(s.Records))
	for k, v := range s.Records {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return err
		}
		records[k] = raw
	}
	balances := make(map[ledger.AccountKey]uint64, len(s.Balances))
	for path, v := range s.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return err
		}
		balances[key] = v
	}
	e.store.Reset(records)
	e.ledger.RestoreSnapshot(balances, s.Supply)
	e.sequence = s.Sequence

	var tip [32]byte
	copy(tip[:], s.StateHash)
	e.hasher.Restore(tip)
	return nil
}
