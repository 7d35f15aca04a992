package persistence

import (
	"testing"

	"perpcore/internal/core"
	"perpcore/internal/event"
	"perpcore/internal/ledger"
)

func TestRowsFromOutput(t *testing.T) {
	batch := ledger.NewBatch("cmd-77", 1_700_000_100)
	batch.Add(
		ledger.CustodyAccount("custody:main:USDC", "USDC"),
		ledger.UserAccount("alice", "USDC"),
		"USDC", 5_000_000, ledger.JournalTypeDeposit,
	)
	batch.Add(
		ledger.UserAccount("alice", "USDC"),
		ledger.CustodyAccount("custody:main:USDC", "USDC"),
		"USDC", 0, ledger.JournalTypeFee,
	)

	var stateHash, prevHash [32]byte
	stateHash[0] = 0xaa
	prevHash[0] = 0xbb

	out := &core.Output{
		Envelope: &event.Envelope{
			Sequence:  42,
			CommandID: "cmd-77",
			EventType: event.TypeLiquidityAdded,
			Pool:      "main",
			Caller:    "alice",
			Timestamp: 1_700_000_100,
			Payload:   []byte(`{"pool":"main"}`),
			StateHash: stateHash,
			PrevHash:  prevHash,
		},
		Batch: batch,
	}

	ev, journals := RowsFromOutput(out)

	if ev.Sequence != 42 {
		t.Fatalf("sequence = %d, want 42", ev.Sequence)
	}
	if ev.EventType != "LiquidityAdded" {
		t.Fatalf("event type = %q", ev.EventType)
	}
	if ev.CommandID != "cmd-77" || ev.Pool != "main" || ev.Caller != "alice" {
		t.Fatalf("identity fields = %q %q %q", ev.CommandID, ev.Pool, ev.Caller)
	}
	if ev.StateHash[0] != 0xaa || ev.PrevHash[0] != 0xbb {
		t.Fatal("hash fields not copied")
	}

	// Zero-amount legs never enter the batch, so only the transfer survives.
	if len(journals) != 1 {
		t.Fatalf("journals = %d, want 1", len(journals))
	}
	j := journals[0]
	if j.Sequence != 42 {
		t.Fatalf("journal sequence = %d, want 42", j.Sequence)
	}
	if j.DebitAccount != "custody:custody:main:USDC:USDC" {
		t.Fatalf("debit account = %q", j.DebitAccount)
	}
	if j.CreditAccount != "user:alice:USDC" {
		t.Fatalf("credit account = %q", j.CreditAccount)
	}
	if j.Amount != 5_000_000 || j.Mint != "USDC" {
		t.Fatalf("leg = %d %q", j.Amount, j.Mint)
	}
	if j.JournalID == "" || j.BatchID == "" {
		t.Fatal("journal ids not rendered")
	}
}

func TestRowsFromOutputNoBatch(t *testing.T) {
	out := &core.Output{
		Envelope: &event.Envelope{
			Sequence:  7,
			EventType: event.TypeAdminActionExecuted,
			CommandID: "cmd-1",
			Payload:   []byte(`{}`),
		},
	}

	ev, journals := RowsFromOutput(out)
	if ev.Sequence != 7 {
		t.Fatalf("sequence = %d, want 7", ev.Sequence)
	}
	if len(journals) != 0 {
		t.Fatalf("journals = %d, want 0", len(journals))
	}
}
