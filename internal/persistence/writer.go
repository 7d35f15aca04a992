// Package persistence writes the event log and journal to Postgres and
// restores engine state from snapshots on startup.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"perpcore/internal/core"
)

// EventRow is one row of event_log.events: a committed command with its hash
// chain links.
type EventRow struct {
	Sequence  int64
	EventType string
	CommandID string
	Pool      string
	Caller    string
	Payload   []byte
	StateHash []byte
	PrevHash  []byte
	Timestamp int64
}

// JournalRow is one row of event_log.journal: a single double-entry transfer
// leg.
type JournalRow struct {
	JournalID     string
	BatchID       string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Mint          string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// RowsFromOutput flattens one committed command into its event and journal
// rows.
func RowsFromOutput(out *core.Output) (EventRow, []JournalRow) {
	env := out.Envelope
	ev := EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		CommandID: env.CommandID,
		Pool:      env.Pool,
		Caller:    env.Caller,
		Payload:   env.Payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: env.Timestamp,
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				Sequence:      env.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Mint:          j.Mint,
				Amount:        int64(j.Amount),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return ev, journals
}

// EventLogWriter batch-inserts events and journals. Multi-row INSERT with
// conflict skip keeps replays and retries idempotent.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch inserts events inside the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, command_id, pool, caller, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*9)
	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.CommandID, e.Pool, e.Caller,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journal legs inside the given transaction.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, sequence, debit_account, credit_account, mint, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*9)
	for i, j := range journals {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Mint, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
