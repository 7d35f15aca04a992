// Package projection folds committed events into Postgres read models. The
// projection channel is best effort: the core drops outputs when it is full,
// and the tables are rebuilt from the event log when they fall behind.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perpcore/internal/core"
	"perpcore/internal/event"
)

// Worker updates projection tables from the output stream.
type Worker struct {
	db     *sql.DB
	input  <-chan *core.Output
	logger zerolog.Logger
}

func NewWorker(db *sql.DB, input <-chan *core.Output, logger zerolog.Logger) *Worker {
	return &Worker{db: db, input: input, logger: logger}
}

// Run consumes outputs until the context is cancelled or the channel closes.
// A failed update is logged and skipped; the rebuild path repairs the gap.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.apply(ctx, out); err != nil {
				w.logger.Warn().
					Int64("sequence", out.Envelope.Sequence).
					Err(err).
					Msg("projection update failed")
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, out *core.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			if err := applyBalanceLeg(ctx, tx, seq,
				j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(), j.Mint, int64(j.Amount)); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := w.applyEvent(ctx, tx, out.Envelope); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyBalanceLeg mirrors the ledger transfer: the debit account receives, the
// credit account pays. Mint and burn legs touch the supply account, which the
// balances table carries like any other.
func applyBalanceLeg(ctx context.Context, tx *sql.Tx, seq int64, debit, credit, mint string, amount int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, mint, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, mint)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, debit, mint, amount, seq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, mint, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account, mint)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, credit, mint, amount, seq)
	return err
}

func (w *Worker) applyEvent(ctx context.Context, tx *sql.Tx, env *event.Envelope) error {
	switch env.EventType {
	case event.TypeLiquidityAdded:
		var p event.LiquidityAdded
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return insertPoolHistory(ctx, tx, env, p.Pool, p.AumUSD)

	case event.TypeLiquidityRemoved:
		var p event.LiquidityRemoved
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return insertPoolHistory(ctx, tx, env, p.Pool, p.AumUSD)

	case event.TypePositionOpened:
		var p event.PositionOpened
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(position_key, owner, pool, custody, side, price,
				 size_usd, collateral_usd, opened_at, updated_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)
			ON CONFLICT (position_key) DO UPDATE SET
				price = $6, size_usd = $7, collateral_usd = $8,
				updated_at = $9, last_sequence = $10
		`, p.PositionKey, p.Owner, p.Pool, p.Custody, p.Side, p.EntryPrice,
			usd(p.SizeUSD), usd(p.CollateralUSD), env.Timestamp, env.Sequence)
		return err

	case event.TypeCollateralAdded, event.TypeCollateralRemoved:
		var p event.CollateralChanged
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET collateral_usd = $2, updated_at = $3, last_sequence = $4
			WHERE position_key = $1
		`, p.PositionKey, usd(p.CollateralUSD), env.Timestamp, env.Sequence)
		return err

	case event.TypePositionClosed:
		var p event.PositionClosed
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM projections.positions WHERE position_key = $1`, p.PositionKey)
		return err

	case event.TypePositionLiquidated:
		var p event.PositionLiquidated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM projections.positions WHERE position_key = $1`, p.PositionKey)
		return err

	default:
		return nil
	}
}

// usd converts a micro-USD amount to its decimal form for NUMERIC columns.
func usd(v uint64) decimal.Decimal {
	return decimal.New(int64(v), -6)
}

// Rebuild truncates the projection tables and refolds them from the event
// log. Positions are replayed from the event stream; balances are a pure
// aggregate of the journal.
func Rebuild(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncate := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.pool_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncate {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account, mint, balance, last_sequence)
		SELECT debit_account, mint, SUM(amount), MAX(sequence)
		FROM event_log.journal
		GROUP BY debit_account, mint
	`); err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account, mint, balance, last_sequence)
		SELECT credit_account, mint, -SUM(amount), MAX(sequence)
		FROM event_log.journal
		GROUP BY credit_account, mint
		ON CONFLICT (account, mint) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`); err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
