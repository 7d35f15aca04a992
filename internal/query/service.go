// Package query serves read-only API requests from the Postgres projections.
// Every response carries as_of_sequence so callers can reason about freshness
// relative to the command stream.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"perpcore/internal/ledger"
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetBalance returns one wallet balance for an owner and mint.
func (s *Service) GetBalance(ctx context.Context, owner, mint string) (*BalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	account := ledger.UserAccount(owner, mint).AccountPath()
	var balance int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account = $1 AND mint = $2
	`, account, mint).Scan(&balance)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account,
		Mint:         mint,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// ListBalances returns all nonzero balances held by an owner.
func (s *Service) ListBalances(ctx context.Context, owner string) ([]BalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	prefix := "user:" + owner + ":%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, mint, balance FROM projections.balances
		WHERE account LIKE $1 AND balance != 0
		ORDER BY mint
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&b.Account, &b.Mint, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ListPositions returns the open positions of an owner.
func (s *Service) ListPositions(ctx context.Context, owner string) ([]PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position_key, pool, custody, side, price,
		       size_usd, collateral_usd, opened_at, updated_at
		FROM projections.positions
		WHERE owner = $1
		ORDER BY opened_at
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{Owner: owner, AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&p.PositionKey, &p.Pool, &p.Custody, &p.Side, &p.Price,
			&p.SizeUSD, &p.CollateralUSD, &p.OpenedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPoolHistory returns recent AUM observations for a pool, newest first.
// Cursor pagination: pass the last sequence seen to fetch the next page.
func (s *Service) GetPoolHistory(
	ctx context.Context,
	pool string,
	limit int,
	beforeSequence *int64,
) ([]PoolHistoryResponse, error) {
	q := `
		SELECT sequence, aum_usd, event_type, timestamp
		FROM projections.pool_history
		WHERE pool = $1
	`
	args := []any{pool}
	if beforeSequence != nil {
		q += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	q += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []PoolHistoryResponse
	for rows.Next() {
		h := PoolHistoryResponse{Pool: pool}
		if err := rows.Scan(&h.Sequence, &h.AumUSD, &h.EventType, &h.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetJournalHistory returns the transfer legs touching an owner's wallets,
// newest first, with cursor pagination on sequence.
func (s *Service) GetJournalHistory(
	ctx context.Context,
	owner string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	prefix := "user:" + owner + ":%"

	q := `
		SELECT journal_id, batch_id, sequence,
		       debit_account, credit_account, mint, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{prefix}
	if beforeSequence != nil {
		q += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	q += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Mint, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks the event hash chain and the per-mint zero-sum
// property of the balance projections.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal leg debits and credits the same amount, so per-mint
	// balances must net to zero once the supply account is included.
	mintRows, err := s.db.QueryContext(ctx, `
		SELECT mint, SUM(balance)
		FROM projections.balances
		GROUP BY mint
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer mintRows.Close()

	for mintRows.Next() {
		var u UnbalancedMint
		if err := mintRows.Scan(&u.Mint, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedMints = append(report.UnbalancedMints, u)
	}
	if err := mintRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedMints) == 0
	return report, nil
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
