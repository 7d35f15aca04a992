package projection

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"perpcore/internal/event"
)

// PoolHistoryRow is one AUM observation, recorded whenever liquidity moves.
type PoolHistoryRow struct {
	Pool      string
	Sequence  int64
	AumUSD    decimal.Decimal
	EventType string
	Timestamp int64
}

func insertPoolHistory(ctx context.Context, tx *sql.Tx, env *event.Envelope, pool string, aumUSD uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_history (pool, sequence, aum_usd, event_type, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool, sequence) DO NOTHING
	`, pool, env.Sequence, usd(aumUSD), env.EventType.String(), env.Timestamp)
	return err
}
