package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/core"
	"perpcore/internal/observability"
)

// Worker drains the persist channel and batch-writes the event log. The core
// sends on this channel with a blocking send: if the worker falls behind, the
// core stalls rather than losing a committed command.
type Worker struct {
	writer       *EventLogWriter
	db           *sql.DB
	input        <-chan *core.Output
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	input <-chan *core.Output,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &Worker{
		writer:       NewEventLogWriter(db),
		db:           db,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run batches incoming outputs and flushes on batch-full or timeout. Blocks
// until the context is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, w.batchSize)
	journals := make([]JournalRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	drain := func(flushCtx context.Context) {
		if len(events) == 0 {
			return
		}
		if err := w.flushWithRetry(flushCtx, events, journals); err != nil {
			w.logger.Error().Err(err).Int("events", len(events)).Msg("flush failed")
		}
		events = events[:0]
		journals = journals[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Pull whatever is still buffered, then flush outside the
			// cancelled context so the tail is not lost on graceful
			// shutdown.
			for {
				select {
				case out, ok := <-w.input:
					if !ok {
						drain(context.Background())
						return ctx.Err()
					}
					ev, js := RowsFromOutput(out)
					events = append(events, ev)
					journals = append(journals, js...)
					continue
				default:
				}
				break
			}
			drain(context.Background())
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				drain(context.Background())
				return nil
			}
			ev, js := RowsFromOutput(out)
			events = append(events, ev)
			journals = append(journals, js...)

			if len(events) >= w.batchSize {
				drain(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			drain(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch; it keeps retrying until the write lands or shutdown forces a final
// attempt.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("retrying event log flush")
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt+1).Msg("event log flush recovered")
			}
			return nil
		}
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes events and journals in a single transaction.
func (w *Worker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		return err
	}
	if err := w.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		w.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}
