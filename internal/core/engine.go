// Package core executes commands against the settlement state. One command is
// one atomic, deterministic state transition: load records, refresh borrow and
// valuation state, run the math, validate, book transfers, commit. A failure
// at any point leaves the store and the token ledger untouched.
package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/event"
	"perpcore/internal/ledger"
	"perpcore/internal/observability"
	"perpcore/internal/store"
)

// Output carries one committed command downstream: the event for the log and
// the ledger batch that was applied.
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
}

// Config wires an Engine.
type Config struct {
	Store  *store.Store
	Ledger *ledger.TokenLedger
	Logger zerolog.Logger

	// Metrics may be nil in tests.
	Metrics *observability.Metrics

	// PersistChan receives every committed command; sends block so the
	// event log can apply backpressure. ProjectionChan is best-effort and
	// drops when full. Either may be nil.
	PersistChan    chan<- *Output
	ProjectionChan chan<- *Output

	DedupCapacity int

	// DedupLookup is the optional database tier behind the in-memory LRU.
	DedupLookup DedupLookup
}

// Engine is the deterministic core. Not thread-safe: the caller serialises
// command execution.
type Engine struct {
	store   *store.Store
	ledger  *ledger.TokenLedger
	hasher  *StateHasher
	dedup   *Deduper
	logger  zerolog.Logger
	metrics *observability.Metrics

	sequence int64

	persistChan    chan<- *Output
	projectionChan chan<- *Output
	droppedOutputs int64
}

func NewEngine(cfg Config) *Engine {
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 100_000
	}
	dedup := NewDeduper(capacity)
	if cfg.DedupLookup != nil {
		dedup = dedup.WithLookup(cfg.DedupLookup)
	}
	return &Engine{
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		hasher:         NewStateHasher(),
		dedup:          dedup,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// Sequence returns the last committed sequence number.
func (e *Engine) Sequence() int64 {
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// Ledger exposes the token ledger for funding accounts and read paths.
func (e *Engine) Ledger() *ledger.TokenLedger {
	return e.ledger
}

// Store exposes the record store for read paths.
func (e *Engine) Store() *store.Store {
	return e.store
}

// execution is the per-command scratch state handlers write into.
type execution struct {
	tx    *store.Tx
	batch *ledger.Batch
	now   int64

	eventType    event.Type
	eventPool    string
	eventPayload any
}

func (x *execution) emit(t event.Type, pool string, payload any) {
	x.eventType = t
	x.eventPool = pool
	x.eventPayload = payload
}

// Execute runs one command to completion. Read-only kinds never mutate state;
// mutating kinds commit fully or not at all.
func (e *Engine) Execute(cmd *Command) (*Result, error) {
	if cmd == nil || cmd.Kind == KindUnknown {
		return nil, ErrInvalidArgument
	}
	start := time.Now()

	if cmd.Kind.IsQuery() {
		res, err := e.dispatchQuery(e.store.Begin(), cmd)
		e.metrics.RecordCommand(cmd.Kind.String(), err == nil, time.Since(start))
		return res, err
	}

	if cmd.ID == "" {
		return nil, ErrInvalidArgument
	}
	if e.dedup.IsDuplicate(cmd.Kind.String(), cmd.ID) {
		return nil, ErrDuplicateCommand
	}

	tx := e.store.Begin()
	now := e.commandTime(tx, cmd)
	x := &execution{tx: tx, batch: ledger.NewBatch(cmd.ID, now), now: now}

	res, err := e.dispatch(x, cmd)
	if err != nil {
		e.logger.Debug().
			Str("command_id", cmd.ID).
			Str("kind", cmd.Kind.String()).
			Err(err).
			Msg("command rejected")
		e.metrics.RecordCommand(cmd.Kind.String(), false, time.Since(start))
		return nil, err
	}

	if len(x.batch.Journals) > 0 {
		if err := e.ledger.ApplyBatch(x.batch); err != nil {
			e.metrics.RecordCommand(cmd.Kind.String(), false, time.Since(start))
			return nil, err
		}
	}
	tx.Commit()

	e.sequence++
	hash := e.hasher.ComputeHash(e.sequence, e.store.Digest())
	e.postCheckInvariants()

	payload, err := json.Marshal(x.eventPayload)
	if err != nil {
		// Payloads are plain structs; a marshal failure is a programming
		// error, and the state is already committed.
		panic(fmt.Sprintf("marshal event payload: %v", err))
	}
	env := &event.Envelope{
		Sequence:  e.sequence,
		CommandID: cmd.ID,
		EventType: x.eventType,
		Pool:      x.eventPool,
		Caller:    cmd.Caller,
		Timestamp: now,
		Payload:   payload,
		StateHash: hash,
		PrevHash:  env2prev(hash, e.hasher),
	}
	e.publish(&Output{Envelope: env, Batch: x.batch})

	e.dedup.MarkProcessed(cmd.Kind.String(), cmd.ID)
	e.metrics.RecordCommand(cmd.Kind.String(), true, time.Since(start))
	e.metrics.SetSequence(e.sequence)

	e.logger.Info().
		Int64("sequence", e.sequence).
		Str("command_id", cmd.ID).
		Str("kind", cmd.Kind.String()).
		Msg("command committed")

	res.Sequence = e.sequence
	res.StateHash = hash[:]
	return res, nil
}

// env2prev recovers the previous hash: ComputeHash already advanced the chain
// tip to hash, so the envelope's prev link is whatever preceded it. The hasher
// does not retain it, so we track it here.
func env2prev(cur [32]byte, h *StateHasher) [32]byte {
	// GetPrevHash now equals cur; the true previous hash was recorded by
	// the hasher before the update.
	return h.LastParent()
}

func (e *Engine) dispatch(x *execution, cmd *Command) (*Result, error) {
	switch cmd.Kind {
	case KindAddLiquidity:
		return e.handleAddLiquidity(x, cmd)
	case KindRemoveLiquidity:
		return e.handleRemoveLiquidity(x, cmd)
	case KindSwap:
		return e.handleSwap(x, cmd)
	case KindOpenPosition:
		return e.handleOpenPosition(x, cmd)
	case KindAddCollateral:
		return e.handleAddCollateral(x, cmd)
	case KindRemoveCollateral:
		return e.handleRemoveCollateral(x, cmd)
	case KindClosePosition:
		return e.handleClosePosition(x, cmd)
	case KindLiquidate:
		return e.handleLiquidate(x, cmd)
	case KindInit:
		return e.handleInit(x, cmd)
	case KindAddPool, KindRemovePool, KindAddCustody, KindRemoveCustody,
		KindSetCustodyConfig, KindSetBorrowRate, KindSetPermissions,
		KindWithdrawFees, KindSetCustomOraclePrice, KindSetTestTime:
		return e.handleAdmin(x, cmd)
	case KindSetCustomOraclePricePermissionless:
		return e.handleSetOraclePricePermissionless(x, cmd)
	default:
		return nil, ErrInvalidArgument
	}
}

// commandTime resolves the versioned timestamp of a command. In test
// deployments the stored override wins.
func (e *Engine) commandTime(tx *store.Tx, cmd *Command) int64 {
	p, err := tx.GetPerpetuals()
	if err != nil {
		// Not initialised yet; only init runs in this state.
		return cmd.Time
	}
	if p.AllowTestOracle && p.TestTime > 0 {
		return p.TestTime
	}
	return cmd.Time
}

func (e *Engine) publish(out *Output) {
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			e.droppedOutputs++
			e.logger.Warn().
				Int64("sequence", out.Envelope.Sequence).
				Int64("dropped_total", e.droppedOutputs).
				Msg("projection channel full, output dropped")
		}
	}
}
