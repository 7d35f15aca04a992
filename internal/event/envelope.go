package event

// Type discriminates committed-command events.
type Type int32

const (
	TypeUnknown Type = iota
	TypeLiquidityAdded
	TypeLiquidityRemoved
	TypeSwapped
	TypePositionOpened
	TypeCollateralAdded
	TypeCollateralRemoved
	TypePositionClosed
	TypePositionLiquidated
	TypeOraclePriceSet
	TypeAdminActionExecuted
)

// Envelope wraps every committed command in the event log.
type Envelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	// Command id from the submitter, stable across retries
	CommandID string

	// Event type discriminator
	EventType Type

	// Pool context (empty for global admin events)
	Pool string

	// Submitting principal
	Caller string

	// Versioned input timestamp in unix seconds (NOT wall-clock)
	Timestamp int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

func (t Type) String() string {
	switch t {
	case TypeLiquidityAdded:
		return "LiquidityAdded"
	case TypeLiquidityRemoved:
		return "LiquidityRemoved"
	case TypeSwapped:
		return "Swapped"
	case TypePositionOpened:
		return "PositionOpened"
	case TypeCollateralAdded:
		return "CollateralAdded"
	case TypeCollateralRemoved:
		return "CollateralRemoved"
	case TypePositionClosed:
		return "PositionClosed"
	case TypePositionLiquidated:
		return "PositionLiquidated"
	case TypeOraclePriceSet:
		return "OraclePriceSet"
	case TypeAdminActionExecuted:
		return "AdminActionExecuted"
	default:
		return "Unknown"
	}
}
