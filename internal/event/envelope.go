package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposited
	EventTypeRedemptionPending
	EventTypeRedeemed
	EventTypeSlashed
	EventTypeClaimedFees
	EventTypeFeesDripped
	EventTypeTriggered
	EventTypeSafetyModuleStateUpdated
	EventTypeConfigUpdatesQueued
	EventTypeConfigUpdatesFinalized
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the processor
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type that produced this entry
	CommandType string

	// Reserve pool context (nil for module-wide commands)
	PoolID *uint16

	// Command timestamp, unix seconds (NOT wall-clock)
	Timestamp uint64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous entry's state hash (chain integrity)
	PrevHash [32]byte

	// Why the module refused the command; empty when it was applied.
	// Rejected commands are logged so replay sees the same source sequences.
	Rejection string
}

// Applied reports whether the command changed state.
func (e *EventEnvelope) Applied() bool {
	return e.Rejection == ""
}

// Event is the interface all outbound event payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeRedemptionPending:
		return "RedemptionPending"
	case EventTypeRedeemed:
		return "Redeemed"
	case EventTypeSlashed:
		return "Slashed"
	case EventTypeClaimedFees:
		return "ClaimedFees"
	case EventTypeFeesDripped:
		return "FeesDripped"
	case EventTypeTriggered:
		return "Triggered"
	case EventTypeSafetyModuleStateUpdated:
		return "SafetyModuleStateUpdated"
	case EventTypeConfigUpdatesQueued:
		return "ConfigUpdatesQueued"
	case EventTypeConfigUpdatesFinalized:
		return "ConfigUpdatesFinalized"
	default:
		return "Unknown"
	}
}
