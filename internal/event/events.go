package event

import (
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

type Deposited struct {
	Caller             ledger.Address
	Receiver           ledger.Address
	PoolID             uint16
	AssetAmount        *uint256.Int
	ReceiptTokenAmount *uint256.Int
}

func (e *Deposited) EventType() EventType { return EventTypeDeposited }

type RedemptionPending struct {
	Caller             ledger.Address
	Receiver           ledger.Address
	Owner              ledger.Address
	PoolID             uint16
	ReceiptTokenAmount *uint256.Int
	AssetAmount        *uint256.Int
	RedemptionID       uint64
}

func (e *RedemptionPending) EventType() EventType { return EventTypeRedemptionPending }

// Redeemed is emitted on settlement, instant or queued. AssetAmount is what
// the receiver was paid.
type Redeemed struct {
	Caller             ledger.Address
	Receiver           ledger.Address
	Owner              ledger.Address
	PoolID             uint16
	ReceiptTokenAmount *uint256.Int
	AssetAmount        *uint256.Int
	RedemptionID       uint64
}

func (e *Redeemed) EventType() EventType { return EventTypeRedeemed }

type Slashed struct {
	PayoutHandler ledger.Address
	Receiver      ledger.Address
	PoolID        uint16
	Amount        *uint256.Int // paid to Receiver
	// PendingRedemptionsAmount is what queued redemptions lost to the slash.
	PendingRedemptionsAmount *uint256.Int
}

func (e *Slashed) EventType() EventType { return EventTypeSlashed }

type ClaimedFees struct {
	PoolID    uint16
	Asset     ledger.Asset
	FeeAmount *uint256.Int
	Receiver  ledger.Address
}

func (e *ClaimedFees) EventType() EventType { return EventTypeClaimedFees }

type FeesDripped struct {
	PoolID uint16
	Amount *uint256.Int
}

func (e *FeesDripped) EventType() EventType { return EventTypeFeesDripped }

type Triggered struct {
	Trigger       ledger.Address
	PayoutHandler ledger.Address
}

func (e *Triggered) EventType() EventType { return EventTypeTriggered }

type SafetyModuleStateUpdated struct {
	State state.SafetyModuleState
}

func (e *SafetyModuleStateUpdated) EventType() EventType { return EventTypeSafetyModuleStateUpdated }

type ConfigUpdatesQueued struct {
	ConfigHash   [32]byte
	ActiveTime   uint64
	DeadlineTime uint64
}

func (e *ConfigUpdatesQueued) EventType() EventType { return EventTypeConfigUpdatesQueued }

type ConfigUpdatesFinalized struct {
	ConfigHash [32]byte
}

func (e *ConfigUpdatesFinalized) EventType() EventType { return EventTypeConfigUpdatesFinalized }
