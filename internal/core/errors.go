package core

import (
	"errors"
	"fmt"

	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidState              = errors.New("invalid safety module state")
	ErrInvalidDripFactor         = errors.New("drip factor exceeds WAD")
	ErrRoundsToZero              = errors.New("amount rounds to zero")
	ErrDelayNotElapsed           = errors.New("redemption delay not elapsed")
	ErrRedemptionNotFound        = errors.New("redemption not found")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrInvalidAddress            = errors.New("invalid address")
	ErrInvalidTrigger            = errors.New("invalid trigger")
	ErrExceedsMaxSlashPercentage = errors.New("slash exceeds max slash percentage")
	ErrAlreadySlashed            = errors.New("reserve pool already slashed in this batch")
	ErrInvalidConfiguration      = state.ErrInvalidConfiguration
	ErrUnknownReservePool        = ledger.ErrUnknownReservePool
	ErrNoQueuedConfigUpdate      = errors.New("config update not queued")
	ErrConfigUpdateWindow        = errors.New("config update outside its finalization window")
	ErrInsufficientAssets        = errors.New("custody holds fewer assets than required")
)

// ExceedsMaxSlashPercentageError reports the percentage (ZOC-scaled, rounded
// up) the rejected instruction would have needed.
type ExceedsMaxSlashPercentageError struct {
	PoolID             uint16
	RequiredPercentage *uint256.Int
}

func (e *ExceedsMaxSlashPercentageError) Error() string {
	return fmt.Sprintf("reserve pool %d: slash needs %s/10000 of deposits", e.PoolID, e.RequiredPercentage.Dec())
}

func (e *ExceedsMaxSlashPercentageError) Is(target error) bool {
	return target == ErrExceedsMaxSlashPercentage
}

type AlreadySlashedError struct {
	PoolID uint16
}

func (e *AlreadySlashedError) Error() string {
	return fmt.Sprintf("reserve pool %d already slashed in this batch", e.PoolID)
}

func (e *AlreadySlashedError) Is(target error) bool {
	return target == ErrAlreadySlashed
}
