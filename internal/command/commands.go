package command

import (
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

func pool(id uint16) *uint16 { return &id }

type Deposit struct {
	Header
	From     ledger.Address
	PoolID   uint16
	Amount   *uint256.Int
	Receiver ledger.Address
}

func (c *Deposit) CommandType() Type    { return TypeDeposit }
func (c *Deposit) ReservePool() *uint16 { return pool(c.PoolID) }

// DepositWithoutTransfer credits assets already sent to custody.
type DepositWithoutTransfer struct {
	Header
	Caller   ledger.Address
	PoolID   uint16
	Amount   *uint256.Int
	Receiver ledger.Address
}

func (c *DepositWithoutTransfer) CommandType() Type    { return TypeDepositWithoutTransfer }
func (c *DepositWithoutTransfer) ReservePool() *uint16 { return pool(c.PoolID) }

type Redeem struct {
	Header
	Caller             ledger.Address
	PoolID             uint16
	ReceiptTokenAmount *uint256.Int
	Receiver           ledger.Address
	Owner              ledger.Address
}

func (c *Redeem) CommandType() Type    { return TypeRedeem }
func (c *Redeem) ReservePool() *uint16 { return pool(c.PoolID) }

type CompleteRedemption struct {
	Header
	RedemptionID uint64
}

func (c *CompleteRedemption) CommandType() Type    { return TypeCompleteRedemption }
func (c *CompleteRedemption) ReservePool() *uint16 { return nil }

type Slash struct {
	Header
	Caller       ledger.Address
	Instructions []state.SlashInstruction
	Receiver     ledger.Address
}

func (c *Slash) CommandType() Type    { return TypeSlash }
func (c *Slash) ReservePool() *uint16 { return nil }

type Trigger struct {
	Header
	Trigger ledger.Address
}

func (c *Trigger) CommandType() Type    { return TypeTrigger }
func (c *Trigger) ReservePool() *uint16 { return nil }

type Pause struct {
	Header
	Caller ledger.Address
}

func (c *Pause) CommandType() Type    { return TypePause }
func (c *Pause) ReservePool() *uint16 { return nil }

type Unpause struct {
	Header
	Caller ledger.Address
}

func (c *Unpause) CommandType() Type    { return TypeUnpause }
func (c *Unpause) ReservePool() *uint16 { return nil }

type ClaimFees struct {
	Header
	Caller   ledger.Address
	Receiver ledger.Address
}

func (c *ClaimFees) CommandType() Type    { return TypeClaimFees }
func (c *ClaimFees) ReservePool() *uint16 { return nil }

// DripFees drips one pool when PoolID is set, else every pool.
type DripFees struct {
	Header
	PoolID *uint16
}

func (c *DripFees) CommandType() Type    { return TypeDripFees }
func (c *DripFees) ReservePool() *uint16 { return c.PoolID }

type UpdateConfigs struct {
	Header
	Caller ledger.Address
	Update state.ConfigUpdate
}

func (c *UpdateConfigs) CommandType() Type    { return TypeUpdateConfigs }
func (c *UpdateConfigs) ReservePool() *uint16 { return nil }

type FinalizeConfigs struct {
	Header
	Update state.ConfigUpdate
}

func (c *FinalizeConfigs) CommandType() Type    { return TypeFinalizeConfigs }
func (c *FinalizeConfigs) ReservePool() *uint16 { return nil }
