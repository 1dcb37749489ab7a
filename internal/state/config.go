package state

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"

	"github.com/holiman/uint256"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

type ReservePoolConfig struct {
	Asset              ledger.Asset
	MaxSlashPercentage *uint256.Int // ZOC-scaled
}

type TriggerConfig struct {
	Trigger       ledger.Address
	PayoutHandler ledger.Address
	Exists        bool
}

// Delays are in seconds
type Delays struct {
	ConfigUpdateDelay       uint64
	ConfigUpdateGracePeriod uint64
	WithdrawDelay           uint64
}

// Validate requires config changes to take at least as long as a
// withdrawal, so depositors can always exit before a change lands.
func (d Delays) Validate() error {
	if d.ConfigUpdateDelay < d.WithdrawDelay {
		return fmt.Errorf("%w: config update delay %d below withdraw delay %d",
			ErrInvalidConfiguration, d.ConfigUpdateDelay, d.WithdrawDelay)
	}
	return nil
}

// ConfigUpdate is a full replacement configuration. Existing pools keep their
// position and asset; pools beyond the current count are created.
type ConfigUpdate struct {
	ReservePools []ReservePoolConfig
	Triggers     []TriggerConfig
	Delays       Delays
}

// Validate checks the update against the pools that already exist.
func (c *ConfigUpdate) Validate(existing []ledger.ReservePool) error {
	if len(c.ReservePools) < len(existing) {
		return fmt.Errorf("%w: %d pools configured, %d exist",
			ErrInvalidConfiguration, len(c.ReservePools), len(existing))
	}
	for i, p := range c.ReservePools {
		if p.Asset == "" {
			return fmt.Errorf("%w: pool %d has no asset", ErrInvalidConfiguration, i)
		}
		if p.MaxSlashPercentage == nil || p.MaxSlashPercentage.Gt(fpmath.ZOC) {
			return fmt.Errorf("%w: pool %d max slash percentage out of range", ErrInvalidConfiguration, i)
		}
		if i < len(existing) && existing[i].Asset != p.Asset {
			return fmt.Errorf("%w: pool %d asset %s cannot change to %s",
				ErrInvalidConfiguration, i, existing[i].Asset, p.Asset)
		}
	}
	for _, tc := range c.Triggers {
		if tc.Trigger == "" || tc.PayoutHandler == "" {
			return fmt.Errorf("%w: trigger config with empty address", ErrInvalidConfiguration)
		}
	}
	return c.Delays.Validate()
}

// Hash returns the SHA-256 of the canonical encoding of the update.
func (c *ConfigUpdate) Hash() [32]byte {
	h := sha256.New()
	var buf [8]byte

	writeString := func(s string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	writeUint := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	writeUint(uint64(len(c.ReservePools)))
	for _, p := range c.ReservePools {
		writeString(string(p.Asset))
		pct := new(uint256.Int)
		if p.MaxSlashPercentage != nil {
			pct = p.MaxSlashPercentage
		}
		b := pct.Bytes32()
		h.Write(b[:])
	}
	writeUint(uint64(len(c.Triggers)))
	for _, tc := range c.Triggers {
		writeString(string(tc.Trigger))
		writeString(string(tc.PayoutHandler))
		if tc.Exists {
			writeUint(1)
		} else {
			writeUint(0)
		}
	}
	writeUint(c.Delays.ConfigUpdateDelay)
	writeUint(c.Delays.ConfigUpdateGracePeriod)
	writeUint(c.Delays.WithdrawDelay)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// QueuedConfigUpdate is the finalization window of a queued update
type QueuedConfigUpdate struct {
	Hash         [32]byte
	ActiveTime   uint64
	DeadlineTime uint64
}

// SlashInstruction asks for Amount of a reserve pool's deposits.
type SlashInstruction struct {
	PoolID uint16
	Amount *uint256.Int
}
