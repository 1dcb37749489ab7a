package core

import (
	"fmt"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

// Slash takes the instructed amounts from reserve pools and pays exactly
// those amounts to receiver. Each amount is a fraction of the pool's
// slashable assets (deposit + pending), and deposits and queued redemptions
// both lose that fraction. The caller must be a payout handler owed a slash,
// and one call consumes one pending slash. Either every instruction applies
// or none does.
func (m *SafetyModule) Slash(
	caller ledger.Address,
	instructions []state.SlashInstruction,
	receiver ledger.Address,
) ([]*event.Slashed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.triggers.PendingSlashes(caller) == 0 {
		return nil, fmt.Errorf("%w: %s has no pending slashes", ErrUnauthorized, caller)
	}
	if m.state != state.StateTriggered {
		return nil, fmt.Errorf("%w: slashing requires TRIGGERED, module is %s", ErrInvalidState, m.state)
	}
	if receiver == "" {
		return nil, ErrInvalidAddress
	}

	now := m.clock.Now()
	batch := m.journals.NewBatch("slash", now)
	seen := make(map[uint16]bool, len(instructions))
	stacks := make(map[uint16][]*uint256.Int, len(instructions))
	var transfers []outboundTransfer
	var slashed []*event.Slashed

	for _, ins := range instructions {
		if seen[ins.PoolID] {
			return nil, &AlreadySlashedError{PoolID: ins.PoolID}
		}
		seen[ins.PoolID] = true

		p, err := m.pools.Pool(ins.PoolID)
		if err != nil {
			return nil, err
		}
		amount := ins.Amount
		if amount == nil {
			amount = new(uint256.Int)
		}

		slashable := p.SlashableAmount()
		maxSlashable, err := fpmath.MulDivDown(slashable, p.MaxSlashPercentage, fpmath.ZOC)
		if err != nil {
			return nil, err
		}
		if amount.Gt(maxSlashable) {
			return nil, &ExceedsMaxSlashPercentageError{
				PoolID:             ins.PoolID,
				RequiredPercentage: requiredSlashPercentage(amount, slashable),
			}
		}

		scale, err := state.ComputeScale(amount, slashable)
		if err != nil {
			return nil, err
		}
		stack, err := m.accumulator.Stage(ins.PoolID, scale)
		if err != nil {
			return nil, fmt.Errorf("pool %d accumulator: %w", ins.PoolID, err)
		}
		stacks[ins.PoolID] = stack

		pendingAfter, err := fpmath.MulWadDown(p.PendingRedemptionsAmount, scale)
		if err != nil {
			return nil, err
		}
		shrink := new(uint256.Int).Sub(p.PendingRedemptionsAmount, pendingAfter)

		m.journals.Slash(batch, ins.PoolID, p.Asset, amount, shrink)
		if !amount.IsZero() {
			transfers = append(transfers, outboundTransfer{asset: p.Asset, to: receiver, amount: amount.Clone()})
			slashed = append(slashed, &event.Slashed{
				PayoutHandler:            caller,
				Receiver:                 receiver,
				PoolID:                   ins.PoolID,
				Amount:                   amount.Clone(),
				PendingRedemptionsAmount: shrink,
			})
		}
	}

	events := make([]event.Event, 0, len(slashed)+1)
	for _, s := range slashed {
		events = append(events, s)
	}
	returnsToActive := m.triggers.NumPendingSlashes() == 1
	if returnsToActive {
		events = append(events, &event.SafetyModuleStateUpdated{State: state.StateActive})
	}

	if err := m.commitAndPay(batch, events, transfers); err != nil {
		return nil, err
	}
	for poolID, stack := range stacks {
		m.accumulator.Commit(poolID, stack)
	}
	if err := m.triggers.ConsumeSlash(caller); err != nil {
		panic(fmt.Sprintf("FATAL: pending slash vanished for %s: %v", caller, err))
	}
	if returnsToActive {
		if _, err := m.setState(state.StateActive); err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
		m.restartDripClocks(now)
		m.queuedConfig = nil
	}

	for _, s := range slashed {
		m.logger.Info().
			Uint16("pool_id", s.PoolID).
			Str("amount", s.Amount.Dec()).
			Str("pending_amount", s.PendingRedemptionsAmount.Dec()).
			Str("receiver", string(receiver)).
			Msg("reserve pool slashed")
		if m.metrics != nil {
			m.metrics.Slashes.WithLabelValues(fmt.Sprint(s.PoolID)).Inc()
		}
	}
	return slashed, nil
}

func requiredSlashPercentage(amount, slashable *uint256.Int) *uint256.Int {
	if slashable.IsZero() {
		return new(uint256.Int).SetAllOne()
	}
	pct, err := fpmath.MulDivUp(amount, fpmath.ZOC, slashable)
	if err != nil {
		return new(uint256.Int).SetAllOne()
	}
	return pct
}

// GetMaxSlashableReservePoolAmount returns the most a single slash may take
// from a pool.
func (m *SafetyModule) GetMaxSlashableReservePoolAmount(poolID uint16) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pools.Pool(poolID)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDivDown(p.SlashableAmount(), p.MaxSlashPercentage, fpmath.ZOC)
}
