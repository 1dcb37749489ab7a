package core

import (
	"fmt"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"
)

// TriggerSafetyModule fires a registered trigger whose oracle reports it
// triggered. Fees are dripped first so depositors pay fees up to the loss
// event. An ACTIVE module becomes TRIGGERED; a PAUSED one stays PAUSED and
// unpauses into TRIGGERED. Anyone may call this.
func (m *SafetyModule) TriggerSafetyModule(trigger ledger.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.triggers.CheckCanTrigger(trigger); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	fired, err := m.oracle.IsTriggered(trigger)
	if err != nil {
		return fmt.Errorf("trigger oracle: %w", err)
	}
	if !fired {
		return fmt.Errorf("%w: %s has not fired", ErrInvalidTrigger, trigger)
	}

	now := m.clock.Now()
	batch := m.journals.NewBatch("trigger", now)
	pools := m.pools.Pools()
	steps := make([]dripStep, 0, len(pools))
	for _, p := range pools {
		step, err := m.stageDrip(batch, p, now)
		if err != nil {
			return fmt.Errorf("drip pool %d: %w", p.ID, err)
		}
		steps = append(steps, step)
	}

	td, _ := m.triggers.Get(trigger)
	events := dripEvents(steps)
	events = append(events, &event.Triggered{Trigger: trigger, PayoutHandler: td.PayoutHandler})
	enterTriggered := m.state == state.StateActive
	if enterTriggered {
		events = append(events, &event.SafetyModuleStateUpdated{State: state.StateTriggered})
	}

	if err := m.pools.ApplyBatch(batch); err != nil {
		return err
	}
	m.finishDrips(steps, now)
	if _, err := m.triggers.MarkTriggered(trigger); err != nil {
		panic(fmt.Sprintf("FATAL: trigger %s checked but not markable: %v", trigger, err))
	}
	if enterTriggered {
		if _, err := m.setState(state.StateTriggered); err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
	}
	m.record(batch, events)

	m.logger.Warn().
		Str("trigger", string(trigger)).
		Str("payout_handler", string(td.PayoutHandler)).
		Uint64("pending_slashes", m.triggers.NumPendingSlashes()).
		Msg("safety module triggered")
	return nil
}

// Pause stops deposits and fee drips and makes redemptions settle
// immediately. Owner or pauser only.
func (m *SafetyModule) Pause(caller ledger.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.access.IsOwner(caller) && !m.access.IsPauser(caller) {
		return fmt.Errorf("%w: %s cannot pause", ErrUnauthorized, caller)
	}
	if m.state == state.StatePaused {
		return fmt.Errorf("%w: already paused", ErrInvalidState)
	}

	now := m.clock.Now()
	batch := m.journals.NewBatch("pause", now)
	pools := m.pools.Pools()
	steps := make([]dripStep, 0, len(pools))
	for _, p := range pools {
		step, err := m.stageDrip(batch, p, now)
		if err != nil {
			return fmt.Errorf("drip pool %d: %w", p.ID, err)
		}
		steps = append(steps, step)
	}
	if err := m.pools.ApplyBatch(batch); err != nil {
		return err
	}
	m.finishDrips(steps, now)

	stateEvt, err := m.setState(state.StatePaused)
	if err != nil {
		return err
	}
	m.record(batch, append(dripEvents(steps), stateEvt))
	return nil
}

// Unpause returns to TRIGGERED when slashes are still owed, else ACTIVE.
// Fees don't accrue while paused, so drip clocks restart on reactivation.
// Owner only.
func (m *SafetyModule) Unpause(caller ledger.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.access.IsOwner(caller) {
		return fmt.Errorf("%w: %s cannot unpause", ErrUnauthorized, caller)
	}
	if m.state != state.StatePaused {
		return fmt.Errorf("%w: not paused", ErrInvalidState)
	}

	next := state.StateActive
	if m.triggers.NumPendingSlashes() > 0 {
		next = state.StateTriggered
	}
	now := m.clock.Now()
	stateEvt, err := m.setState(next)
	if err != nil {
		return err
	}
	if next == state.StateActive {
		m.restartDripClocks(now)
	}
	m.record(m.journals.NewBatch("unpause", now), []event.Event{stateEvt})
	return nil
}
