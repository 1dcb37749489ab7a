package core

import (
	"encoding/hex"
	"fmt"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"
)

// UpdateConfigs queues a configuration change. It becomes finalizable after
// the config update delay and stays so for the grace period. A new call
// replaces any update already queued. Owner only.
func (m *SafetyModule) UpdateConfigs(caller ledger.Address, update state.ConfigUpdate) (*state.QueuedConfigUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.access.IsOwner(caller) {
		return nil, fmt.Errorf("%w: %s cannot update configs", ErrUnauthorized, caller)
	}
	if err := update.Validate(m.pools.Pools()); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	active := now + m.delays.ConfigUpdateDelay
	queued := &state.QueuedConfigUpdate{
		Hash:         update.Hash(),
		ActiveTime:   active,
		DeadlineTime: active + m.delays.ConfigUpdateGracePeriod,
	}
	m.queuedConfig = queued

	m.record(m.journals.NewBatch("update_configs", now), []event.Event{&event.ConfigUpdatesQueued{
		ConfigHash:   queued.Hash,
		ActiveTime:   queued.ActiveTime,
		DeadlineTime: queued.DeadlineTime,
	}})
	m.logger.Info().
		Str("config_hash", hex.EncodeToString(queued.Hash[:])).
		Uint64("active_time", queued.ActiveTime).
		Uint64("deadline_time", queued.DeadlineTime).
		Msg("config update queued")

	out := *queued
	return &out, nil
}

// FinalizeUpdateConfigs applies a queued update. The caller passes the full
// update; it must hash to the queued one. Anyone may finalize.
func (m *SafetyModule) FinalizeUpdateConfigs(update state.ConfigUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == state.StateTriggered {
		return fmt.Errorf("%w: cannot finalize config while triggered", ErrInvalidState)
	}
	if m.queuedConfig == nil || m.queuedConfig.Hash != update.Hash() {
		return ErrNoQueuedConfigUpdate
	}
	now := m.clock.Now()
	if now < m.queuedConfig.ActiveTime || now > m.queuedConfig.DeadlineTime {
		return fmt.Errorf("%w: now %d, window [%d, %d]",
			ErrConfigUpdateWindow, now, m.queuedConfig.ActiveTime, m.queuedConfig.DeadlineTime)
	}
	// pools may have been added since queuing; the update still has to fit
	if err := update.Validate(m.pools.Pools()); err != nil {
		return err
	}

	batch := m.journals.NewBatch("finalize_configs", now)
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

	if err := m.applyConfig(&update, now); err != nil {
		// validated above; a failure here means the token factory broke
		// after some pools were created
		panic(fmt.Sprintf("FATAL: apply validated config: %v", err))
	}
	hash := m.queuedConfig.Hash
	m.queuedConfig = nil

	events := append(dripEvents(steps), &event.ConfigUpdatesFinalized{ConfigHash: hash})
	m.record(batch, events)
	m.logger.Info().
		Str("config_hash", hex.EncodeToString(hash[:])).
		Int("reserve_pools", m.pools.NumPools()).
		Msg("config update finalized")
	return nil
}
