package core

import (
	"fmt"

	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

// TokenHolding is one account's receipt token balance.
type TokenHolding struct {
	Account ledger.Address
	Amount  *uint256.Int
}

// SnapshotableToken is a receipt token whose balances can be captured and
// restored. Tokens that don't implement it are left as the factory returns
// them on restore.
type SnapshotableToken interface {
	ReceiptToken
	Balances() []TokenHolding
	Restore(holdings []TokenHolding)
}

// ModuleSnapshot is the complete state of a SafetyModule.
type ModuleSnapshot struct {
	State                state.SafetyModuleState
	Delays               state.Delays
	Pools                []ledger.ReservePool
	AssetPools           []ledger.AssetPool
	Stacks               map[uint16][]*uint256.Int
	NextRedemptionID     uint64
	Redemptions          []*state.RedemptionRequest
	Triggers             []state.TriggerData
	PayoutHandlerSlashes map[ledger.Address]uint64
	QueuedConfig         *state.QueuedConfigUpdate
	JournalSequence      int64
	// Receipt token holdings by pool id
	Holdings map[uint16][]TokenHolding
}

func (m *SafetyModule) Snapshot() *ModuleSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &ModuleSnapshot{
		State:                m.state,
		Delays:               m.delays,
		Pools:                m.pools.Pools(),
		AssetPools:           m.pools.AssetPools(),
		Stacks:               m.accumulator.Snapshot(),
		NextRedemptionID:     m.redemptions.NextID(),
		Redemptions:          m.redemptions.Pending(),
		Triggers:             m.triggers.All(),
		PayoutHandlerSlashes: m.triggers.PayoutHandlerCounts(),
		JournalSequence:      m.journals.Sequence(),
		Holdings:             make(map[uint16][]TokenHolding),
	}
	if m.queuedConfig != nil {
		q := *m.queuedConfig
		snap.QueuedConfig = &q
	}
	for id, tok := range m.receiptTokens {
		if st, ok := tok.(SnapshotableToken); ok {
			snap.Holdings[uint16(id)] = st.Balances()
		}
	}
	return snap
}

// Restore replaces the module's state with a snapshot. Receipt tokens are
// obtained from the factory again, which hands back existing tokens for pools
// it already deployed.
func (m *SafetyModule) Restore(snap *ModuleSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pools := ledger.NewPoolLedger()
	tokens := make([]ReceiptToken, 0, len(snap.Pools))
	for _, p := range snap.Pools {
		if err := pools.RestorePool(p); err != nil {
			return err
		}
		tok, err := m.tokens.DeployReceiptToken(p.ID, p.Asset)
		if err != nil {
			return fmt.Errorf("deploy receipt token for pool %d: %w", p.ID, err)
		}
		if st, ok := tok.(SnapshotableToken); ok {
			st.Restore(snap.Holdings[p.ID])
		}
		tokens = append(tokens, tok)
	}
	for _, a := range snap.AssetPools {
		pools.RestoreAssetPool(a)
	}
	if err := pools.Validator().ValidateConservation(); err != nil {
		return fmt.Errorf("snapshot violates conservation: %w", err)
	}

	m.pools = pools
	m.receiptTokens = tokens
	m.accumulator.Restore(snap.Stacks)
	m.redemptions.Restore(snap.NextRedemptionID, snap.Redemptions)
	m.triggers.Restore(snap.Triggers, snap.PayoutHandlerSlashes)
	m.journals.SetSequence(snap.JournalSequence)
	m.state = snap.State
	m.delays = snap.Delays
	m.queuedConfig = nil
	if snap.QueuedConfig != nil {
		q := *snap.QueuedConfig
		m.queuedConfig = &q
	}

	m.logger.Info().
		Int("reserve_pools", len(snap.Pools)).
		Int("pending_redemptions", len(snap.Redemptions)).
		Str("state", snap.State.String()).
		Msg("safety module restored from snapshot")
	return nil
}
