package core

import (
	"fmt"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

type outboundTransfer struct {
	asset  ledger.Asset
	to     ledger.Address
	amount *uint256.Int
}

// checkCustody verifies the vault can cover every outbound transfer before
// anything is committed.
func (m *SafetyModule) checkCustody(transfers []outboundTransfer) error {
	need := make(map[ledger.Asset]*uint256.Int)
	for _, t := range transfers {
		sum, ok := need[t.asset]
		if !ok {
			sum = new(uint256.Int)
			need[t.asset] = sum
		}
		sum.Add(sum, t.amount)
	}
	for asset, amount := range need {
		if held := m.vault.Balance(asset); held.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientAssets, asset, held.Dec(), amount.Dec())
		}
	}
	return nil
}

// commitAndPay applies the batch, then performs the outbound transfers. If a
// transfer still fails the ledger entries are reversed.
func (m *SafetyModule) commitAndPay(batch *ledger.Batch, events []event.Event, transfers []outboundTransfer) error {
	if err := m.checkCustody(transfers); err != nil {
		return err
	}
	if err := m.pools.ApplyBatch(batch); err != nil {
		return err
	}
	for i, t := range transfers {
		if t.amount.IsZero() {
			continue
		}
		if err := m.vault.TransferOut(t.asset, t.to, t.amount); err != nil {
			if i > 0 {
				m.logger.Error().
					Err(err).
					Int("completed_transfers", i).
					Msg("outbound transfer failed after earlier transfers succeeded")
			}
			if revErr := m.pools.ApplyBatch(batch.Reverse()); revErr != nil {
				panic(fmt.Sprintf("FATAL: cannot reverse batch %s: %v", batch.BatchID, revErr))
			}
			return fmt.Errorf("transfer %s %s to %s: %w", t.amount.Dec(), t.asset, t.to, err)
		}
	}
	m.record(batch, events)
	return nil
}
