package core

import (
	"fmt"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

// Deposit pulls assets from the depositor and mints receipt tokens to
// receiver. Returns the receipt tokens minted.
func (m *SafetyModule) Deposit(from ledger.Address, poolID uint16, assets *uint256.Int, receiver ledger.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposit(from, poolID, assets, receiver, true)
}

// DepositWithoutTransfer credits assets that were already sent to the
// module's custody outside of a Deposit call.
func (m *SafetyModule) DepositWithoutTransfer(caller ledger.Address, poolID uint16, assets *uint256.Int, receiver ledger.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposit(caller, poolID, assets, receiver, false)
}

func (m *SafetyModule) deposit(from ledger.Address, poolID uint16, assets *uint256.Int, receiver ledger.Address, pull bool) (*uint256.Int, error) {
	if m.state == state.StatePaused {
		return nil, fmt.Errorf("%w: deposits disabled while %s", ErrInvalidState, m.state)
	}
	if receiver == "" || from == "" {
		return nil, ErrInvalidAddress
	}
	p, err := m.pools.Pool(poolID)
	if err != nil {
		return nil, err
	}
	tok, err := m.receiptToken(poolID)
	if err != nil {
		return nil, err
	}

	if !pull {
		held := m.vault.Balance(p.Asset)
		unaccounted := fpmath.SubSaturating(held, m.pools.AssetPool(p.Asset).Amount)
		if unaccounted.Lt(assets) {
			return nil, fmt.Errorf("%w: %s unaccounted, depositing %s", ErrInsufficientAssets, unaccounted.Dec(), assets.Dec())
		}
	}

	now := m.clock.Now()
	batch := m.journals.NewBatch("deposit", now)
	step, err := m.stageDrip(batch, p, now)
	if err != nil {
		return nil, err
	}

	shares, err := convertToReceiptTokenAmount(assets, tok.TotalSupply(), step.pool.DepositAmount)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, ErrRoundsToZero
	}
	m.journals.Deposit(batch, poolID, p.Asset, assets)

	if pull {
		if err := m.vault.TransferIn(p.Asset, from, assets); err != nil {
			return nil, fmt.Errorf("pull %s %s from %s: %w", assets.Dec(), p.Asset, from, err)
		}
	}
	if err := m.pools.ApplyBatch(batch); err != nil {
		m.refund(pull, p.Asset, from, assets)
		return nil, err
	}
	if err := tok.Mint(receiver, shares); err != nil {
		if revErr := m.pools.ApplyBatch(batch.Reverse()); revErr != nil {
			panic(fmt.Sprintf("FATAL: cannot reverse batch %s: %v", batch.BatchID, revErr))
		}
		m.refund(pull, p.Asset, from, assets)
		return nil, fmt.Errorf("mint receipt tokens: %w", err)
	}
	m.finishDrips([]dripStep{step}, now)

	events := dripEvents([]dripStep{step})
	events = append(events, &event.Deposited{
		Caller:             from,
		Receiver:           receiver,
		PoolID:             poolID,
		AssetAmount:        assets.Clone(),
		ReceiptTokenAmount: shares.Clone(),
	})
	m.record(batch, events)

	m.logger.Debug().
		Uint16("pool_id", poolID).
		Str("assets", assets.Dec()).
		Str("shares", shares.Dec()).
		Msg("deposit")
	return shares, nil
}

func (m *SafetyModule) refund(pulled bool, asset ledger.Asset, to ledger.Address, amount *uint256.Int) {
	if !pulled {
		return
	}
	if err := m.vault.TransferOut(asset, to, amount); err != nil {
		m.logger.Error().Err(err).Str("asset", string(asset)).Str("to", string(to)).Msg("deposit refund failed")
	}
}
