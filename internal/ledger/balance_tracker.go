package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// ErrInsufficientBalance is returned when a batch would drive a pool account
// or an asset pool below zero.
var ErrInsufficientBalance = errors.New("insufficient ledger balance")

// BalanceTracker maintains in-memory balances for pool accounts and the
// per-asset totals they must sum to. External accounts are not tracked: they
// are the boundary assets cross when entering or leaving custody.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	assets   map[Asset]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		assets:   make(map[Asset]*uint256.Int),
	}
}

// ApplyBatch applies all journals in a batch. Either every entry is applied
// or none is.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	staged := make(map[AccountKey]*uint256.Int)
	stagedAssets := make(map[Asset]*uint256.Int)

	get := func(key AccountKey) *uint256.Int {
		if v, ok := staged[key]; ok {
			return v
		}
		v := bt.GetBalance(key)
		staged[key] = v
		return v
	}
	getAsset := func(asset Asset) *uint256.Int {
		if v, ok := stagedAssets[asset]; ok {
			return v
		}
		v := bt.GetAssetTotal(asset)
		stagedAssets[asset] = v
		return v
	}

	for _, j := range batch.Journals {
		if j.CreditAccount.IsPool() {
			bal := get(j.CreditAccount)
			if _, underflow := bal.SubOverflow(bal, j.Amount); underflow {
				return fmt.Errorf("%w: %s short by %s", ErrInsufficientBalance,
					j.CreditAccount.AccountPath(), j.Amount.Dec())
			}
		}
		if j.DebitAccount.IsPool() {
			bal := get(j.DebitAccount)
			if _, overflow := bal.AddOverflow(bal, j.Amount); overflow {
				return fmt.Errorf("balance overflow on %s", j.DebitAccount.AccountPath())
			}
		}

		switch {
		case j.DebitAccount.IsPool() && !j.CreditAccount.IsPool():
			total := getAsset(j.Asset)
			if _, overflow := total.AddOverflow(total, j.Amount); overflow {
				return fmt.Errorf("asset pool overflow for %s", j.Asset)
			}
		case !j.DebitAccount.IsPool() && j.CreditAccount.IsPool():
			total := getAsset(j.Asset)
			if _, underflow := total.SubOverflow(total, j.Amount); underflow {
				return fmt.Errorf("%w: asset pool %s", ErrInsufficientBalance, j.Asset)
			}
		}
	}

	for k, v := range staged {
		bt.balances[k] = v
	}
	for a, v := range stagedAssets {
		bt.assets[a] = v
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// GetAssetTotal returns a copy of the asset pool amount for an asset
func (bt *BalanceTracker) GetAssetTotal(asset Asset) *uint256.Int {
	if v, ok := bt.assets[asset]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// SetBalance overwrites an account balance. Used for snapshot restore only.
func (bt *BalanceTracker) SetBalance(key AccountKey, amount *uint256.Int) {
	bt.balances[key] = amount.Clone()
}

// SetAssetTotal overwrites an asset pool amount. Used for snapshot restore only.
func (bt *BalanceTracker) SetAssetTotal(asset Asset, amount *uint256.Int) {
	bt.assets[asset] = amount.Clone()
}

// Assets returns every asset with a tracked total, sorted.
func (bt *BalanceTracker) Assets() []Asset {
	out := make([]Asset, 0, len(bt.assets))
	for a := range bt.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ComputeAssetSums sums pool account balances per asset. Under conservation
// this equals the tracked asset totals.
func (bt *BalanceTracker) ComputeAssetSums() map[Asset]*uint256.Int {
	totals := make(map[Asset]*uint256.Int)

	for key, balance := range bt.balances {
		sum, ok := totals[key.Asset]
		if !ok {
			sum = new(uint256.Int)
			totals[key.Asset] = sum
		}
		sum.Add(sum, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}

// AssetSnapshot returns a copy of all asset totals.
func (bt *BalanceTracker) AssetSnapshot() map[Asset]*uint256.Int {
	snapshot := make(map[Asset]*uint256.Int, len(bt.assets))
	for k, v := range bt.assets {
		snapshot[k] = v.Clone()
	}
	return snapshot
}
