package token

import (
	"fmt"
	"sync"

	"SafetyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Vault is an in-memory custodian for reserve assets. The module's holdings
// are tracked per asset; external holders are tracked only when strict, in
// which case transfers in need a funded balance.
type Vault struct {
	mu       sync.Mutex
	strict   bool
	custody  map[ledger.Asset]*uint256.Int
	external map[ledger.Asset]map[ledger.Address]*uint256.Int
}

func NewVault(strict bool) *Vault {
	return &Vault{
		strict:   strict,
		custody:  make(map[ledger.Asset]*uint256.Int),
		external: make(map[ledger.Asset]map[ledger.Address]*uint256.Int),
	}
}

// Fund credits an external holder, e.g. a depositor in tests.
func (v *Vault) Fund(asset ledger.Asset, holder ledger.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(asset, holder, amount)
}

// Donate moves assets into custody without any ledger entry, the way a
// plain token transfer to the module would.
func (v *Vault) Donate(asset ledger.Asset, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custody[asset] = new(uint256.Int).Add(v.custodyOf(asset), amount)
}

func (v *Vault) TransferIn(asset ledger.Asset, from ledger.Address, amount *uint256.Int) error {
	if from == "" {
		return ErrInvalidAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.strict {
		bal := v.externalOf(asset, from)
		if bal.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s %s, sending %s",
				ErrInsufficientBalance, from, bal.Dec(), asset, amount.Dec())
		}
		v.setExternal(asset, from, new(uint256.Int).Sub(bal, amount))
	}
	v.custody[asset] = new(uint256.Int).Add(v.custodyOf(asset), amount)
	return nil
}

func (v *Vault) TransferOut(asset ledger.Asset, to ledger.Address, amount *uint256.Int) error {
	if to == "" {
		return ErrInvalidAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.custodyOf(asset)
	if held.Lt(amount) {
		return fmt.Errorf("%w: custody holds %s %s, sending %s",
			ErrInsufficientBalance, held.Dec(), asset, amount.Dec())
	}
	v.custody[asset] = new(uint256.Int).Sub(held, amount)
	if v.strict {
		v.credit(asset, to, amount)
	}
	return nil
}

// Balance returns what custody holds of an asset.
func (v *Vault) Balance(asset ledger.Asset) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.custodyOf(asset).Clone()
}

// BalanceOf returns an external holder's balance (strict vaults only).
func (v *Vault) BalanceOf(asset ledger.Asset, holder ledger.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.externalOf(asset, holder).Clone()
}

// RestoreCustody sets custody holdings from a snapshot.
func (v *Vault) RestoreCustody(asset ledger.Asset, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custody[asset] = amount.Clone()
}

func (v *Vault) custodyOf(asset ledger.Asset) *uint256.Int {
	if b, ok := v.custody[asset]; ok {
		return b
	}
	return new(uint256.Int)
}

func (v *Vault) externalOf(asset ledger.Asset, holder ledger.Address) *uint256.Int {
	if m, ok := v.external[asset]; ok {
		if b, ok := m[holder]; ok {
			return b
		}
	}
	return new(uint256.Int)
}

func (v *Vault) credit(asset ledger.Asset, holder ledger.Address, amount *uint256.Int) {
	v.setExternal(asset, holder, new(uint256.Int).Add(v.externalOf(asset, holder), amount))
}

func (v *Vault) setExternal(asset ledger.Asset, holder ledger.Address, amount *uint256.Int) {
	m, ok := v.external[asset]
	if !ok {
		m = make(map[ledger.Address]*uint256.Int)
		v.external[asset] = m
	}
	m[holder] = amount
}
