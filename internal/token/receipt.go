package token

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAddress        = errors.New("invalid address")
)

// ReceiptToken is an in-memory fungible claim on one reserve pool.
type ReceiptToken struct {
	mu          sync.RWMutex
	name        string
	totalSupply *uint256.Int
	balances    map[ledger.Address]*uint256.Int
	allowances  map[ledger.Address]map[ledger.Address]*uint256.Int
}

func NewReceiptToken(name string) *ReceiptToken {
	return &ReceiptToken{
		name:        name,
		totalSupply: new(uint256.Int),
		balances:    make(map[ledger.Address]*uint256.Int),
		allowances:  make(map[ledger.Address]map[ledger.Address]*uint256.Int),
	}
}

func (t *ReceiptToken) Name() string { return t.name }

func (t *ReceiptToken) Mint(to ledger.Address, amount *uint256.Int) error {
	if to == "" {
		return ErrInvalidAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	supply, overflow := new(uint256.Int).AddOverflow(t.totalSupply, amount)
	if overflow {
		return fmt.Errorf("%s: total supply overflow", t.name)
	}
	t.totalSupply = supply
	t.balances[to] = new(uint256.Int).Add(t.balanceOf(to), amount)
	return nil
}

// Burn destroys amount of owner's tokens. When caller is not the owner the
// caller's allowance is consumed first.
func (t *ReceiptToken) Burn(caller, owner ledger.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bal := t.balanceOf(owner)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, burning %s",
			ErrInsufficientBalance, owner, bal.Dec(), t.name, amount.Dec())
	}

	if caller != owner {
		allowed := t.allowance(owner, caller)
		if allowed.Lt(amount) {
			return fmt.Errorf("%w: %s may spend %s of %s's %s",
				ErrInsufficientAllowance, caller, allowed.Dec(), owner, t.name)
		}
		t.setAllowance(owner, caller, new(uint256.Int).Sub(allowed, amount))
	}

	t.balances[owner] = new(uint256.Int).Sub(bal, amount)
	t.totalSupply = new(uint256.Int).Sub(t.totalSupply, amount)
	return nil
}

func (t *ReceiptToken) Approve(owner, spender ledger.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAllowance(owner, spender, amount.Clone())
}

func (t *ReceiptToken) Allowance(owner, spender ledger.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowance(owner, spender).Clone()
}

func (t *ReceiptToken) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSupply.Clone()
}

func (t *ReceiptToken) BalanceOf(account ledger.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceOf(account).Clone()
}

// Balances returns every non-zero holder balance, sorted by holder.
func (t *ReceiptToken) Balances() []Holding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Holding, 0, len(t.balances))
	for a, b := range t.balances {
		if !b.IsZero() {
			out = append(out, Holding{Account: a, Amount: b.Clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Restore replaces balances from a snapshot and recomputes total supply.
func (t *ReceiptToken) Restore(holdings []Holding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = make(map[ledger.Address]*uint256.Int, len(holdings))
	t.totalSupply = new(uint256.Int)
	for _, h := range holdings {
		t.balances[h.Account] = h.Amount.Clone()
		t.totalSupply.Add(t.totalSupply, h.Amount)
	}
}

func (t *ReceiptToken) balanceOf(a ledger.Address) *uint256.Int {
	if b, ok := t.balances[a]; ok {
		return b
	}
	return new(uint256.Int)
}

func (t *ReceiptToken) allowance(owner, spender ledger.Address) *uint256.Int {
	if m, ok := t.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return v
		}
	}
	return new(uint256.Int)
}

func (t *ReceiptToken) setAllowance(owner, spender ledger.Address, v *uint256.Int) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[ledger.Address]*uint256.Int)
		t.allowances[owner] = m
	}
	m[spender] = v
}

// Holding is one account's balance.
type Holding = core.TokenHolding

// Factory deploys one in-memory receipt token per reserve pool.
type Factory struct {
	mu     sync.Mutex
	tokens map[uint16]*ReceiptToken
}

func NewFactory() *Factory {
	return &Factory{tokens: make(map[uint16]*ReceiptToken)}
}

// Token returns the concrete token deployed for a pool.
func (f *Factory) Token(poolID uint16) (*ReceiptToken, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[poolID]
	return t, ok
}

// DeployReceiptToken creates the token for a pool, or returns the existing
// one when the pool was deployed before (snapshot restore).
func (f *Factory) DeployReceiptToken(poolID uint16, asset ledger.Asset) (core.ReceiptToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tokens[poolID]; ok {
		return t, nil
	}
	t := NewReceiptToken(fmt.Sprintf("sm-%d-%s", poolID, asset))
	f.tokens[poolID] = t
	return t, nil
}
