package ledger

import (
	"errors"
	"fmt"

	fpmath "SafetyLedger/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrUnknownReservePool = errors.New("unknown reserve pool")
	ErrInvalidMaxSlash    = errors.New("max slash percentage exceeds 100%")
)

// ReservePool is a point-in-time view of one reserve pool.
type ReservePool struct {
	ID                       uint16
	Asset                    Asset
	DepositAmount            *uint256.Int
	PendingRedemptionsAmount *uint256.Int
	FeeAmount                *uint256.Int
	MaxSlashPercentage       *uint256.Int // ZOC-scaled
	LastFeesDripTime         uint64
}

// Total returns deposit + pending + fees.
func (p ReservePool) Total() *uint256.Int {
	t := new(uint256.Int).Add(p.DepositAmount, p.PendingRedemptionsAmount)
	return t.Add(t, p.FeeAmount)
}

// SlashableAmount is deposit + pending: every asset still backing a claim.
// Slashes are sized and capped against it.
func (p ReservePool) SlashableAmount() *uint256.Int {
	return new(uint256.Int).Add(p.DepositAmount, p.PendingRedemptionsAmount)
}

// AssetPool aggregates everything the module holds of one asset.
type AssetPool struct {
	Asset  Asset
	Amount *uint256.Int
}

type poolMeta struct {
	asset              Asset
	maxSlashPercentage *uint256.Int
	lastFeesDripTime   uint64
}

// PoolLedger owns the reserve pools and the balances of their buckets.
// Not thread-safe: callers serialize access.
type PoolLedger struct {
	pools     []*poolMeta
	tracker   *BalanceTracker
	validator *InvariantValidator
}

func NewPoolLedger() *PoolLedger {
	tracker := NewBalanceTracker()
	return &PoolLedger{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
	}
}

// AddPool registers a reserve pool and returns its id.
func (l *PoolLedger) AddPool(asset Asset, maxSlashPercentage *uint256.Int, now uint64) (uint16, error) {
	if asset == "" {
		return 0, fmt.Errorf("reserve pool asset is empty")
	}
	if maxSlashPercentage.Gt(fpmath.ZOC) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMaxSlash, maxSlashPercentage.Dec())
	}
	if len(l.pools) >= 1<<16-1 {
		return 0, fmt.Errorf("reserve pool limit reached")
	}
	l.pools = append(l.pools, &poolMeta{
		asset:              asset,
		maxSlashPercentage: maxSlashPercentage.Clone(),
		lastFeesDripTime:   now,
	})
	return uint16(len(l.pools) - 1), nil
}

func (l *PoolLedger) NumPools() int {
	return len(l.pools)
}

func (l *PoolLedger) meta(id uint16) (*poolMeta, error) {
	if int(id) >= len(l.pools) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReservePool, id)
	}
	return l.pools[id], nil
}

// Pool materializes the current view of a reserve pool.
func (l *PoolLedger) Pool(id uint16) (ReservePool, error) {
	m, err := l.meta(id)
	if err != nil {
		return ReservePool{}, err
	}
	return ReservePool{
		ID:                       id,
		Asset:                    m.asset,
		DepositAmount:            l.tracker.GetBalance(NewPoolAccountKey(id, SubTypeDeposit, m.asset)),
		PendingRedemptionsAmount: l.tracker.GetBalance(NewPoolAccountKey(id, SubTypePendingRedemption, m.asset)),
		FeeAmount:                l.tracker.GetBalance(NewPoolAccountKey(id, SubTypeFees, m.asset)),
		MaxSlashPercentage:       m.maxSlashPercentage.Clone(),
		LastFeesDripTime:         m.lastFeesDripTime,
	}, nil
}

// Pools returns views of every pool in id order.
func (l *PoolLedger) Pools() []ReservePool {
	out := make([]ReservePool, 0, len(l.pools))
	for i := range l.pools {
		p, _ := l.Pool(uint16(i))
		out = append(out, p)
	}
	return out
}

// AssetPool returns the aggregate holding of an asset.
func (l *PoolLedger) AssetPool(asset Asset) AssetPool {
	return AssetPool{Asset: asset, Amount: l.tracker.GetAssetTotal(asset)}
}

// AssetPools returns every asset pool, sorted by asset.
func (l *PoolLedger) AssetPools() []AssetPool {
	assets := l.tracker.Assets()
	out := make([]AssetPool, 0, len(assets))
	for _, a := range assets {
		out = append(out, l.AssetPool(a))
	}
	return out
}

func (l *PoolLedger) SetMaxSlashPercentage(id uint16, pct *uint256.Int) error {
	m, err := l.meta(id)
	if err != nil {
		return err
	}
	if pct.Gt(fpmath.ZOC) {
		return fmt.Errorf("%w: %s", ErrInvalidMaxSlash, pct.Dec())
	}
	m.maxSlashPercentage = pct.Clone()
	return nil
}

func (l *PoolLedger) SetLastFeesDripTime(id uint16, ts uint64) error {
	m, err := l.meta(id)
	if err != nil {
		return err
	}
	m.lastFeesDripTime = ts
	return nil
}

// ApplyBatch moves balances atomically after checking every pool entry
// targets an existing pool of the journal's asset.
func (l *PoolLedger) ApplyBatch(batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	for _, j := range batch.Journals {
		for _, key := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if !key.IsPool() {
				continue
			}
			m, err := l.meta(key.PoolID)
			if err != nil {
				return err
			}
			if m.asset != key.Asset {
				return fmt.Errorf("journal %s uses asset %s on pool %d holding %s",
					j.JournalID, key.Asset, key.PoolID, m.asset)
			}
		}
	}
	return l.tracker.ApplyBatch(batch)
}

// Validator exposes the invariant checks over this ledger's balances.
func (l *PoolLedger) Validator() *InvariantValidator {
	return l.validator
}

// Tracker exposes the underlying balances (snapshots, state hashing).
func (l *PoolLedger) Tracker() *BalanceTracker {
	return l.tracker
}

// RestorePool re-creates a pool from a snapshot view. Pools must be restored
// in id order.
func (l *PoolLedger) RestorePool(p ReservePool) error {
	if int(p.ID) != len(l.pools) {
		return fmt.Errorf("restore pool %d out of order (have %d pools)", p.ID, len(l.pools))
	}
	l.pools = append(l.pools, &poolMeta{
		asset:              p.Asset,
		maxSlashPercentage: p.MaxSlashPercentage.Clone(),
		lastFeesDripTime:   p.LastFeesDripTime,
	})
	l.tracker.SetBalance(NewPoolAccountKey(p.ID, SubTypeDeposit, p.Asset), p.DepositAmount)
	l.tracker.SetBalance(NewPoolAccountKey(p.ID, SubTypePendingRedemption, p.Asset), p.PendingRedemptionsAmount)
	l.tracker.SetBalance(NewPoolAccountKey(p.ID, SubTypeFees, p.Asset), p.FeeAmount)
	return nil
}

// RestoreAssetPool sets an asset pool amount from a snapshot.
func (l *PoolLedger) RestoreAssetPool(a AssetPool) {
	l.tracker.SetAssetTotal(a.Asset, a.Amount)
}
