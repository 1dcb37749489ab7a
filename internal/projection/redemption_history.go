package projection

import (
	"sync"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

const (
	StatusPending = "pending"
	StatusSettled = "settled"
)

// RedemptionHistoryEntry is the latest known state of one redemption.
type RedemptionHistoryEntry struct {
	RedemptionID       uint64
	PoolID             uint16
	Owner              ledger.Address
	Receiver           ledger.Address
	ReceiptTokenAmount *uint256.Int
	QueuedAssetAmount  *uint256.Int // nil for instant redemptions
	PaidAssetAmount    *uint256.Int // nil until settled
	Status             string
	QueuedAt           uint64
	SettledAt          uint64
	LastSequence       int64
}

// RedemptionHistory maintains queryable redemption history in memory.
type RedemptionHistory struct {
	mu      sync.RWMutex
	entries map[uint64]*RedemptionHistoryEntry
	order   []uint64
}

func NewRedemptionHistory() *RedemptionHistory {
	return &RedemptionHistory{entries: make(map[uint64]*RedemptionHistoryEntry)}
}

// Apply records a redemption event; other events are ignored.
func (h *RedemptionHistory) Apply(sequence int64, timestamp uint64, e event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev := e.(type) {
	case *event.RedemptionPending:
		entry := h.entry(ev.RedemptionID)
		entry.PoolID = ev.PoolID
		entry.Owner = ev.Owner
		entry.Receiver = ev.Receiver
		entry.ReceiptTokenAmount = ev.ReceiptTokenAmount.Clone()
		entry.QueuedAssetAmount = ev.AssetAmount.Clone()
		entry.Status = StatusPending
		entry.QueuedAt = timestamp
		entry.LastSequence = sequence
	case *event.Redeemed:
		entry := h.entry(ev.RedemptionID)
		entry.PoolID = ev.PoolID
		entry.Owner = ev.Owner
		entry.Receiver = ev.Receiver
		entry.ReceiptTokenAmount = ev.ReceiptTokenAmount.Clone()
		entry.PaidAssetAmount = ev.AssetAmount.Clone()
		entry.Status = StatusSettled
		if entry.QueuedAt == 0 {
			entry.QueuedAt = timestamp
		}
		entry.SettledAt = timestamp
		entry.LastSequence = sequence
	}
}

func (h *RedemptionHistory) entry(id uint64) *RedemptionHistoryEntry {
	if e, ok := h.entries[id]; ok {
		return e
	}
	e := &RedemptionHistoryEntry{RedemptionID: id}
	h.entries[id] = e
	h.order = append(h.order, id)
	return e
}

// Get returns a copy of one entry.
func (h *RedemptionHistory) Get(id uint64) (RedemptionHistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	if !ok {
		return RedemptionHistoryEntry{}, false
	}
	return *e, true
}

// QueryByOwner returns an owner's redemptions, newest first.
func (h *RedemptionHistory) QueryByOwner(owner ledger.Address, limit int) []RedemptionHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]RedemptionHistoryEntry, 0)
	for i := len(h.order) - 1; i >= 0 && len(result) < limit; i-- {
		e := h.entries[h.order[i]]
		if e.Owner == owner {
			result = append(result, *e)
		}
	}
	return result
}

// Restore inserts a previously projected entry. Entries must be restored in
// redemption id order.
func (h *RedemptionHistory) Restore(entry RedemptionHistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(entry.RedemptionID)
	*e = entry
}

// Len returns the number of tracked redemptions.
func (h *RedemptionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}
