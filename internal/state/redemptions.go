package state

import (
	"sort"

	"SafetyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// RedemptionRequest is a queued redemption awaiting its delay
type RedemptionRequest struct {
	ID                 uint64
	PoolID             uint16
	ReceiptTokenAmount *uint256.Int
	AssetAmount        *uint256.Int // Snapshot at queue time, before later slashes
	Owner              ledger.Address
	Receiver           ledger.Address
	Caller             ledger.Address
	QueueTime          uint64
	Delay              uint64
	ScalingWatermark   int          // Accumulator stack length at queue time
	QueuedAccISF       *uint256.Int // Accumulator top at queue time
}

// ReadyAt returns the earliest time the request may complete while ACTIVE.
func (r *RedemptionRequest) ReadyAt() uint64 {
	return r.QueueTime + r.Delay
}

func (r *RedemptionRequest) clone() *RedemptionRequest {
	cp := *r
	cp.ReceiptTokenAmount = r.ReceiptTokenAmount.Clone()
	cp.AssetAmount = r.AssetAmount.Clone()
	cp.QueuedAccISF = r.QueuedAccISF.Clone()
	return &cp
}

// RedemptionStatus distinguishes ids that never existed from ids that
// already settled.
type RedemptionStatus uint8

const (
	RedemptionUnknown RedemptionStatus = iota
	RedemptionPending
	RedemptionSettled
)

func (s RedemptionStatus) String() string {
	switch s {
	case RedemptionPending:
		return "PENDING"
	case RedemptionSettled:
		return "SETTLED"
	default:
		return "UNKNOWN"
	}
}

// RedemptionStore holds pending redemptions. IDs are assigned from a
// monotonic counter and never reused, so any id below the counter that is
// not pending has settled.
type RedemptionStore struct {
	nextID  uint64
	pending map[uint64]*RedemptionRequest
}

func NewRedemptionStore() *RedemptionStore {
	return &RedemptionStore{pending: make(map[uint64]*RedemptionRequest)}
}

// NextID returns the id the next enqueued or instantly settled redemption
// will receive.
func (s *RedemptionStore) NextID() uint64 {
	return s.nextID
}

// AllocateID consumes an id. Instant redemptions allocate one without
// enqueueing so ids stay unique across both paths.
func (s *RedemptionStore) AllocateID() uint64 {
	id := s.nextID
	s.nextID++
	return id
}

// Enqueue stores a request under a freshly allocated id and returns it.
func (s *RedemptionStore) Enqueue(req *RedemptionRequest) uint64 {
	req.ID = s.AllocateID()
	s.pending[req.ID] = req.clone()
	return req.ID
}

// Get returns a copy of the request and its status.
func (s *RedemptionStore) Get(id uint64) (*RedemptionRequest, RedemptionStatus) {
	if req, ok := s.pending[id]; ok {
		return req.clone(), RedemptionPending
	}
	if id < s.nextID {
		return nil, RedemptionSettled
	}
	return nil, RedemptionUnknown
}

// Remove marks a pending request settled.
func (s *RedemptionStore) Remove(id uint64) {
	delete(s.pending, id)
}

// Pending returns copies of every pending request ordered by id.
func (s *RedemptionStore) Pending() []*RedemptionRequest {
	out := make([]*RedemptionRequest, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *RedemptionStore) Len() int {
	return len(s.pending)
}

// Restore replaces the store contents from a snapshot.
func (s *RedemptionStore) Restore(nextID uint64, pending []*RedemptionRequest) {
	s.nextID = nextID
	s.pending = make(map[uint64]*RedemptionRequest, len(pending))
	for _, r := range pending {
		s.pending[r.ID] = r.clone()
	}
}
