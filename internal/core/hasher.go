package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

const GenesisHashSeed = "SafetyLedger:genesis:v1"

// StateHasher chains state_hash[N] = SHA-256(prev_hash || N || digest[N]).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// stateDigest is the canonical encoding of a module snapshot: every field a
// command can change and recovery restores. Maps are walked in sorted key
// order and zero entries are skipped, so two replicas that applied the same
// commands (or one that restored a snapshot) produce the same bytes.
func stateDigest(snap *ModuleSnapshot) []byte {
	digest := make([]byte, 0, 256*(len(snap.Pools)+len(snap.Redemptions)+1))

	digest = append(digest, byte(snap.State))
	digest = binary.AppendUvarint(digest, snap.Delays.ConfigUpdateDelay)
	digest = binary.AppendUvarint(digest, snap.Delays.ConfigUpdateGracePeriod)
	digest = binary.AppendUvarint(digest, snap.Delays.WithdrawDelay)
	if q := snap.QueuedConfig; q != nil {
		digest = append(digest, 1)
		digest = append(digest, q.Hash[:]...)
		digest = binary.AppendUvarint(digest, q.ActiveTime)
		digest = binary.AppendUvarint(digest, q.DeadlineTime)
	} else {
		digest = append(digest, 0)
	}
	digest = binary.AppendVarint(digest, snap.JournalSequence)

	digest = binary.AppendUvarint(digest, uint64(len(snap.Pools)))
	for _, p := range snap.Pools {
		digest = binary.LittleEndian.AppendUint16(digest, p.ID)
		digest = appendString(digest, string(p.Asset))
		digest = appendWord(digest, p.DepositAmount)
		digest = appendWord(digest, p.PendingRedemptionsAmount)
		digest = appendWord(digest, p.FeeAmount)
		digest = appendWord(digest, p.MaxSlashPercentage)
		digest = binary.LittleEndian.AppendUint64(digest, p.LastFeesDripTime)

		stack := snap.Stacks[p.ID]
		digest = binary.AppendUvarint(digest, uint64(len(stack)))
		for _, entry := range stack {
			digest = appendWord(digest, entry)
		}

		holdings := make([]TokenHolding, 0, len(snap.Holdings[p.ID]))
		for _, h := range snap.Holdings[p.ID] {
			if h.Amount != nil && !h.Amount.IsZero() {
				holdings = append(holdings, h)
			}
		}
		sort.Slice(holdings, func(i, j int) bool { return holdings[i].Account < holdings[j].Account })
		digest = binary.AppendUvarint(digest, uint64(len(holdings)))
		for _, h := range holdings {
			digest = appendString(digest, string(h.Account))
			digest = appendWord(digest, h.Amount)
		}
	}

	assets := make([]ledger.AssetPool, len(snap.AssetPools))
	copy(assets, snap.AssetPools)
	sort.Slice(assets, func(i, j int) bool { return assets[i].Asset < assets[j].Asset })
	digest = binary.AppendUvarint(digest, uint64(len(assets)))
	for _, a := range assets {
		digest = appendString(digest, string(a.Asset))
		digest = appendWord(digest, a.Amount)
	}

	redemptions := make([]*state.RedemptionRequest, len(snap.Redemptions))
	copy(redemptions, snap.Redemptions)
	sort.Slice(redemptions, func(i, j int) bool { return redemptions[i].ID < redemptions[j].ID })
	digest = binary.LittleEndian.AppendUint64(digest, snap.NextRedemptionID)
	digest = binary.AppendUvarint(digest, uint64(len(redemptions)))
	for _, r := range redemptions {
		digest = binary.LittleEndian.AppendUint64(digest, r.ID)
		digest = binary.LittleEndian.AppendUint16(digest, r.PoolID)
		digest = appendWord(digest, r.ReceiptTokenAmount)
		digest = appendWord(digest, r.AssetAmount)
		digest = appendString(digest, string(r.Owner))
		digest = appendString(digest, string(r.Receiver))
		digest = appendString(digest, string(r.Caller))
		digest = binary.LittleEndian.AppendUint64(digest, r.QueueTime)
		digest = binary.LittleEndian.AppendUint64(digest, r.Delay)
		digest = binary.AppendUvarint(digest, uint64(r.ScalingWatermark))
		digest = appendWord(digest, r.QueuedAccISF)
	}

	triggers := make([]state.TriggerData, len(snap.Triggers))
	copy(triggers, snap.Triggers)
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Trigger < triggers[j].Trigger })
	digest = binary.AppendUvarint(digest, uint64(len(triggers)))
	for _, td := range triggers {
		digest = appendString(digest, string(td.Trigger))
		digest = appendString(digest, string(td.PayoutHandler))
		digest = appendBool(digest, td.Exists)
		digest = appendBool(digest, td.Triggered)
	}

	handlers := make([]ledger.Address, 0, len(snap.PayoutHandlerSlashes))
	for h, n := range snap.PayoutHandlerSlashes {
		if n > 0 {
			handlers = append(handlers, h)
		}
	}
	sort.Slice(handlers, func(i, j int) bool { return handlers[i] < handlers[j] })
	digest = binary.AppendUvarint(digest, uint64(len(handlers)))
	for _, h := range handlers {
		digest = appendString(digest, string(h))
		digest = binary.AppendUvarint(digest, snap.PayoutHandlerSlashes[h])
	}
	return digest
}

// appendString length-prefixes s so adjacent strings can't run together.
func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// appendWord writes v as 32 big-endian bytes; nil encodes as zero.
func appendWord(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		var zero [32]byte
		return append(buf, zero[:]...)
	}
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
