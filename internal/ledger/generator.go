package ledger

import (
	fpmath "SafetyLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator builds journal batches for reserve pool operations. One
// batch is opened per operation; each helper appends the legs of one
// movement. Zero amounts produce no journal.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// NewBatch opens an empty batch for one operation.
func (jg *JournalGenerator) NewBatch(eventRef string, timestamp uint64) *Batch {
	b := &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
	}
	jg.sequence++
	return b
}

func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) add(b *Batch, debit, credit AccountKey, amount *uint256.Int, jt JournalType) {
	if amount == nil || amount.IsZero() {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Deposit moves external:depositors → pool:deposit
func (jg *JournalGenerator) Deposit(b *Batch, poolID uint16, asset Asset, amount *uint256.Int) {
	jg.add(b,
		NewPoolAccountKey(poolID, SubTypeDeposit, asset),
		NewExternalAccountKey(SubTypeExternalDepositors, asset),
		amount, JournalTypeDeposit)
}

// FeeDrip moves pool:deposit → pool:fees
func (jg *JournalGenerator) FeeDrip(b *Batch, poolID uint16, asset Asset, amount *uint256.Int) {
	jg.add(b,
		NewPoolAccountKey(poolID, SubTypeFees, asset),
		NewPoolAccountKey(poolID, SubTypeDeposit, asset),
		amount, JournalTypeFeeDrip)
}

// RedemptionQueued moves pool:deposit → pool:pending_redemption
func (jg *JournalGenerator) RedemptionQueued(b *Batch, poolID uint16, asset Asset, amount *uint256.Int) {
	jg.add(b,
		NewPoolAccountKey(poolID, SubTypePendingRedemption, asset),
		NewPoolAccountKey(poolID, SubTypeDeposit, asset),
		amount, JournalTypeRedemptionQueued)
}

// RedemptionSettled moves pool:pending_redemption → external:redeemers
func (jg *JournalGenerator) RedemptionSettled(b *Batch, poolID uint16, asset Asset, amount *uint256.Int) {
	jg.add(b,
		NewExternalAccountKey(SubTypeExternalRedeemers, asset),
		NewPoolAccountKey(poolID, SubTypePendingRedemption, asset),
		amount, JournalTypeRedemptionSettled)
}

// Slash moves exactly amount to external:slash_receiver. The share taken
// from queued redemptions (pendingShrink) comes out of pool:pending_redemption
// and the rest out of pool:deposit. Shrink beyond amount, left by rounding,
// goes back from pool:pending_redemption to pool:deposit.
func (jg *JournalGenerator) Slash(b *Batch, poolID uint16, asset Asset, amount, pendingShrink *uint256.Int) {
	receiver := NewExternalAccountKey(SubTypeExternalSlashReceiver, asset)
	deposit := NewPoolAccountKey(poolID, SubTypeDeposit, asset)
	pending := NewPoolAccountKey(poolID, SubTypePendingRedemption, asset)

	fromPending := fpmath.Min(amount, pendingShrink)
	jg.add(b, receiver, deposit, new(uint256.Int).Sub(amount, fromPending), JournalTypeSlash)
	jg.add(b, receiver, pending, fromPending, JournalTypeSlashPendingShrink)
	jg.add(b, deposit, pending, new(uint256.Int).Sub(pendingShrink, fromPending), JournalTypeSlashPendingShrink)
}

// FeeClaim moves pool:fees → external:fee_collector
func (jg *JournalGenerator) FeeClaim(b *Batch, poolID uint16, asset Asset, amount *uint256.Int) {
	jg.add(b,
		NewExternalAccountKey(SubTypeExternalFeeCollector, asset),
		NewPoolAccountKey(poolID, SubTypeFees, asset),
		amount, JournalTypeFeeClaim)
}
