package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeFeeDrip
	JournalTypeRedemptionQueued
	JournalTypeRedemptionSettled
	JournalTypeSlash
	JournalTypeSlashPendingShrink
	JournalTypeFeeClaim
	JournalTypeReversal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeFeeDrip:
		return "fee_drip"
	case JournalTypeRedemptionQueued:
		return "redemption_queued"
	case JournalTypeRedemptionSettled:
		return "redemption_settled"
	case JournalTypeSlash:
		return "slash"
	case JournalTypeSlashPendingShrink:
		return "slash_pending_shrink"
	case JournalTypeFeeClaim:
		return "fee_claim"
	case JournalTypeReversal:
		return "reversal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups entries of one operation
	EventRef      string       // Reference of the source operation
	Sequence      int64        // Journal batch sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	Asset         Asset        // Asset being moved
	Amount        *uint256.Int // ALWAYS positive
	JournalType   JournalType  // Entry type
	Timestamp     uint64       // Operation timestamp (unix seconds)
}

// Batch represents the set of journal entries produced by one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp uint64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Every entry moves one positive amount from the credit account to the debit
// account, so each entry balances by construction. An empty batch is valid:
// state-only operations (pause, trigger) still produce one.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if !j.DebitAccount.IsPool() && !j.CreditAccount.IsPool() {
			return fmt.Errorf("journal %s moves between two external accounts", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch moves no assets.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}

// Reverse builds the compensating batch that undoes b.
func (b *Batch) Reverse() *Batch {
	batchID := uuid.New()
	rev := &Batch{
		BatchID:   batchID,
		EventRef:  b.EventRef,
		Sequence:  b.Sequence,
		Timestamp: b.Timestamp,
		Journals:  make([]Journal, 0, len(b.Journals)),
	}
	for i := len(b.Journals) - 1; i >= 0; i-- {
		j := b.Journals[i]
		rev.Journals = append(rev.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.CreditAccount,
			CreditAccount: j.DebitAccount,
			Asset:         j.Asset,
			Amount:        j.Amount.Clone(),
			JournalType:   JournalTypeReversal,
			Timestamp:     j.Timestamp,
		})
	}
	return rev
}

// Append merges other's entries into b.
func (b *Batch) Append(other *Batch) {
	if other == nil {
		return
	}
	for _, j := range other.Journals {
		j.BatchID = b.BatchID
		j.Sequence = b.Sequence
		b.Journals = append(b.Journals, j)
	}
}
