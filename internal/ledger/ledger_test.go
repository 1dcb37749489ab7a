package ledger_test

import (
	"errors"
	"testing"

	"SafetyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newLedgerWithPools(t *testing.T, assets ...ledger.Asset) *ledger.PoolLedger {
	t.Helper()
	l := ledger.NewPoolLedger()
	for _, a := range assets {
		if _, err := l.AddPool(a, amt(10_000), 0); err != nil {
			t.Fatalf("AddPool(%s): %v", a, err)
		}
	}
	return l
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_PoolPath(t *testing.T) {
	key := ledger.NewPoolAccountKey(3, ledger.SubTypePendingRedemption, "USDC")
	if got := key.AccountPath(); got != "pool:3:pending_redemption:USDC" {
		t.Errorf("got %q", got)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalSlashReceiver, "USDC")
	if got := key.AccountPath(); got != "external:slash_receiver:USDC" {
		t.Errorf("got %q", got)
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_RejectsExternalToExternal(t *testing.T) {
	jg := ledger.NewJournalGenerator(0)
	b := jg.NewBatch("ref", 1)
	b.Journals = append(b.Journals, ledger.Journal{
		BatchID:       b.BatchID,
		DebitAccount:  ledger.NewExternalAccountKey(ledger.SubTypeExternalRedeemers, "USDC"),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDepositors, "USDC"),
		Asset:         "USDC",
		Amount:        amt(1),
	})
	if err := b.Validate(); err == nil {
		t.Error("expected validation error")
	}
}

func TestGenerator_SkipsZeroAmounts(t *testing.T) {
	jg := ledger.NewJournalGenerator(7)
	b := jg.NewBatch("ref", 1)
	jg.FeeDrip(b, 0, "USDC", amt(0))
	if !b.IsEmpty() {
		t.Errorf("expected empty batch, got %d journals", len(b.Journals))
	}
	if b.Sequence != 7 || jg.Sequence() != 8 {
		t.Errorf("sequence: batch=%d next=%d", b.Sequence, jg.Sequence())
	}
}

// ============================================================================
// Test: PoolLedger
// ============================================================================

func TestPoolLedger_DepositQueueSettle(t *testing.T) {
	l := newLedgerWithPools(t, "USDC")
	jg := ledger.NewJournalGenerator(0)

	b := jg.NewBatch("deposit", 1)
	jg.Deposit(b, 0, "USDC", amt(100))
	if err := l.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	b = jg.NewBatch("redeem", 2)
	jg.RedemptionQueued(b, 0, "USDC", amt(40))
	if err := l.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	p, _ := l.Pool(0)
	if p.DepositAmount.Uint64() != 60 || p.PendingRedemptionsAmount.Uint64() != 40 {
		t.Errorf("deposit=%s pending=%s", p.DepositAmount.Dec(), p.PendingRedemptionsAmount.Dec())
	}
	if l.AssetPool("USDC").Amount.Uint64() != 100 {
		t.Errorf("asset pool moved on an internal transfer")
	}

	b = jg.NewBatch("complete", 3)
	jg.RedemptionSettled(b, 0, "USDC", amt(40))
	if err := l.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}
	if l.AssetPool("USDC").Amount.Uint64() != 60 {
		t.Errorf("asset pool: got %s, want 60", l.AssetPool("USDC").Amount.Dec())
	}
	if err := l.Validator().ValidateConservation(); err != nil {
		t.Error(err)
	}
}

func TestPoolLedger_BatchIsAllOrNothing(t *testing.T) {
	l := newLedgerWithPools(t, "USDC")
	jg := ledger.NewJournalGenerator(0)

	b := jg.NewBatch("deposit", 1)
	jg.Deposit(b, 0, "USDC", amt(10))
	if err := l.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	// First leg fits, second overdraws the fee bucket.
	b = jg.NewBatch("bad", 2)
	jg.FeeDrip(b, 0, "USDC", amt(5))
	jg.FeeClaim(b, 0, "USDC", amt(6))
	err := l.ApplyBatch(b)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	p, _ := l.Pool(0)
	if p.DepositAmount.Uint64() != 10 || !p.FeeAmount.IsZero() {
		t.Errorf("partial batch applied: deposit=%s fee=%s", p.DepositAmount.Dec(), p.FeeAmount.Dec())
	}
}

func TestPoolLedger_SharedAssetConservation(t *testing.T) {
	l := newLedgerWithPools(t, "USDC", "USDC", "WETH")
	jg := ledger.NewJournalGenerator(0)

	b := jg.NewBatch("deposits", 1)
	jg.Deposit(b, 0, "USDC", amt(100))
	jg.Deposit(b, 1, "USDC", amt(50))
	jg.Deposit(b, 2, "WETH", amt(7))
	jg.FeeDrip(b, 1, "USDC", amt(5))
	jg.Slash(b, 0, "USDC", amt(20), amt(0))
	if err := l.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	if got := l.AssetPool("USDC").Amount.Uint64(); got != 130 {
		t.Errorf("USDC asset pool: got %d, want 130", got)
	}
	if err := l.Validator().ValidateConservation(); err != nil {
		t.Error(err)
	}
}

func TestPoolLedger_SlashPaysExactAmount(t *testing.T) {
	tests := []struct {
		name                 string
		amount, shrink       uint64
		wantDeposit          uint64
		wantPending          uint64
		wantReceiverJournals int
	}{
		// 10% of deposit 50 + pending 50
		{"split between buckets", 10, 5, 45, 45, 2},
		{"deposit only", 10, 0, 40, 50, 1},
		// rounding left the shrink one above the amount
		{"shrink above amount", 4, 5, 51, 45, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedgerWithPools(t, "USDC")
			jg := ledger.NewJournalGenerator(0)

			b := jg.NewBatch("setup", 1)
			jg.Deposit(b, 0, "USDC", amt(100))
			jg.RedemptionQueued(b, 0, "USDC", amt(50))
			if err := l.ApplyBatch(b); err != nil {
				t.Fatal(err)
			}

			b = jg.NewBatch("slash", 2)
			jg.Slash(b, 0, "USDC", amt(tt.amount), amt(tt.shrink))
			paid, receiverJournals := uint64(0), 0
			for _, j := range b.Journals {
				if j.DebitAccount.SubType == ledger.SubTypeExternalSlashReceiver {
					paid += j.Amount.Uint64()
					receiverJournals++
				}
			}
			if paid != tt.amount || receiverJournals != tt.wantReceiverJournals {
				t.Errorf("receiver got %d in %d journals, want %d in %d", paid, receiverJournals, tt.amount, tt.wantReceiverJournals)
			}
			if err := l.ApplyBatch(b); err != nil {
				t.Fatal(err)
			}

			p, _ := l.Pool(0)
			if p.DepositAmount.Uint64() != tt.wantDeposit || p.PendingRedemptionsAmount.Uint64() != tt.wantPending {
				t.Errorf("deposit=%s pending=%s, want %d/%d",
					p.DepositAmount.Dec(), p.PendingRedemptionsAmount.Dec(), tt.wantDeposit, tt.wantPending)
			}
			if got := l.AssetPool("USDC").Amount.Uint64(); got != 100-tt.amount {
				t.Errorf("asset pool: got %d, want %d", got, 100-tt.amount)
			}
			if err := l.Validator().ValidateConservation(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestPoolLedger_RejectsAssetMismatch(t *testing.T) {
	l := newLedgerWithPools(t, "USDC")
	jg := ledger.NewJournalGenerator(0)

	b := jg.NewBatch("deposit", 1)
	jg.Deposit(b, 0, "WETH", amt(1))
	if err := l.ApplyBatch(b); err == nil {
		t.Error("expected asset mismatch error")
	}
}

func TestPoolLedger_UnknownPool(t *testing.T) {
	l := newLedgerWithPools(t, "USDC")
	if _, err := l.Pool(4); !errors.Is(err, ledger.ErrUnknownReservePool) {
		t.Errorf("got %v", err)
	}
}

func TestPoolLedger_MaxSlashBound(t *testing.T) {
	l := ledger.NewPoolLedger()
	if _, err := l.AddPool("USDC", amt(10_001), 0); !errors.Is(err, ledger.ErrInvalidMaxSlash) {
		t.Errorf("got %v, want ErrInvalidMaxSlash", err)
	}
}

func TestBatch_ReverseUndoes(t *testing.T) {
	l := newLedgerWithPools(t, "USDC")
	jg := ledger.NewJournalGenerator(0)

	b := jg.NewBatch("deposit", 1)
	jg.Deposit(b, 0, "USDC", amt(100))
	_ = l.ApplyBatch(b)

	b = jg.NewBatch("redeem", 2)
	jg.RedemptionQueued(b, 0, "USDC", amt(30))
	jg.RedemptionSettled(b, 0, "USDC", amt(30))
	if err := l.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyBatch(b.Reverse()); err != nil {
		t.Fatal(err)
	}

	p, _ := l.Pool(0)
	if p.DepositAmount.Uint64() != 100 || !p.PendingRedemptionsAmount.IsZero() {
		t.Errorf("deposit=%s pending=%s", p.DepositAmount.Dec(), p.PendingRedemptionsAmount.Dec())
	}
	if l.AssetPool("USDC").Amount.Uint64() != 100 {
		t.Errorf("asset pool not restored")
	}
}
