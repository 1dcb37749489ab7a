package core_test

import (
	"testing"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"
	"SafetyLedger/internal/state"
	"SafetyLedger/internal/token"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Scenarios
// ============================================================================

func TestScenario_DripSkipsPendingRedemptions(t *testing.T) {
	h := newHarness(t, harnessConfig{
		withdrawDelay: day,
		drip:          fpmath.NewConstantDripModel(amt(50_000_000_000_000_000)), // 5%
	})
	h.deposit(0, alice, 75_000_000)
	_, err := h.m.Redeem(alice, 0, amt(25_000_000), alice, alice)
	require.NoError(t, err)

	p := h.pool(0)
	require.Equal(t, "50000000", p.DepositAmount.Dec())
	require.Equal(t, "25000000", p.PendingRedemptionsAmount.Dec())

	h.clock.Advance(1)
	require.NoError(t, h.m.DripFees())

	p = h.pool(0)
	assert.Equal(t, "48750000", p.DepositAmount.Dec())
	assert.Equal(t, "1250000", p.FeeAmount.Dec())
	assert.Equal(t, "25000000", p.PendingRedemptionsAmount.Dec())
	assert.Equal(t, genesis+1, p.LastFeesDripTime)
	assert.Equal(t, "75000000", h.m.AssetPool(usdc).Amount.Dec())
	require.NoError(t, h.m.CheckConservation())
}

func TestScenario_FullSlashReturnsToActive(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.deposit(0, alice, 30_000_000)
	h.trigger(trigger1)
	require.Equal(t, state.StateTriggered, h.m.State())

	slashed, err := h.m.Slash(handler, []state.SlashInstruction{{PoolID: 0, Amount: amt(30_000_000)}}, treasury)
	require.NoError(t, err)
	require.Len(t, slashed, 1)
	assert.Equal(t, "30000000", slashed[0].Amount.Dec())
	assert.True(t, slashed[0].PendingRedemptionsAmount.IsZero())

	p := h.pool(0)
	assert.True(t, p.DepositAmount.IsZero())
	assert.True(t, p.PendingRedemptionsAmount.IsZero())
	assert.Equal(t, "30000000", h.balance(treasury).Dec())
	assert.Equal(t, state.StateActive, h.m.State())
	assert.Equal(t, uint64(0), h.m.NumPendingSlashes())
	assert.Equal(t, uint64(0), h.m.PayoutHandlerNumPendingSlashes(handler))
	require.NoError(t, h.m.CheckConservation())
}

func TestScenario_FullSlashTakesPendingRedemptions(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	h.deposit(0, alice, 60_000_000)
	res, err := h.m.Redeem(alice, 0, amt(30_000_000), alice, alice)
	require.NoError(t, err)
	require.False(t, res.Settled)

	max, err := h.m.GetMaxSlashableReservePoolAmount(0)
	require.NoError(t, err)
	assert.Equal(t, "60000000", max.Dec())

	h.trigger(trigger1)
	slashed, err := h.m.Slash(handler, []state.SlashInstruction{{PoolID: 0, Amount: amt(60_000_000)}}, treasury)
	require.NoError(t, err)
	assert.Equal(t, "60000000", slashed[0].Amount.Dec())
	assert.Equal(t, "30000000", slashed[0].PendingRedemptionsAmount.Dec())

	p := h.pool(0)
	assert.True(t, p.DepositAmount.IsZero())
	assert.True(t, p.PendingRedemptionsAmount.IsZero())
	assert.Equal(t, "60000000", h.balance(treasury).Dec())
	assert.True(t, h.m.AssetPool(usdc).Amount.IsZero())
	require.NoError(t, h.m.CheckConservation())

	h.clock.Advance(day)
	paid, err := h.m.CompleteRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.True(t, paid.IsZero())
	_, status := h.m.Redemption(res.RedemptionID)
	assert.Equal(t, state.RedemptionSettled, status)
}

func TestScenario_PartialSlashPaysInstructedAmount(t *testing.T) {
	rec := &captureRecorder{}
	h := newRecordedHarness(t, harnessConfig{withdrawDelay: day}, rec)
	h.deposit(0, alice, 100_000_000)
	res, err := h.m.Redeem(alice, 0, amt(50_000_000), alice, alice)
	require.NoError(t, err)

	h.trigger(trigger1)
	slashed, err := h.m.Slash(handler, []state.SlashInstruction{{PoolID: 0, Amount: amt(10_000_000)}}, treasury)
	require.NoError(t, err)
	require.Len(t, slashed, 1)
	assert.Equal(t, "10000000", slashed[0].Amount.Dec())
	assert.Equal(t, "5000000", slashed[0].PendingRedemptionsAmount.Dec())

	// 10% of deposit + pending; both buckets lose 10%
	p := h.pool(0)
	assert.Equal(t, "45000000", p.DepositAmount.Dec())
	assert.Equal(t, "45000000", p.PendingRedemptionsAmount.Dec())
	assert.Equal(t, "10000000", h.balance(treasury).Dec())
	assert.Equal(t, "90000000", h.m.AssetPool(usdc).Amount.Dec())
	assert.Equal(t, "90000000", h.vault.Balance(usdc).Dec())
	require.NoError(t, h.m.CheckConservation())

	slashBatch := rec.batches[len(rec.batches)-1]
	require.NoError(t, slashBatch.Validate())
	paid := new(uint256.Int)
	for _, j := range slashBatch.Journals {
		if j.DebitAccount.SubType == ledger.SubTypeExternalSlashReceiver {
			paid.Add(paid, j.Amount)
		}
	}
	assert.Equal(t, "10000000", paid.Dec(), "journals pay the receiver exactly the instructed amount")

	preview, err := h.m.PreviewRedemption(0, amt(50_000_000))
	require.NoError(t, err)
	assert.Equal(t, "45000000", preview.Dec())

	h.clock.Advance(day)
	payout, err := h.m.CompleteRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.InDelta(t, 45_000_000, payout.Uint64(), 1)
	require.NoError(t, h.m.CheckConservation())
}

func TestScenario_TwoHalfSlashesQuarterPayout(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	h.deposit(0, alice, 200_000_000)
	res, err := h.m.Redeem(alice, 0, amt(100_000_000), alice, alice)
	require.NoError(t, err)
	assert.Equal(t, "100000000", res.AssetAmount.Dec())

	h.trigger(trigger1)
	h.slash(0, 100_000_000)
	h.trigger(trigger2)
	h.slash(0, 50_000_000)
	require.Equal(t, state.StateActive, h.m.State())

	p := h.pool(0)
	assert.Equal(t, "25000000", p.DepositAmount.Dec())
	assert.Equal(t, "25000000", p.PendingRedemptionsAmount.Dec())
	assert.Equal(t, "150000000", h.balance(treasury).Dec())

	// both slashes fall in one epoch
	entries := h.m.AccumulatorEntries(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "4000000000000000000", entries[0].Dec())

	preview, err := h.m.PreviewQueuedRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.Equal(t, "25000000", preview.AssetAmount.Dec())
	assert.Equal(t, uint64(0), preview.DelayRemaining)
	assert.True(t, preview.Completable)

	paid, err := h.m.CompleteRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.Equal(t, "25000000", paid.Dec())
	assert.Equal(t, "25000000", h.balance(alice).Dec())
	assert.True(t, h.pool(0).PendingRedemptionsAmount.IsZero())
	require.NoError(t, h.m.CheckConservation())
}

func TestScenario_WipeoutsStartNewEpochs(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	wad36 := uint256.MustFromDecimal("1000000000000000000000000000000000000")

	h.deposit(0, alice, 1_000_000)
	h.trigger(trigger1)
	h.slash(0, 1_000_000)
	require.Len(t, h.m.AccumulatorEntries(0), 1)

	h.deposit(0, bob, 1_000_000)
	h.trigger(trigger2)
	h.slash(0, 1_000_000)
	entries := h.m.AccumulatorEntries(0)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Eq(wad36))
	assert.True(t, entries[1].Eq(wad36))

	h.deposit(0, carol, 3_000_000)
	h.trigger(trigger3)
	h.slash(0, 990_000) // 33%

	scale, err := state.ComputeScale(amt(990_000), amt(3_000_000))
	require.NoError(t, err)
	isf, err := state.InvScalingFactor(scale)
	require.NoError(t, err)
	wantTop, err := fpmath.MulWadUp(wad36, isf)
	require.NoError(t, err)

	entries = h.m.AccumulatorEntries(0)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Eq(wad36), "frozen epoch must not change")
	assert.Equal(t, wantTop.Dec(), entries[1].Dec())
	assert.Equal(t, "2010000", h.pool(0).DepositAmount.Dec())
	require.NoError(t, h.m.CheckConservation())
}

// ============================================================================
// Deposits and redemptions
// ============================================================================

func TestDeposit_MintsProportionally(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	assert.Equal(t, "1000", h.deposit(0, alice, 1000).Dec())
	assert.Equal(t, "500", h.deposit(0, bob, 500).Dec())

	preview, err := h.m.PreviewDeposit(0, amt(300))
	require.NoError(t, err)
	assert.Equal(t, "300", preview.Dec())

	assert.True(t, h.balance(alice).IsZero())
	assert.Equal(t, "1500", h.vault.Balance(usdc).Dec())
	assert.Equal(t, "1500", h.m.AssetPool(usdc).Amount.Dec())
}

func TestDeposit_Rejections(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	_, err := h.m.Deposit(alice, 0, amt(100), alice)
	assert.ErrorIs(t, err, token.ErrInsufficientBalance, "unfunded depositor")

	_, err = h.m.Deposit(alice, 7, amt(100), alice)
	assert.ErrorIs(t, err, core.ErrUnknownReservePool)

	_, err = h.m.Deposit(alice, 0, amt(100), "")
	assert.ErrorIs(t, err, core.ErrInvalidAddress)

	_, err = h.m.DepositWithoutTransfer(alice, 0, amt(100), alice)
	assert.ErrorIs(t, err, core.ErrInsufficientAssets)

	h.vault.Donate(usdc, amt(100))
	shares, err := h.m.DepositWithoutTransfer(alice, 0, amt(100), bob)
	require.NoError(t, err)
	assert.Equal(t, "100", shares.Dec())
	assert.Equal(t, "100", h.shares(0, bob).Dec())
	require.NoError(t, h.m.CheckConservation())
}

func TestRedeem_InstantWithoutDelay(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.deposit(0, alice, 1000)

	res, err := h.m.Redeem(alice, 0, amt(400), alice, alice)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, "400", res.AssetAmount.Dec())
	assert.Equal(t, "400", h.balance(alice).Dec())
	assert.Equal(t, "600", h.shares(0, alice).Dec())

	_, status := h.m.Redemption(res.RedemptionID)
	assert.Equal(t, state.RedemptionSettled, status)

	p := h.pool(0)
	assert.Equal(t, "600", p.DepositAmount.Dec())
	assert.True(t, p.PendingRedemptionsAmount.IsZero())
}

func TestRedeem_NoFreeRedemption(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.deposit(0, alice, 100)
	h.trigger(trigger1)
	h.slash(0, 50)

	// 1 share is worth half an asset
	_, err := h.m.Redeem(alice, 0, amt(1), alice, alice)
	assert.ErrorIs(t, err, core.ErrRoundsToZero)
	assert.Equal(t, "100", h.shares(0, alice).Dec(), "nothing burned")

	preview, err := h.m.PreviewRedemption(0, amt(3))
	require.NoError(t, err)
	assert.Equal(t, "1", preview.Dec())
}

func TestRedeem_AllowanceAndBalance(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.deposit(0, alice, 1000)

	_, err := h.m.Redeem(bob, 0, amt(100), bob, alice)
	assert.ErrorIs(t, err, token.ErrInsufficientAllowance)

	tok, ok := h.tokens.Token(0)
	require.True(t, ok)
	tok.Approve(alice, bob, amt(100))

	_, err = h.m.Redeem(bob, 0, amt(100), bob, alice)
	require.NoError(t, err)
	assert.Equal(t, "900", h.shares(0, alice).Dec())
	assert.Equal(t, "100", h.balance(bob).Dec())
	assert.True(t, tok.Allowance(alice, bob).IsZero())

	_, err = h.m.Redeem(alice, 0, amt(901), alice, alice)
	assert.ErrorIs(t, err, token.ErrInsufficientBalance)
}

func TestRedeem_BlockedWhileTriggered(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	h.deposit(0, alice, 1000)
	res, err := h.m.Redeem(alice, 0, amt(100), alice, alice)
	require.NoError(t, err)

	h.trigger(trigger1)
	_, err = h.m.Redeem(alice, 0, amt(100), alice, alice)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	h.clock.Advance(day)
	preview, err := h.m.PreviewQueuedRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), preview.DelayRemaining)
	assert.False(t, preview.Completable, "completion is blocked while triggered")
	_, err = h.m.CompleteRedemption(res.RedemptionID)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	h.slash(0, 0)
	preview, err = h.m.PreviewQueuedRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.True(t, preview.Completable)
	paid, err := h.m.CompleteRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.Equal(t, preview.AssetAmount.Dec(), paid.Dec())
}

func TestCompleteRedemption_ExactlyOnce(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	h.deposit(0, alice, 1000)
	res, err := h.m.Redeem(alice, 0, amt(250), alice, alice)
	require.NoError(t, err)
	require.False(t, res.Settled)

	req, status := h.m.Redemption(res.RedemptionID)
	require.Equal(t, state.RedemptionPending, status)
	assert.Equal(t, genesis+day, req.ReadyAt())

	_, err = h.m.CompleteRedemption(res.RedemptionID)
	assert.ErrorIs(t, err, core.ErrDelayNotElapsed)

	h.clock.Advance(day)
	paid, err := h.m.CompleteRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.Equal(t, "250", paid.Dec())

	_, err = h.m.CompleteRedemption(res.RedemptionID)
	assert.ErrorIs(t, err, core.ErrRedemptionNotFound)
	_, status = h.m.Redemption(res.RedemptionID)
	assert.Equal(t, state.RedemptionSettled, status)

	_, err = h.m.CompleteRedemption(99)
	assert.ErrorIs(t, err, core.ErrRedemptionNotFound)
	_, status = h.m.Redemption(99)
	assert.Equal(t, state.RedemptionUnknown, status)
	assert.Equal(t, "250", h.balance(alice).Dec())
}

func TestCompleteRedemption_PausedSkipsDelay(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	h.deposit(0, alice, 1000)
	res, err := h.m.Redeem(alice, 0, amt(100), alice, alice)
	require.NoError(t, err)

	preview, err := h.m.PreviewQueuedRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.Equal(t, day, preview.DelayRemaining)
	assert.False(t, preview.Completable)

	require.NoError(t, h.m.Pause(pauser))
	preview, err = h.m.PreviewQueuedRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), preview.DelayRemaining)
	assert.True(t, preview.Completable)

	paid, err := h.m.CompleteRedemption(res.RedemptionID)
	require.NoError(t, err)
	assert.Equal(t, "100", paid.Dec())
}

func TestRedemptionIDsAreUniqueAcrossPaths(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	h.deposit(0, alice, 1000)

	queued, err := h.m.Redeem(alice, 0, amt(10), alice, alice)
	require.NoError(t, err)
	require.NoError(t, h.m.Pause(owner))
	instant, err := h.m.Redeem(alice, 0, amt(10), alice, alice)
	require.NoError(t, err)
	require.True(t, instant.Settled)

	assert.Equal(t, uint64(0), queued.RedemptionID)
	assert.Equal(t, uint64(1), instant.RedemptionID)
	assert.Len(t, h.m.PendingRedemptions(), 1)
}

// ============================================================================
// Slashing
// ============================================================================

func TestSlash_CapEnforced(t *testing.T) {
	h := newHarness(t, harnessConfig{maxSlash: []uint64{5_000}})
	h.deposit(0, alice, 1_000_000)

	max, err := h.m.GetMaxSlashableReservePoolAmount(0)
	require.NoError(t, err)
	assert.Equal(t, "500000", max.Dec())

	h.trigger(trigger1)
	_, err = h.m.Slash(handler, []state.SlashInstruction{{PoolID: 0, Amount: amt(600_000)}}, treasury)
	var capErr *core.ExceedsMaxSlashPercentageError
	require.ErrorAs(t, err, &capErr)
	assert.ErrorIs(t, err, core.ErrExceedsMaxSlashPercentage)
	assert.Equal(t, uint16(0), capErr.PoolID)
	assert.Equal(t, "6000", capErr.RequiredPercentage.Dec())

	assert.Equal(t, "1000000", h.pool(0).DepositAmount.Dec())
	assert.Equal(t, state.StateTriggered, h.m.State())
	assert.Equal(t, uint64(1), h.m.NumPendingSlashes())

	h.slash(0, 500_000)
	assert.Equal(t, "500000", h.pool(0).DepositAmount.Dec())
}

func TestSlash_AllOrNothing(t *testing.T) {
	h := newHarness(t, harnessConfig{maxSlash: []uint64{10_000, 5_000}})
	h.deposit(0, alice, 1_000_000)
	h.deposit(1, bob, 1_000_000)
	h.trigger(trigger1)

	_, err := h.m.Slash(handler, []state.SlashInstruction{
		{PoolID: 0, Amount: amt(500_000)},
		{PoolID: 1, Amount: amt(600_000)},
	}, treasury)
	require.ErrorIs(t, err, core.ErrExceedsMaxSlashPercentage)

	assert.Equal(t, "1000000", h.pool(0).DepositAmount.Dec())
	assert.Empty(t, h.m.AccumulatorEntries(0))
	assert.True(t, h.balance(treasury).IsZero())
	assert.Equal(t, uint64(1), h.m.NumPendingSlashes())

	_, err = h.m.Slash(handler, []state.SlashInstruction{
		{PoolID: 0, Amount: amt(1)},
		{PoolID: 0, Amount: amt(1)},
	}, treasury)
	var dupErr *core.AlreadySlashedError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, uint16(0), dupErr.PoolID)

	// a multi-pool batch consumes a single pending slash
	slashed, err := h.m.Slash(handler, []state.SlashInstruction{
		{PoolID: 0, Amount: amt(500_000)},
		{PoolID: 1, Amount: amt(500_000)},
	}, treasury)
	require.NoError(t, err)
	assert.Len(t, slashed, 2)
	assert.Equal(t, "1000000", h.balance(treasury).Dec())
	assert.Equal(t, state.StateActive, h.m.State())
	require.NoError(t, h.m.CheckConservation())
}

func TestSlash_Authorization(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.deposit(0, alice, 1000)

	_, err := h.m.Slash(handler, []state.SlashInstruction{{PoolID: 0, Amount: amt(1)}}, treasury)
	assert.ErrorIs(t, err, core.ErrUnauthorized, "no slash owed")

	h.trigger(trigger1)
	_, err = h.m.Slash(alice, []state.SlashInstruction{{PoolID: 0, Amount: amt(1)}}, treasury)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = h.m.Slash(handler, []state.SlashInstruction{{PoolID: 0, Amount: amt(1)}}, "")
	assert.ErrorIs(t, err, core.ErrInvalidAddress)

	require.NoError(t, h.m.Pause(pauser))
	_, err = h.m.Slash(handler, []state.SlashInstruction{{PoolID: 0, Amount: amt(1)}}, treasury)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestSlash_RetroactiveMonotonicity(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: 10 * day})
	h.deposit(0, alice, 1_000_000_000)
	res, err := h.m.Redeem(alice, 0, amt(400_000_000), alice, alice)
	require.NoError(t, err)

	last := res.AssetAmount
	// snapshot·Πscale_i, floored once per slash
	want := res.AssetAmount.Clone()
	triggers := []ledger.Address{trigger1, trigger2, trigger3}
	for i, trig := range triggers {
		h.trigger(trig)
		slashable := h.pool(0).SlashableAmount()
		cut, err := fpmath.MulDivDown(slashable, amt(uint64(1_000*(i+1))), fpmath.ZOC)
		require.NoError(t, err)
		scale, err := state.ComputeScale(cut, slashable)
		require.NoError(t, err)
		want, err = fpmath.MulWadDown(want, scale)
		require.NoError(t, err)

		_, err = h.m.Slash(handler, []state.SlashInstruction{{PoolID: 0, Amount: cut}}, treasury)
		require.NoError(t, err)

		preview, err := h.m.PreviewQueuedRedemption(res.RedemptionID)
		require.NoError(t, err)
		got := preview.AssetAmount
		assert.True(t, got.Lt(last), "slash %d must reduce the claim", i)
		assert.False(t, got.Gt(h.pool(0).PendingRedemptionsAmount))
		assert.False(t, got.Gt(want), "slash %d: payout %s above %s", i, got.Dec(), want.Dec())
		assert.InDelta(t, want.Uint64(), got.Uint64(), float64(i+1),
			"slash %d: payout %s, want %s", i, got.Dec(), want.Dec())
		last = got
	}
	require.NoError(t, h.m.CheckConservation())
}

// queueAfterWipeout wipes out pool 0 once, then has alice deposit 2e24 and
// queue half of her shares, so the redemption records watermark 1.
func queueAfterWipeout(t *testing.T, h *harness) *state.RedemptionRequest {
	t.Helper()
	h.deposit(0, bob, 1_000_000)
	h.trigger(trigger1)
	h.slash(0, 1_000_000)
	require.Len(t, h.m.AccumulatorEntries(0), 1)

	big := uint256.MustFromDecimal("2000000000000000000000000")
	h.vault.Fund(usdc, alice, big)
	shares, err := h.m.Deposit(alice, 0, big, alice)
	require.NoError(t, err)
	res, err := h.m.Redeem(alice, 0, new(uint256.Int).Rsh(shares, 1), alice, alice)
	require.NoError(t, err)
	require.False(t, res.Settled)

	req, status := h.m.Redemption(res.RedemptionID)
	require.Equal(t, state.RedemptionPending, status)
	require.Equal(t, 1, req.ScalingWatermark)
	require.Equal(t, "999999999999999999999999", req.AssetAmount.Dec())
	return req
}

// scaledSnapshot divides the snapshot by every entry from the request's
// epoch onwards, flooring after each one.
func scaledSnapshot(t *testing.T, h *harness, req *state.RedemptionRequest) *uint256.Int {
	t.Helper()
	entries := h.m.AccumulatorEntries(req.PoolID)
	start := req.ScalingWatermark - 1
	if start < 0 {
		start = 0
	}
	want, err := fpmath.MulDivDown(req.AssetAmount, req.QueuedAccISF, entries[start])
	require.NoError(t, err)
	for _, entry := range entries[start+1:] {
		want, err = fpmath.MulDivDown(want, fpmath.WAD, entry)
		require.NoError(t, err)
	}
	return want
}

func TestCompleteRedemption_SpansEpochs(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	req := queueAfterWipeout(t, h)

	// halve the pool: the epoch's entry is compounded in place
	slashable := h.pool(0).SlashableAmount()
	require.Equal(t, "2000000000000000000000000", slashable.Dec())
	h.trigger(trigger2)
	_, err := h.m.Slash(handler, []state.SlashInstruction{
		{PoolID: 0, Amount: new(uint256.Int).Rsh(slashable, 1)},
	}, treasury)
	require.NoError(t, err)
	require.Len(t, h.m.AccumulatorEntries(0), 1)

	// leave a scale of 2 wei: compounding would reach the safe bound, so a
	// second entry is pushed
	slashable = h.pool(0).SlashableAmount()
	require.Equal(t, "1000000000000000000000000", slashable.Dec())
	h.trigger(trigger3)
	_, err = h.m.Slash(handler, []state.SlashInstruction{
		{PoolID: 0, Amount: uint256.MustFromDecimal("999999999999999998000000")},
	}, treasury)
	require.NoError(t, err)
	entries := h.m.AccumulatorEntries(0)
	require.Len(t, entries, 2)
	assert.Equal(t, "2000000000000000000000000000000000000", entries[0].Dec())
	assert.Equal(t, "500000000000000000000000000000000000", entries[1].Dec())
	require.NoError(t, h.m.CheckConservation())

	want := scaledSnapshot(t, h, req)
	assert.Equal(t, "999999", want.Dec())
	pending := h.pool(0).PendingRedemptionsAmount
	assert.False(t, want.Gt(pending))

	preview, err := h.m.PreviewQueuedRedemption(req.ID)
	require.NoError(t, err)
	assert.Equal(t, want.Dec(), preview.AssetAmount.Dec())

	h.clock.Advance(day)
	paid, err := h.m.CompleteRedemption(req.ID)
	require.NoError(t, err)
	assert.Equal(t, want.Dec(), paid.Dec())
	assert.Equal(t, want.Dec(), h.balance(alice).Dec())
	require.NoError(t, h.m.CheckConservation())
}

func TestCompleteRedemption_CappedAtPending(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	req := queueAfterWipeout(t, h)

	// a second wipeout pushes a new epoch and empties the pending bucket
	h.trigger(trigger2)
	_, err := h.m.Slash(handler, []state.SlashInstruction{
		{PoolID: 0, Amount: h.pool(0).SlashableAmount()},
	}, treasury)
	require.NoError(t, err)
	require.Len(t, h.m.AccumulatorEntries(0), 2)
	require.True(t, h.pool(0).PendingRedemptionsAmount.IsZero())

	// the accumulator alone would still pay something
	assert.Equal(t, "999999", scaledSnapshot(t, h, req).Dec())

	preview, err := h.m.PreviewQueuedRedemption(req.ID)
	require.NoError(t, err)
	assert.True(t, preview.AssetAmount.IsZero())

	h.clock.Advance(day)
	paid, err := h.m.CompleteRedemption(req.ID)
	require.NoError(t, err)
	assert.True(t, paid.IsZero())
	require.NoError(t, h.m.CheckConservation())
}

// ============================================================================
// Fees
// ============================================================================

func TestFees_Monotonic(t *testing.T) {
	model, err := fpmath.NewExponentialDripModel(amt(1_000_000_000_000))
	require.NoError(t, err)
	h := newHarness(t, harnessConfig{drip: model})
	h.deposit(0, alice, 1_000_000_000_000_000_000)

	prev := h.pool(0)
	for i := 0; i < 5; i++ {
		h.clock.Advance(3600)
		require.NoError(t, h.m.DripFeesFromReservePool(0))
		p := h.pool(0)
		assert.True(t, p.FeeAmount.Gt(prev.FeeAmount), "fees grow")
		assert.True(t, p.DepositAmount.Lt(prev.DepositAmount), "deposits shrink")
		assert.True(t, p.Total().Eq(prev.Total()))
		prev = p
	}
	require.NoError(t, h.m.CheckConservation())
}

func TestClaimFees(t *testing.T) {
	h := newHarness(t, harnessConfig{drip: fpmath.NewConstantDripModel(amt(50_000_000_000_000_000))})
	h.deposit(0, alice, 1_000_000)
	h.clock.Advance(1)

	_, err := h.m.ClaimFees(alice, alice)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	claims, err := h.m.ClaimFees(feeCollector, treasury)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "50000", claims[0].FeeAmount.Dec())
	assert.Equal(t, "50000", h.balance(treasury).Dec())
	assert.True(t, h.pool(0).FeeAmount.IsZero())
	assert.Equal(t, "950000", h.m.AssetPool(usdc).Amount.Dec())

	claims, err = h.m.ClaimFees(feeCollector, treasury)
	require.NoError(t, err)
	assert.Empty(t, claims)
	assert.Equal(t, "50000", h.balance(treasury).Dec())
	require.NoError(t, h.m.CheckConservation())
}

func TestFees_NotChargedWhilePaused(t *testing.T) {
	h := newHarness(t, harnessConfig{drip: fpmath.NewConstantDripModel(amt(50_000_000_000_000_000))})
	h.deposit(0, alice, 1_000_000)
	require.NoError(t, h.m.Pause(pauser))

	h.clock.Advance(10)
	require.NoError(t, h.m.DripFees())
	assert.True(t, h.pool(0).FeeAmount.IsZero())

	require.NoError(t, h.m.Unpause(owner))
	require.NoError(t, h.m.DripFees())
	assert.True(t, h.pool(0).FeeAmount.IsZero(), "paused time is not charged")

	h.clock.Advance(1)
	require.NoError(t, h.m.DripFees())
	assert.Equal(t, "50000", h.pool(0).FeeAmount.Dec())
}

type badDripModel struct{}

func (badDripModel) DripFactor(uint64) (*uint256.Int, error) {
	return new(uint256.Int).Add(fpmath.WAD, amt(1)), nil
}

func TestFees_InvalidDripFactor(t *testing.T) {
	h := newHarness(t, harnessConfig{drip: badDripModel{}})
	h.deposit(0, alice, 1000)
	h.clock.Advance(1)
	assert.ErrorIs(t, h.m.DripFees(), core.ErrInvalidDripFactor)
	assert.Equal(t, "1000", h.pool(0).DepositAmount.Dec())
}

// ============================================================================
// Triggers and pausing
// ============================================================================

func TestTrigger(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	assert.ErrorIs(t, h.m.TriggerSafetyModule(trigger1), core.ErrInvalidTrigger, "oracle has not fired")
	assert.ErrorIs(t, h.m.TriggerSafetyModule("unknown"), core.ErrInvalidTrigger)

	h.trigger(trigger1)
	assert.Equal(t, state.StateTriggered, h.m.State())
	td, ok := h.m.TriggerData(trigger1)
	require.True(t, ok)
	assert.True(t, td.Triggered)
	assert.ErrorIs(t, h.m.TriggerSafetyModule(trigger1), core.ErrInvalidTrigger, "already used")

	h.trigger(trigger2)
	assert.Equal(t, uint64(2), h.m.NumPendingSlashes())

	h.slash(0, 0)
	assert.Equal(t, state.StateTriggered, h.m.State(), "one slash still owed")
	h.slash(0, 0)
	assert.Equal(t, state.StateActive, h.m.State())
}

func TestTriggerWhilePaused(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	require.NoError(t, h.m.Pause(owner))

	h.trigger(trigger1)
	assert.Equal(t, state.StatePaused, h.m.State())
	assert.Equal(t, uint64(1), h.m.NumPendingSlashes())

	require.NoError(t, h.m.Unpause(owner))
	assert.Equal(t, state.StateTriggered, h.m.State())
}

func TestPause(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	h.deposit(0, alice, 1000)

	assert.ErrorIs(t, h.m.Pause(alice), core.ErrUnauthorized)
	require.NoError(t, h.m.Pause(pauser))
	assert.ErrorIs(t, h.m.Pause(pauser), core.ErrInvalidState)

	h.vault.Fund(usdc, bob, amt(10))
	_, err := h.m.Deposit(bob, 0, amt(10), bob)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	res, err := h.m.Redeem(alice, 0, amt(100), alice, alice)
	require.NoError(t, err)
	assert.True(t, res.Settled, "paused redemptions settle at once")

	assert.ErrorIs(t, h.m.Unpause(pauser), core.ErrUnauthorized)
	require.NoError(t, h.m.Unpause(owner))
	assert.Equal(t, state.StateActive, h.m.State())
	assert.ErrorIs(t, h.m.Unpause(owner), core.ErrInvalidState)
}

// ============================================================================
// Config updates
// ============================================================================

func grownConfig() state.ConfigUpdate {
	cfg := testConfig(harnessConfig{withdrawDelay: day})
	return state.ConfigUpdate{
		ReservePools: []state.ReservePoolConfig{
			{Asset: usdc, MaxSlashPercentage: amt(5_000)},
			{Asset: "DAI", MaxSlashPercentage: amt(10_000)},
		},
		Triggers: cfg.Triggers,
		Delays:   cfg.Delays,
	}
}

func TestConfigUpdate_QueueAndFinalize(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	update := grownConfig()

	_, err := h.m.UpdateConfigs(alice, update)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	queued, err := h.m.UpdateConfigs(owner, update)
	require.NoError(t, err)
	assert.Equal(t, genesis+7*day, queued.ActiveTime)
	assert.Equal(t, genesis+8*day, queued.DeadlineTime)
	assert.Equal(t, update.Hash(), queued.Hash)

	assert.ErrorIs(t, h.m.FinalizeUpdateConfigs(update), core.ErrConfigUpdateWindow)

	h.clock.Advance(7 * day)
	other := grownConfig()
	other.Delays.WithdrawDelay = 2 * day
	assert.ErrorIs(t, h.m.FinalizeUpdateConfigs(other), core.ErrNoQueuedConfigUpdate)

	require.NoError(t, h.m.FinalizeUpdateConfigs(update))
	pools := h.m.ReservePools()
	require.Len(t, pools, 2)
	assert.Equal(t, "5000", pools[0].MaxSlashPercentage.Dec())
	assert.Equal(t, ledger.Asset("DAI"), pools[1].Asset)
	assert.Nil(t, h.m.QueuedConfigUpdate())

	_, ok := h.tokens.Token(1)
	assert.True(t, ok, "new pool gets a receipt token")
	assert.ErrorIs(t, h.m.FinalizeUpdateConfigs(update), core.ErrNoQueuedConfigUpdate)
}

func TestConfigUpdate_Deadline(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	update := grownConfig()
	_, err := h.m.UpdateConfigs(owner, update)
	require.NoError(t, err)

	h.clock.Advance(8*day + 1)
	assert.ErrorIs(t, h.m.FinalizeUpdateConfigs(update), core.ErrConfigUpdateWindow)
}

func TestConfigUpdate_Invalid(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})

	changedAsset := grownConfig()
	changedAsset.ReservePools[0].Asset = "WETH"
	_, err := h.m.UpdateConfigs(owner, changedAsset)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	removed := grownConfig()
	removed.ReservePools = nil
	_, err = h.m.UpdateConfigs(owner, removed)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	tooMuch := grownConfig()
	tooMuch.ReservePools[1].MaxSlashPercentage = amt(10_001)
	_, err = h.m.UpdateConfigs(owner, tooMuch)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	shortDelay := grownConfig()
	shortDelay.Delays.ConfigUpdateDelay = 1
	_, err = h.m.UpdateConfigs(owner, shortDelay)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestConfigUpdate_TriggerInterplay(t *testing.T) {
	h := newHarness(t, harnessConfig{withdrawDelay: day})
	update := grownConfig()
	_, err := h.m.UpdateConfigs(owner, update)
	require.NoError(t, err)

	h.clock.Advance(7 * day)
	h.trigger(trigger1)
	assert.ErrorIs(t, h.m.FinalizeUpdateConfigs(update), core.ErrInvalidState)

	h.slash(0, 0)
	assert.Nil(t, h.m.QueuedConfigUpdate(), "returning to ACTIVE drops the queued update")
}

// ============================================================================
// Conservation and events
// ============================================================================

type captureRecorder struct {
	batches []*ledger.Batch
	events  []event.Event
}

func (r *captureRecorder) Record(b *ledger.Batch, events []event.Event) {
	r.batches = append(r.batches, b)
	r.events = append(r.events, events...)
}

func TestConservationAcrossPoolsSharingAnAsset(t *testing.T) {
	rec := &captureRecorder{}
	hc := harnessConfig{maxSlash: []uint64{10_000, 10_000}, withdrawDelay: day,
		drip: fpmath.NewConstantDripModel(amt(10_000_000_000_000_000))}
	clock := core.NewManualClock(genesis)
	vault := token.NewVault(true)
	oracle := token.NewStaticOracle()
	deps := testDeps(hc, clock, vault, token.NewFactory(), oracle)
	deps.Recorder = rec
	m, err := core.NewSafetyModule(testConfig(hc), deps)
	require.NoError(t, err)

	vault.Fund(usdc, alice, amt(10_000_000))
	vault.Fund(usdc, bob, amt(10_000_000))
	_, err = m.Deposit(alice, 0, amt(4_000_000), alice)
	require.NoError(t, err)
	_, err = m.Deposit(bob, 1, amt(6_000_000), bob)
	require.NoError(t, err)
	clock.Advance(60)
	_, err = m.Redeem(alice, 0, amt(1_000_000), alice, alice)
	require.NoError(t, err)
	clock.Advance(60)
	oracle.Fire(trigger1)
	require.NoError(t, m.TriggerSafetyModule(trigger1))
	_, err = m.Slash(handler, []state.SlashInstruction{
		{PoolID: 0, Amount: amt(1_000_000)},
		{PoolID: 1, Amount: amt(2_000_000)},
	}, treasury)
	require.NoError(t, err)
	clock.Advance(60)
	_, err = m.ClaimFees(feeCollector, treasury)
	require.NoError(t, err)

	require.NoError(t, m.CheckConservation())
	assert.Equal(t, vault.Balance(usdc).Dec(), m.AssetPool(usdc).Amount.Dec(),
		"custody matches the ledger")

	for _, b := range rec.batches {
		require.NoError(t, b.Validate())
	}
	var kinds []event.EventType
	for _, e := range rec.events {
		kinds = append(kinds, e.EventType())
	}
	assert.Contains(t, kinds, event.EventTypeDeposited)
	assert.Contains(t, kinds, event.EventTypeRedemptionPending)
	assert.Contains(t, kinds, event.EventTypeFeesDripped)
	assert.Contains(t, kinds, event.EventTypeTriggered)
	assert.Contains(t, kinds, event.EventTypeSlashed)
	assert.Contains(t, kinds, event.EventTypeSafetyModuleStateUpdated)
	assert.Contains(t, kinds, event.EventTypeClaimedFees)
}
