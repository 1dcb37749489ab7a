package query_test

import (
	"context"
	"encoding/json"
	"testing"

	"SafetyLedger/internal/command"
	"SafetyLedger/internal/core"
	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"
	"SafetyLedger/internal/projection"
	"SafetyLedger/internal/query"
	"SafetyLedger/internal/state"
	"SafetyLedger/internal/token"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	genesis uint64 = 1_700_000_000
	day     uint64 = 86_400
)

type fixture struct {
	t       *testing.T
	p       *core.Processor
	history *projection.RedemptionHistory
	qs      *query.QueryService
	seq     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vault := token.NewVault(true)
	vault.Fund("USDC", "alice", uint256.NewInt(10_000_000))
	p, err := core.NewProcessor(
		core.Config{
			ReservePools: []state.ReservePoolConfig{{Asset: "USDC", MaxSlashPercentage: uint256.NewInt(5_000)}},
			Triggers:     []state.TriggerConfig{{Trigger: "trigger-1", PayoutHandler: "handler", Exists: true}},
			Delays:       state.Delays{ConfigUpdateDelay: 7 * day, ConfigUpdateGracePeriod: day, WithdrawDelay: day},
		},
		core.Dependencies{
			Tokens:    token.NewFactory(),
			Vault:     vault,
			DripModel: fpmath.NewConstantDripModel(new(uint256.Int)),
			Oracle:    token.NewStaticOracle(),
			Access:    core.StaticRoles{Owner: "owner", Pauser: "pauser", FeeCollector: "fees"},
			Logger:    zerolog.Nop(),
		},
		core.ProcessorConfig{StartSequence: 1, GenesisTime: genesis},
		nil, nil, nil,
	)
	require.NoError(t, err)
	history := projection.NewRedemptionHistory()
	return &fixture{t: t, p: p, history: history, qs: query.NewQueryService(p, nil, history)}
}

func (f *fixture) header(key string, ts uint64) command.Header {
	h := command.Header{Key: key, Producer: "test", Sequence: f.seq, Timestamp: ts}
	f.seq++
	return h
}

func (f *fixture) apply(cmd command.Command) {
	f.t.Helper()
	out, err := f.p.Process(cmd)
	require.NoError(f.t, err)
	require.NotNil(f.t, out)
	require.NoError(f.t, out.Rejection)
	for _, e := range out.Events {
		f.history.Apply(out.Envelope.Sequence, out.Envelope.Timestamp, e)
	}
}

func (f *fixture) depositAndQueue() {
	f.apply(&command.Deposit{Header: f.header("dep-1", genesis), From: "alice", PoolID: 0,
		Amount: uint256.NewInt(2_000_000), Receiver: "alice"})
	f.apply(&command.Redeem{Header: f.header("red-1", genesis+10), Caller: "alice", PoolID: 0,
		ReceiptTokenAmount: uint256.NewInt(500_000), Receiver: "carol", Owner: "alice"})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestReservePoolView(t *testing.T) {
	f := newFixture(t)
	f.depositAndQueue()

	pools, err := f.qs.ListReservePools()
	require.NoError(t, err)
	require.Len(t, pools, 1)
	p := pools[0]

	assert.Equal(t, "USDC", p.Asset)
	assert.True(t, p.DepositAmount.Equal(dec("1500000")))
	assert.True(t, p.PendingRedemptionsAmount.Equal(dec("500000")))
	assert.True(t, p.TotalAmount.Equal(dec("2000000")))
	assert.True(t, p.MaxSlashPercent.Equal(dec("50")), p.MaxSlashPercent.String())
	assert.True(t, p.MaxSlashableAmount.Equal(dec("1000000")), "deposit and pending are both slashable")
	assert.True(t, p.ReceiptTokenSupply.Equal(dec("1500000")))
	assert.True(t, p.ExchangeRate.Equal(decimal.NewFromInt(1)), p.ExchangeRate.String())
	assert.Equal(t, int64(2), p.AsOfSequence)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"deposit_amount":"1500000"`)

	_, err = f.qs.GetReservePool(7)
	assert.ErrorIs(t, err, core.ErrUnknownReservePool)
}

func TestRedemptionLifecycleView(t *testing.T) {
	f := newFixture(t)
	f.depositAndQueue()

	r, err := f.qs.GetRedemption(0)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", r.Status)
	assert.Equal(t, "carol", r.Receiver)
	assert.True(t, r.QueuedAssetAmount.Equal(dec("500000")))
	assert.True(t, r.AssetAmount.Equal(dec("500000")))
	assert.Equal(t, genesis+10+day, r.ReadyAt)
	assert.Equal(t, day, r.DelayRemaining)
	assert.False(t, r.Completable)

	f.apply(&command.CompleteRedemption{Header: f.header("done-1", genesis+10+day), RedemptionID: 0})

	r, err = f.qs.GetRedemption(0)
	require.NoError(t, err)
	assert.Equal(t, "SETTLED", r.Status)
	require.NotNil(t, r.AssetAmount)
	assert.True(t, r.AssetAmount.Equal(dec("500000")))
	assert.Equal(t, genesis+10, r.QueueTime)

	_, err = f.qs.GetRedemption(1)
	assert.ErrorIs(t, err, query.ErrNotFound)

	list, err := f.qs.ListRedemptionsByOwner("alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "SETTLED", list[0].Status)

	assets := f.qs.ListAssetPools()
	require.Len(t, assets, 1)
	assert.True(t, assets[0].Amount.Equal(dec("1500000")))
	assert.True(t, f.qs.GetAssetPool("WETH").Amount.IsZero())
}

func TestPreviewsAndReceiptBalance(t *testing.T) {
	f := newFixture(t)
	f.depositAndQueue()

	pd, err := f.qs.PreviewDeposit(0, uint256.NewInt(3_000))
	require.NoError(t, err)
	assert.True(t, pd.Output.Equal(dec("3000")))

	pr, err := f.qs.PreviewRedemption(0, uint256.NewInt(1_000))
	require.NoError(t, err)
	assert.True(t, pr.Output.Equal(dec("1000")))

	bal, err := f.qs.GetReceiptBalance(0, "alice")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("1500000")))
	assert.True(t, bal.RedeemableFor.Equal(dec("1500000")))

	empty, err := f.qs.GetReceiptBalance(0, "nobody")
	require.NoError(t, err)
	assert.True(t, empty.RedeemableFor.IsZero())
}

func TestModuleStateAndTriggers(t *testing.T) {
	f := newFixture(t)
	s := f.qs.GetModuleState()
	assert.Equal(t, "ACTIVE", s.State)
	assert.Equal(t, int64(0), s.AsOfSequence)
	assert.Equal(t, day, s.Delays.WithdrawDelay)
	assert.Len(t, s.StateHash, 64)
	assert.Nil(t, s.QueuedConfig)

	triggers := f.qs.ListTriggers([]ledger.Address{"trigger-1", "unknown"})
	require.Len(t, triggers, 1)
	assert.Equal(t, "handler", triggers[0].PayoutHandler)
	assert.False(t, triggers[0].Triggered)
	assert.Zero(t, triggers[0].PayoutHandlerPendingSlashes)
}

func TestProjectionQueriesNeedDatabase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.qs.GetAccountBalance(ctx, "pool:0:deposit:USDC")
	assert.ErrorIs(t, err, query.ErrNoProjections)
	_, err = f.qs.GetJournalHistory(ctx, "pool:0:deposit:USDC", 10, nil)
	assert.ErrorIs(t, err, query.ErrNoProjections)

	report, err := f.qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
}
