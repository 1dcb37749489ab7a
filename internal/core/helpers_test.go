package core_test

import (
	"testing"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"
	"SafetyLedger/internal/state"
	"SafetyLedger/internal/token"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	genesis uint64 = 1_700_000_000
	day     uint64 = 86_400

	owner        ledger.Address = "owner"
	pauser       ledger.Address = "pauser"
	feeCollector ledger.Address = "fee-collector"
	handler      ledger.Address = "payout-handler"
	treasury     ledger.Address = "treasury"
	alice        ledger.Address = "alice"
	bob          ledger.Address = "bob"
	carol        ledger.Address = "carol"

	trigger1 ledger.Address = "trigger-1"
	trigger2 ledger.Address = "trigger-2"
	trigger3 ledger.Address = "trigger-3"

	usdc ledger.Asset = "USDC"
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

type harnessConfig struct {
	// ZOC-scaled max slash per pool; one 100% pool when empty
	maxSlash      []uint64
	withdrawDelay uint64
	drip          core.DripModel
}

type harness struct {
	t      *testing.T
	m      *core.SafetyModule
	clock  *core.ManualClock
	vault  *token.Vault
	tokens *token.Factory
	oracle *token.StaticOracle
}

func testConfig(hc harnessConfig) core.Config {
	if len(hc.maxSlash) == 0 {
		hc.maxSlash = []uint64{10_000}
	}
	cfg := core.Config{
		Triggers: []state.TriggerConfig{
			{Trigger: trigger1, PayoutHandler: handler, Exists: true},
			{Trigger: trigger2, PayoutHandler: handler, Exists: true},
			{Trigger: trigger3, PayoutHandler: handler, Exists: true},
		},
		Delays: state.Delays{
			ConfigUpdateDelay:       7 * day,
			ConfigUpdateGracePeriod: day,
			WithdrawDelay:           hc.withdrawDelay,
		},
	}
	for _, pct := range hc.maxSlash {
		cfg.ReservePools = append(cfg.ReservePools, state.ReservePoolConfig{
			Asset:              usdc,
			MaxSlashPercentage: amt(pct),
		})
	}
	return cfg
}

func testDeps(hc harnessConfig, clock core.Clock, vault *token.Vault, tokens *token.Factory, oracle *token.StaticOracle) core.Dependencies {
	drip := hc.drip
	if drip == nil {
		drip = fpmath.NewConstantDripModel(new(uint256.Int))
	}
	return core.Dependencies{
		Tokens:    tokens,
		Vault:     vault,
		DripModel: drip,
		Oracle:    oracle,
		Access:    core.StaticRoles{Owner: owner, Pauser: pauser, FeeCollector: feeCollector},
		Clock:     clock,
		Logger:    zerolog.Nop(),
	}
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	return newRecordedHarness(t, hc, nil)
}

// newRecordedHarness is newHarness with every committed batch passed to rec.
func newRecordedHarness(t *testing.T, hc harnessConfig, rec core.Recorder) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  core.NewManualClock(genesis),
		vault:  token.NewVault(true),
		tokens: token.NewFactory(),
		oracle: token.NewStaticOracle(),
	}
	deps := testDeps(hc, h.clock, h.vault, h.tokens, h.oracle)
	deps.Recorder = rec
	m, err := core.NewSafetyModule(testConfig(hc), deps)
	require.NoError(t, err)
	h.m = m
	return h
}

// deposit funds from with amount and deposits it to its own account.
func (h *harness) deposit(poolID uint16, from ledger.Address, amount uint64) *uint256.Int {
	h.t.Helper()
	h.vault.Fund(usdc, from, amt(amount))
	shares, err := h.m.Deposit(from, poolID, amt(amount), from)
	require.NoError(h.t, err)
	return shares
}

func (h *harness) pool(id uint16) ledger.ReservePool {
	h.t.Helper()
	p, err := h.m.ReservePool(id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) trigger(trig ledger.Address) {
	h.t.Helper()
	h.oracle.Fire(trig)
	require.NoError(h.t, h.m.TriggerSafetyModule(trig))
}

func (h *harness) slash(poolID uint16, amount uint64) {
	h.t.Helper()
	_, err := h.m.Slash(handler, []state.SlashInstruction{{PoolID: poolID, Amount: amt(amount)}}, treasury)
	require.NoError(h.t, err)
}

func (h *harness) shares(poolID uint16, holder ledger.Address) *uint256.Int {
	h.t.Helper()
	tok, ok := h.tokens.Token(poolID)
	require.True(h.t, ok)
	return tok.BalanceOf(holder)
}

func (h *harness) balance(holder ledger.Address) *uint256.Int {
	return h.vault.BalanceOf(usdc, holder)
}
