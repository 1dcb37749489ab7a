package core

import (
	"fmt"
	"sync"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/observability"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ReceiptToken is the fungible claim on one reserve pool.
type ReceiptToken interface {
	Mint(to ledger.Address, amount *uint256.Int) error
	// Burn consumes caller's allowance when caller != owner.
	Burn(caller, owner ledger.Address, amount *uint256.Int) error
	TotalSupply() *uint256.Int
	BalanceOf(account ledger.Address) *uint256.Int
}

// ReceiptTokenFactory deploys the receipt token of a new reserve pool.
type ReceiptTokenFactory interface {
	DeployReceiptToken(poolID uint16, asset ledger.Asset) (ReceiptToken, error)
}

// DripModel returns the WAD fraction of the drippable balance that becomes
// fees after elapsedSeconds. Values above WAD are rejected.
type DripModel interface {
	DripFactor(elapsedSeconds uint64) (*uint256.Int, error)
}

// AssetVault moves reserve assets in and out of the module's custody. Each
// transfer either succeeds fully or fails without effect.
type AssetVault interface {
	TransferIn(asset ledger.Asset, from ledger.Address, amount *uint256.Int) error
	TransferOut(asset ledger.Asset, to ledger.Address, amount *uint256.Int) error
	Balance(asset ledger.Asset) *uint256.Int
}

type TriggerOracle interface {
	IsTriggered(trigger ledger.Address) (bool, error)
}

type AccessControl interface {
	IsOwner(account ledger.Address) bool
	IsPauser(account ledger.Address) bool
	IsFeeCollector(account ledger.Address) bool
}

// Clock returns unix seconds.
type Clock interface {
	Now() uint64
}

// Recorder receives the journal batch and events of every committed
// operation, in commit order.
type Recorder interface {
	Record(batch *ledger.Batch, events []event.Event)
}

// Config is the initial module configuration.
type Config struct {
	ReservePools []state.ReservePoolConfig
	Triggers     []state.TriggerConfig
	Delays       state.Delays
}

// Dependencies are the collaborators the module consumes. Recorder and
// Metrics are optional.
type Dependencies struct {
	Tokens    ReceiptTokenFactory
	Vault     AssetVault
	DripModel DripModel
	Oracle    TriggerOracle
	Access    AccessControl
	Clock     Clock
	Recorder  Recorder
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
}

// SafetyModule owns the reserve pool ledger, the scaling accumulator, the
// redemption queue and the module state. Every exported operation runs under
// one lock and either commits fully or leaves state untouched.
type SafetyModule struct {
	mu sync.Mutex

	pools       *ledger.PoolLedger
	journals    *ledger.JournalGenerator
	accumulator *state.ScalingAccumulator
	redemptions *state.RedemptionStore
	triggers    *state.TriggerRegistry

	state         state.SafetyModuleState
	delays        state.Delays
	receiptTokens []ReceiptToken
	queuedConfig  *state.QueuedConfigUpdate

	tokens    ReceiptTokenFactory
	vault     AssetVault
	dripModel DripModel
	oracle    TriggerOracle
	access    AccessControl
	clock     Clock
	recorder  Recorder
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewSafetyModule(cfg Config, deps Dependencies) (*SafetyModule, error) {
	if deps.Tokens == nil || deps.Vault == nil || deps.DripModel == nil ||
		deps.Oracle == nil || deps.Access == nil || deps.Clock == nil {
		return nil, fmt.Errorf("safety module: missing collaborator")
	}

	update := state.ConfigUpdate{
		ReservePools: cfg.ReservePools,
		Triggers:     cfg.Triggers,
		Delays:       cfg.Delays,
	}
	if err := update.Validate(nil); err != nil {
		return nil, err
	}

	m := &SafetyModule{
		pools:       ledger.NewPoolLedger(),
		journals:    ledger.NewJournalGenerator(0),
		accumulator: state.NewScalingAccumulator(),
		redemptions: state.NewRedemptionStore(),
		triggers:    state.NewTriggerRegistry(),
		state:       state.StateActive,
		tokens:      deps.Tokens,
		vault:       deps.Vault,
		dripModel:   deps.DripModel,
		oracle:      deps.Oracle,
		access:      deps.Access,
		clock:       deps.Clock,
		recorder:    deps.Recorder,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
	}

	if err := m.applyConfig(&update, m.clock.Now()); err != nil {
		return nil, err
	}
	return m, nil
}

// applyConfig creates missing pools, updates existing ones, and replaces
// trigger settings and delays. The update must already be validated.
func (m *SafetyModule) applyConfig(c *state.ConfigUpdate, now uint64) error {
	for i, pc := range c.ReservePools {
		if i < m.pools.NumPools() {
			if err := m.pools.SetMaxSlashPercentage(uint16(i), pc.MaxSlashPercentage); err != nil {
				return err
			}
			continue
		}
		id, err := m.pools.AddPool(pc.Asset, pc.MaxSlashPercentage, now)
		if err != nil {
			return err
		}
		tok, err := m.tokens.DeployReceiptToken(id, pc.Asset)
		if err != nil {
			return fmt.Errorf("deploy receipt token for pool %d: %w", id, err)
		}
		m.receiptTokens = append(m.receiptTokens, tok)
	}
	for _, tc := range c.Triggers {
		if err := m.triggers.Configure(tc.Trigger, tc.PayoutHandler, tc.Exists); err != nil {
			return err
		}
	}
	m.delays = c.Delays
	return nil
}

// commit applies a staged batch and hands its outputs to the recorder.
func (m *SafetyModule) commit(batch *ledger.Batch, events []event.Event) error {
	if err := m.pools.ApplyBatch(batch); err != nil {
		return err
	}
	m.record(batch, events)
	return nil
}

func (m *SafetyModule) record(batch *ledger.Batch, events []event.Event) {
	if m.metrics != nil {
		for _, j := range batch.Journals {
			m.metrics.JournalsApplied.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	if m.recorder != nil {
		m.recorder.Record(batch, events)
	}
}

func (m *SafetyModule) setState(next state.SafetyModuleState) (event.Event, error) {
	if !m.state.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, m.state, next)
	}
	m.logger.Info().
		Str("from", m.state.String()).
		Str("to", next.String()).
		Msg("safety module state updated")
	m.state = next
	if m.metrics != nil {
		m.metrics.ModuleState.Set(float64(next))
	}
	return &event.SafetyModuleStateUpdated{State: next}, nil
}

func (m *SafetyModule) receiptToken(poolID uint16) (ReceiptToken, error) {
	if int(poolID) >= len(m.receiptTokens) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReservePool, poolID)
	}
	return m.receiptTokens[poolID], nil
}

// --- Read accessors ---

func (m *SafetyModule) State() state.SafetyModuleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *SafetyModule) Delays() state.Delays {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delays
}

func (m *SafetyModule) ReservePool(poolID uint16) (ledger.ReservePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools.Pool(poolID)
}

func (m *SafetyModule) ReservePools() []ledger.ReservePool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools.Pools()
}

func (m *SafetyModule) AssetPool(asset ledger.Asset) ledger.AssetPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools.AssetPool(asset)
}

func (m *SafetyModule) AssetPools() []ledger.AssetPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools.AssetPools()
}

func (m *SafetyModule) ReceiptToken(poolID uint16) (ReceiptToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiptToken(poolID)
}

// Redemption returns a pending request and its status.
func (m *SafetyModule) Redemption(id uint64) (*state.RedemptionRequest, state.RedemptionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redemptions.Get(id)
}

func (m *SafetyModule) PendingRedemptions() []*state.RedemptionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redemptions.Pending()
}

func (m *SafetyModule) NumPendingSlashes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers.NumPendingSlashes()
}

func (m *SafetyModule) PayoutHandlerNumPendingSlashes(handler ledger.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers.PendingSlashes(handler)
}

func (m *SafetyModule) TriggerData(trigger ledger.Address) (state.TriggerData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers.Get(trigger)
}

func (m *SafetyModule) QueuedConfigUpdate() *state.QueuedConfigUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queuedConfig == nil {
		return nil
	}
	q := *m.queuedConfig
	return &q
}

// AccumulatorEntries exposes a pool's scaling stack for inspection.
func (m *SafetyModule) AccumulatorEntries(poolID uint16) []*uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accumulator.Entries(poolID)
}

// CheckConservation re-verifies the ledger conservation invariant.
func (m *SafetyModule) CheckConservation() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools.Validator().ValidateConservation()
}
