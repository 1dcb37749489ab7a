package core

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"SafetyLedger/internal/command"
	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrTimeRegression = errors.New("command timestamp before module time")
	ErrHashMismatch   = errors.New("replayed state hash differs from log")
)

// CoreOutput is everything one command produced.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batches  []*ledger.Batch
	Events   []event.Event
	// Rejection is the module's error for a refused command. The envelope
	// is still emitted.
	Rejection error
}

type ProcessorConfig struct {
	// Sequence assigned to the first command
	StartSequence int64
	// Module time before the first command
	GenesisTime         uint64
	IdempotencyCapacity int
}

// outputBuffer collects what the module records while one command runs.
type outputBuffer struct {
	batches []*ledger.Batch
	events  []event.Event
}

func (b *outputBuffer) Record(batch *ledger.Batch, events []event.Event) {
	if batch != nil && !batch.IsEmpty() {
		b.batches = append(b.batches, batch)
	}
	b.events = append(b.events, events...)
}

func (b *outputBuffer) drain() ([]*ledger.Batch, []event.Event) {
	batches, events := b.batches, b.events
	b.batches, b.events = nil, nil
	return batches, events
}

// Processor applies commands to the safety module one at a time: dedup,
// per-source ordering, dispatch, conservation post-check, state hash, then
// outputs to persistence (blocking) and projections (non-blocking). The
// module clock follows command timestamps; wall time is only used for
// latency metrics.
type Processor struct {
	mu sync.Mutex

	module      *SafetyModule
	clock       *ManualClock
	buffer      *outputBuffer
	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	sequences   *SequenceValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// NewProcessor builds the module it drives. deps.Clock and deps.Recorder are
// replaced by the processor's own.
func NewProcessor(
	cfg Config,
	deps Dependencies,
	pc ProcessorConfig,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
) (*Processor, error) {
	if pc.IdempotencyCapacity <= 0 {
		pc.IdempotencyCapacity = 1_000_000
	}
	clock := NewManualClock(pc.GenesisTime)
	buffer := &outputBuffer{}
	deps.Clock = clock
	deps.Recorder = buffer

	module, err := NewSafetyModule(cfg, deps)
	if err != nil {
		return nil, err
	}
	// genesis configuration isn't a command; nothing to emit
	buffer.drain()

	return &Processor{
		module:         module,
		clock:          clock,
		buffer:         buffer,
		sequence:       pc.StartSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(pc.IdempotencyCapacity, dbChecker, deps.Metrics, deps.Logger),
		sequences:      NewSequenceValidator(deps.Metrics),
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// Module exposes the module for reads. Mutations must go through Process.
func (p *Processor) Module() *SafetyModule {
	return p.module
}

// Process runs one command. A duplicate returns (nil, nil). An error means
// the command was not sequenced at all; a command the module refused comes
// back with CoreOutput.Rejection set.
func (p *Processor) Process(cmd command.Command) (*CoreOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out, err := p.process(cmd, false)
	if err != nil || out == nil {
		return out, err
	}

	// Persistence: blocking send. The processor stalls until the worker
	// drains so no entry is lost.
	if p.persistChan != nil {
		p.persistChan <- *out
	}
	// Projections: drop on full; they rebuild from the log.
	if p.projectionChan != nil {
		select {
		case p.projectionChan <- *out:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.WithLabelValues("pool_balances").Inc()
			}
		}
	}
	return out, nil
}

// Replay re-applies a logged command during recovery and checks that it
// reproduces the logged state hash. Outputs are not re-emitted.
func (p *Processor) Replay(cmd command.Command, want *event.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if want.Sequence != p.sequence {
		return fmt.Errorf("replay: log entry %d, processor at %d", want.Sequence, p.sequence)
	}
	out, err := p.process(cmd, true)
	if err != nil {
		return fmt.Errorf("replay %d: %w", want.Sequence, err)
	}
	if out.Envelope.StateHash != want.StateHash {
		return fmt.Errorf("%w at sequence %d", ErrHashMismatch, want.Sequence)
	}
	if p.metrics != nil {
		p.metrics.ReplayCommands.Inc()
	}
	return nil
}

func sourceOf(cmd command.Command) string {
	if s := cmd.Source(); s != "" {
		return s
	}
	return "global"
}

func (p *Processor) process(cmd command.Command, replay bool) (*CoreOutput, error) {
	start := time.Now()
	cmdType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()
	if key == "" {
		return nil, command.ErrMissingIdempotencyKey
	}

	// Step 1: dedup. The log itself is the dedup store, so replay skips it.
	isDuplicate := false
	if !replay {
		isDuplicate = p.idempotency.IsDuplicate(cmdType, key)
	}

	// Step 2: per-source ordering
	if err := p.sequences.ValidateSequence(sourceOf(cmd), cmd.SourceSequence(), isDuplicate); err != nil {
		p.countRejected(cmdType, "sequence")
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}
	if isDuplicate {
		p.countRejected(cmdType, "duplicate")
		return nil, nil
	}

	// Step 3: time, then dispatch
	var rejection error
	if now := p.clock.Now(); cmd.Time() < now {
		rejection = fmt.Errorf("%w: %d < %d", ErrTimeRegression, cmd.Time(), now)
	} else {
		p.clock.Set(cmd.Time())
		rejection = p.dispatch(cmd)
	}
	batches, events := p.buffer.drain()
	if rejection != nil && (len(batches) > 0 || len(events) > 0) {
		panic(fmt.Sprintf("FATAL: %s rejected after recording outputs: %v", cmdType, rejection))
	}

	// Step 4: post-check
	if err := p.module.CheckConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", cmdType, key, err))
	}

	// Step 5: hash chain
	snap := p.module.Snapshot()
	prevHash := p.hasher.PrevHash()
	stateHash := p.hasher.ComputeHash(p.sequence, stateDigest(snap))

	payload, err := command.Marshal(cmd)
	if err != nil {
		// every command type the dispatcher accepts is encodable
		panic(fmt.Sprintf("FATAL: encode %s: %v", cmdType, err))
	}
	envelope := &event.EventEnvelope{
		Sequence:       p.sequence,
		IdempotencyKey: key,
		CommandType:    cmdType,
		PoolID:         cmd.ReservePool(),
		Timestamp:      cmd.Time(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if rejection != nil {
		envelope.Rejection = rejection.Error()
	}

	p.sequence++
	p.idempotency.MarkProcessed(cmdType, key)

	if rejection != nil {
		p.countRejected(cmdType, rejectReason(rejection))
		p.logger.Info().
			Err(rejection).
			Str("command", cmdType).
			Str("idempotency_key", key).
			Int64("sequence", envelope.Sequence).
			Msg("command rejected")
	} else if p.metrics != nil {
		p.metrics.CommandsApplied.WithLabelValues(cmdType).Inc()
	}
	if p.metrics != nil {
		p.metrics.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(p.sequence))
		p.updatePoolGauges(snap.Pools)
	}

	return &CoreOutput{
		Envelope:  envelope,
		Batches:   batches,
		Events:    events,
		Rejection: rejection,
	}, nil
}

func (p *Processor) dispatch(cmd command.Command) error {
	m := p.module
	switch c := cmd.(type) {
	case *command.Deposit:
		_, err := m.Deposit(c.From, c.PoolID, c.Amount, c.Receiver)
		return err
	case *command.DepositWithoutTransfer:
		_, err := m.DepositWithoutTransfer(c.Caller, c.PoolID, c.Amount, c.Receiver)
		return err
	case *command.Redeem:
		_, err := m.Redeem(c.Caller, c.PoolID, c.ReceiptTokenAmount, c.Receiver, c.Owner)
		return err
	case *command.CompleteRedemption:
		_, err := m.CompleteRedemption(c.RedemptionID)
		return err
	case *command.Slash:
		_, err := m.Slash(c.Caller, c.Instructions, c.Receiver)
		return err
	case *command.Trigger:
		return m.TriggerSafetyModule(c.Trigger)
	case *command.Pause:
		return m.Pause(c.Caller)
	case *command.Unpause:
		return m.Unpause(c.Caller)
	case *command.ClaimFees:
		_, err := m.ClaimFees(c.Caller, c.Receiver)
		return err
	case *command.DripFees:
		if c.PoolID != nil {
			return m.DripFeesFromReservePool(*c.PoolID)
		}
		return m.DripFees()
	case *command.UpdateConfigs:
		_, err := m.UpdateConfigs(c.Caller, c.Update)
		return err
	case *command.FinalizeConfigs:
		return m.FinalizeUpdateConfigs(c.Update)
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRoundsToZero):
		return "rounds_to_zero"
	case errors.Is(err, ErrDelayNotElapsed):
		return "delay_not_elapsed"
	case errors.Is(err, ErrRedemptionNotFound):
		return "redemption_not_found"
	case errors.Is(err, ErrExceedsMaxSlashPercentage):
		return "exceeds_max_slash"
	case errors.Is(err, ErrTimeRegression):
		return "time_regression"
	default:
		return "rejected"
	}
}

func (p *Processor) countRejected(cmdType, reason string) {
	if p.metrics != nil {
		p.metrics.CommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func (p *Processor) updatePoolGauges(pools []ledger.ReservePool) {
	for _, pool := range pools {
		id := strconv.Itoa(int(pool.ID))
		asset := string(pool.Asset)
		p.metrics.PoolDepositAmount.WithLabelValues(id, asset).Set(wordToFloat(pool.DepositAmount))
		p.metrics.PoolPendingAmount.WithLabelValues(id, asset).Set(wordToFloat(pool.PendingRedemptionsAmount))
		p.metrics.PoolFeeAmount.WithLabelValues(id, asset).Set(wordToFloat(pool.FeeAmount))
	}
	p.metrics.PendingRedemptions.Set(float64(len(p.module.PendingRedemptions())))
}

// --- Snapshot & recovery ---

// SnapshotState is the processor's recoverable state.
type SnapshotState struct {
	// Last sequence applied
	Sequence        int64
	StateHash       [32]byte
	ClockTime       uint64
	Module          *ModuleSnapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

func (p *Processor) CreateSnapshotState() *SnapshotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &SnapshotState{
		Sequence:        p.sequence - 1,
		StateHash:       p.hasher.PrevHash(),
		ClockTime:       p.clock.Now(),
		Module:          p.module.Snapshot(),
		SequenceState:   p.sequences.Partitions(),
		IdempotencyKeys: p.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot resumes from a snapshot; replay continues at
// snap.Sequence+1.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.module.Restore(snap.Module); err != nil {
		return err
	}
	p.sequence = snap.Sequence + 1
	p.hasher.SetPrevHash(snap.StateHash)
	p.clock.Set(snap.ClockTime)
	p.sequences.RestorePartitions(snap.SequenceState)
	p.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recently processed keys, oldest first.
func (p *Processor) WarmLRU(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idempotency.lru.WarmFromKeys(keys)
}

// Sequence returns the sequence the next command will get.
func (p *Processor) Sequence() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

func (p *Processor) StateHash() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasher.PrevHash()
}

// Now returns the module time, i.e. the timestamp of the last command.
func (p *Processor) Now() uint64 {
	return p.clock.Now()
}

// wordToFloat is lossy; gauges only.
func wordToFloat(v *uint256.Int) float64 {
	f, _ := strconv.ParseFloat(v.Dec(), 64)
	return f
}
