package core

import (
	"fmt"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

// nextDripAmount returns the fees pool p would drip at now. Zero unless the
// module is ACTIVE and time has moved since the last drip.
func (m *SafetyModule) nextDripAmount(p ledger.ReservePool, now uint64) (*uint256.Int, error) {
	if m.state != state.StateActive || now <= p.LastFeesDripTime {
		return new(uint256.Int), nil
	}
	factor, err := m.dripModel.DripFactor(now - p.LastFeesDripTime)
	if err != nil {
		return nil, fmt.Errorf("drip model: %w", err)
	}
	if factor.Gt(fpmath.WAD) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDripFactor, factor.Dec())
	}
	base := fpmath.SubSaturating(p.DepositAmount, p.PendingRedemptionsAmount)
	return fpmath.MulWadDown(base, factor)
}

// dripStep is a staged drip: the pool view after the drip and whether the
// drip clock should advance on commit.
type dripStep struct {
	pool    ledger.ReservePool
	dripped *uint256.Int
	advance bool
}

// stageDrip appends the pool's drip to batch and returns the post-drip view.
func (m *SafetyModule) stageDrip(batch *ledger.Batch, p ledger.ReservePool, now uint64) (dripStep, error) {
	dripped, err := m.nextDripAmount(p, now)
	if err != nil {
		return dripStep{}, err
	}
	step := dripStep{
		pool:    p,
		dripped: dripped,
		advance: m.state == state.StateActive && now > p.LastFeesDripTime,
	}
	if !dripped.IsZero() {
		m.journals.FeeDrip(batch, p.ID, p.Asset, dripped)
		step.pool.DepositAmount = new(uint256.Int).Sub(p.DepositAmount, dripped)
		step.pool.FeeAmount = new(uint256.Int).Add(p.FeeAmount, dripped)
	}
	if step.advance {
		step.pool.LastFeesDripTime = now
	}
	return step, nil
}

// finishDrips advances drip clocks after the batch committed.
func (m *SafetyModule) finishDrips(steps []dripStep, now uint64) {
	for _, s := range steps {
		if s.advance {
			_ = m.pools.SetLastFeesDripTime(s.pool.ID, now)
		}
	}
}

// restartDripClocks starts a fresh accrual period for every pool. Called
// when the module re-enters ACTIVE so time spent paused or triggered is not
// charged.
func (m *SafetyModule) restartDripClocks(now uint64) {
	for _, p := range m.pools.Pools() {
		_ = m.pools.SetLastFeesDripTime(p.ID, now)
	}
}

func dripEvents(steps []dripStep) []event.Event {
	var out []event.Event
	for _, s := range steps {
		if !s.dripped.IsZero() {
			out = append(out, &event.FeesDripped{PoolID: s.pool.ID, Amount: s.dripped.Clone()})
		}
	}
	return out
}

// DripFees moves accrued fees out of every pool's deposits.
func (m *SafetyModule) DripFees() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dripPools(m.pools.Pools())
}

// DripFeesFromReservePool drips a single pool.
func (m *SafetyModule) DripFeesFromReservePool(poolID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pools.Pool(poolID)
	if err != nil {
		return err
	}
	return m.dripPools([]ledger.ReservePool{p})
}

func (m *SafetyModule) dripPools(pools []ledger.ReservePool) error {
	now := m.clock.Now()
	batch := m.journals.NewBatch("drip_fees", now)
	steps := make([]dripStep, 0, len(pools))
	for _, p := range pools {
		step, err := m.stageDrip(batch, p, now)
		if err != nil {
			return fmt.Errorf("drip pool %d: %w", p.ID, err)
		}
		steps = append(steps, step)
	}
	if err := m.commit(batch, dripEvents(steps)); err != nil {
		return err
	}
	m.finishDrips(steps, now)
	return nil
}

// ClaimFees drips every pool and pays all accrued fees to receiver.
func (m *SafetyModule) ClaimFees(caller, receiver ledger.Address) ([]*event.ClaimedFees, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.access.IsFeeCollector(caller) {
		return nil, fmt.Errorf("%w: %s is not the fee collector", ErrUnauthorized, caller)
	}
	if receiver == "" {
		return nil, ErrInvalidAddress
	}

	now := m.clock.Now()
	batch := m.journals.NewBatch("claim_fees", now)
	pools := m.pools.Pools()
	steps := make([]dripStep, 0, len(pools))
	var transfers []outboundTransfer
	var claims []*event.ClaimedFees

	for _, p := range pools {
		step, err := m.stageDrip(batch, p, now)
		if err != nil {
			return nil, fmt.Errorf("drip pool %d: %w", p.ID, err)
		}
		steps = append(steps, step)

		fee := step.pool.FeeAmount
		if fee.IsZero() {
			continue
		}
		m.journals.FeeClaim(batch, p.ID, p.Asset, fee)
		transfers = append(transfers, outboundTransfer{asset: p.Asset, to: receiver, amount: fee.Clone()})
		claims = append(claims, &event.ClaimedFees{
			PoolID:    p.ID,
			Asset:     p.Asset,
			FeeAmount: fee.Clone(),
			Receiver:  receiver,
		})
	}

	events := dripEvents(steps)
	for _, c := range claims {
		events = append(events, c)
	}
	if err := m.commitAndPay(batch, events, transfers); err != nil {
		return nil, err
	}
	m.finishDrips(steps, now)

	for _, c := range claims {
		m.logger.Info().
			Uint16("pool_id", c.PoolID).
			Str("fee_amount", c.FeeAmount.Dec()).
			Str("receiver", string(receiver)).
			Msg("fees claimed")
		if m.metrics != nil {
			m.metrics.FeesClaimed.WithLabelValues(fmt.Sprint(c.PoolID)).Inc()
		}
	}
	return claims, nil
}
