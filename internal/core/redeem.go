package core

import (
	"fmt"

	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	fpmath "SafetyLedger/internal/math"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

// RedeemResult describes an accepted redemption.
type RedeemResult struct {
	RedemptionID uint64
	AssetAmount  *uint256.Int
	// Settled is true when the assets were paid immediately.
	Settled bool
}

// Redeem burns receipt tokens from owner and either pays receiver at once
// (no delay configured, or module paused) or queues a redemption that can be
// completed after the withdraw delay. Queued redemptions stay exposed to
// slashes until they complete.
func (m *SafetyModule) Redeem(
	caller ledger.Address,
	poolID uint16,
	receiptTokenAmount *uint256.Int,
	receiver, owner ledger.Address,
) (*RedeemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == state.StateTriggered {
		return nil, fmt.Errorf("%w: redemptions disabled while %s", ErrInvalidState, m.state)
	}
	if receiver == "" || owner == "" || caller == "" {
		return nil, ErrInvalidAddress
	}
	p, err := m.pools.Pool(poolID)
	if err != nil {
		return nil, err
	}
	tok, err := m.receiptToken(poolID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	batch := m.journals.NewBatch("redeem", now)
	step, err := m.stageDrip(batch, p, now)
	if err != nil {
		return nil, err
	}

	assets, err := convertToAssetAmount(receiptTokenAmount, tok.TotalSupply(), step.pool.DepositAmount)
	if err != nil {
		return nil, err
	}
	if assets.IsZero() {
		return nil, ErrRoundsToZero
	}

	if err := tok.Burn(caller, owner, receiptTokenAmount); err != nil {
		return nil, fmt.Errorf("burn receipt tokens: %w", err)
	}
	m.journals.RedemptionQueued(batch, poolID, p.Asset, assets)

	id := m.redemptions.NextID()
	instant := m.delays.WithdrawDelay == 0 || m.state == state.StatePaused
	events := dripEvents([]dripStep{step})

	if instant {
		m.journals.RedemptionSettled(batch, poolID, p.Asset, assets)
		events = append(events, &event.Redeemed{
			Caller:             caller,
			Receiver:           receiver,
			Owner:              owner,
			PoolID:             poolID,
			ReceiptTokenAmount: receiptTokenAmount.Clone(),
			AssetAmount:        assets.Clone(),
			RedemptionID:       id,
		})
		transfer := []outboundTransfer{{asset: p.Asset, to: receiver, amount: assets}}
		if err := m.commitAndPay(batch, events, transfer); err != nil {
			m.remint(tok, owner, receiptTokenAmount)
			return nil, err
		}
		m.redemptions.AllocateID()
		m.finishDrips([]dripStep{step}, now)
		if m.metrics != nil {
			m.metrics.RedemptionsSettled.WithLabelValues("instant").Inc()
		}
		return &RedeemResult{RedemptionID: id, AssetAmount: assets, Settled: true}, nil
	}

	events = append(events, &event.RedemptionPending{
		Caller:             caller,
		Receiver:           receiver,
		Owner:              owner,
		PoolID:             poolID,
		ReceiptTokenAmount: receiptTokenAmount.Clone(),
		AssetAmount:        assets.Clone(),
		RedemptionID:       id,
	})
	if err := m.commit(batch, events); err != nil {
		m.remint(tok, owner, receiptTokenAmount)
		return nil, err
	}
	m.finishDrips([]dripStep{step}, now)
	m.redemptions.Enqueue(&state.RedemptionRequest{
		PoolID:             poolID,
		ReceiptTokenAmount: receiptTokenAmount.Clone(),
		AssetAmount:        assets.Clone(),
		Owner:              owner,
		Receiver:           receiver,
		Caller:             caller,
		QueueTime:          now,
		Delay:              m.delays.WithdrawDelay,
		ScalingWatermark:   m.accumulator.Len(poolID),
		QueuedAccISF:       m.accumulator.Top(poolID),
	})
	if m.metrics != nil {
		m.metrics.PendingRedemptions.Set(float64(m.redemptions.Len()))
	}

	m.logger.Debug().
		Uint64("redemption_id", id).
		Uint16("pool_id", poolID).
		Str("assets", assets.Dec()).
		Msg("redemption queued")
	return &RedeemResult{RedemptionID: id, AssetAmount: assets}, nil
}

func (m *SafetyModule) remint(tok ReceiptToken, owner ledger.Address, amount *uint256.Int) {
	if err := tok.Mint(owner, amount); err != nil {
		panic(fmt.Sprintf("FATAL: cannot restore %s burned receipt tokens to %s: %v", amount.Dec(), owner, err))
	}
}

// queuedPayout is what a pending request would pay now: its snapshot scaled
// by every slash since it was queued, capped at the pool's pending balance.
func (m *SafetyModule) queuedPayout(req *state.RedemptionRequest) (*uint256.Int, error) {
	payout, err := m.accumulator.ScaleQueued(req.PoolID, req.AssetAmount, req.ScalingWatermark, req.QueuedAccISF)
	if err != nil {
		return nil, err
	}
	p, err := m.pools.Pool(req.PoolID)
	if err != nil {
		return nil, err
	}
	return fpmath.Min(payout, p.PendingRedemptionsAmount), nil
}

// CompleteRedemption settles a queued redemption once its delay has passed
// (or at any time while paused) and returns the assets paid.
func (m *SafetyModule) CompleteRedemption(id uint64) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, status := m.redemptions.Get(id)
	if status != state.RedemptionPending {
		return nil, fmt.Errorf("%w: id %d is %s", ErrRedemptionNotFound, id, status)
	}

	now := m.clock.Now()
	switch m.state {
	case state.StateTriggered:
		return nil, fmt.Errorf("%w: cannot complete redemptions while %s", ErrInvalidState, m.state)
	case state.StateActive:
		if now < req.ReadyAt() {
			return nil, fmt.Errorf("%w: ready at %d, now %d", ErrDelayNotElapsed, req.ReadyAt(), now)
		}
	}

	payout, err := m.queuedPayout(req)
	if err != nil {
		return nil, err
	}
	p, err := m.pools.Pool(req.PoolID)
	if err != nil {
		return nil, err
	}

	batch := m.journals.NewBatch("complete_redemption", now)
	m.journals.RedemptionSettled(batch, req.PoolID, p.Asset, payout)
	events := []event.Event{&event.Redeemed{
		Caller:             req.Caller,
		Receiver:           req.Receiver,
		Owner:              req.Owner,
		PoolID:             req.PoolID,
		ReceiptTokenAmount: req.ReceiptTokenAmount.Clone(),
		AssetAmount:        payout.Clone(),
		RedemptionID:       id,
	}}
	transfer := []outboundTransfer{{asset: p.Asset, to: req.Receiver, amount: payout}}
	if err := m.commitAndPay(batch, events, transfer); err != nil {
		return nil, err
	}
	m.redemptions.Remove(id)

	if m.metrics != nil {
		m.metrics.RedemptionsSettled.WithLabelValues("queued").Inc()
		m.metrics.PendingRedemptions.Set(float64(m.redemptions.Len()))
	}
	m.logger.Debug().
		Uint64("redemption_id", id).
		Str("snapshot", req.AssetAmount.Dec()).
		Str("payout", payout.Dec()).
		Msg("redemption completed")
	return payout, nil
}

// PreviewRedemption returns the assets Redeem would assign to
// receiptTokenAmount right now, including the fee drip Redeem performs.
func (m *SafetyModule) PreviewRedemption(poolID uint16, receiptTokenAmount *uint256.Int) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pools.Pool(poolID)
	if err != nil {
		return nil, err
	}
	tok, err := m.receiptToken(poolID)
	if err != nil {
		return nil, err
	}
	dripped, err := m.nextDripAmount(p, m.clock.Now())
	if err != nil {
		return nil, err
	}
	deposit := new(uint256.Int).Sub(p.DepositAmount, dripped)
	return convertToAssetAmount(receiptTokenAmount, tok.TotalSupply(), deposit)
}

// PreviewDeposit returns the receipt tokens Deposit would mint right now.
func (m *SafetyModule) PreviewDeposit(poolID uint16, assets *uint256.Int) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pools.Pool(poolID)
	if err != nil {
		return nil, err
	}
	tok, err := m.receiptToken(poolID)
	if err != nil {
		return nil, err
	}
	dripped, err := m.nextDripAmount(p, m.clock.Now())
	if err != nil {
		return nil, err
	}
	deposit := new(uint256.Int).Sub(p.DepositAmount, dripped)
	return convertToReceiptTokenAmount(assets, tok.TotalSupply(), deposit)
}

// QueuedRedemptionPreview is the current value of a pending redemption.
type QueuedRedemptionPreview struct {
	Request        *state.RedemptionRequest
	AssetAmount    *uint256.Int // payout once completable
	DelayRemaining uint64       // zero once the delay has passed (or while paused)
	// Completable is false while CompleteRedemption would reject the
	// request: during TRIGGERED or before the delay has passed.
	Completable bool
}

// PreviewQueuedRedemption reports what CompleteRedemption would pay and
// whether it would accept the request now.
func (m *SafetyModule) PreviewQueuedRedemption(id uint64) (*QueuedRedemptionPreview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, status := m.redemptions.Get(id)
	if status != state.RedemptionPending {
		return nil, fmt.Errorf("%w: id %d is %s", ErrRedemptionNotFound, id, status)
	}
	payout, err := m.queuedPayout(req)
	if err != nil {
		return nil, err
	}

	var remaining uint64
	now := m.clock.Now()
	if m.state != state.StatePaused && now < req.ReadyAt() {
		remaining = req.ReadyAt() - now
	}
	return &QueuedRedemptionPreview{
		Request:        req,
		AssetAmount:    payout,
		DelayRemaining: remaining,
		Completable:    remaining == 0 && m.state != state.StateTriggered,
	}, nil
}
