package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/projection"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNoProjections = errors.New("projections not configured")
)

// LiveState is the read side of the processor. *core.Processor satisfies it.
type LiveState interface {
	Module() *core.SafetyModule
	Sequence() int64
	StateHash() [32]byte
	Now() uint64
}

// QueryService provides read-only access to the module. Pool, redemption
// and preview views read the live module; balances, journals and integrity
// read Postgres projections. All responses include as_of_sequence for
// freshness semantics.
type QueryService struct {
	live    LiveState
	db      *sql.DB
	history *projection.RedemptionHistory
}

// NewQueryService builds a service. db and history may be nil.
func NewQueryService(live LiveState, db *sql.DB, history *projection.RedemptionHistory) *QueryService {
	return &QueryService{live: live, db: db, history: history}
}

// asOfLive is the sequence of the last applied command.
func (qs *QueryService) asOfLive() int64 {
	return qs.live.Sequence() - 1
}

func (qs *QueryService) GetModuleState() *ModuleStateResponse {
	m := qs.live.Module()
	d := m.Delays()
	hash := qs.live.StateHash()
	resp := &ModuleStateResponse{
		State:             m.State().String(),
		NumPendingSlashes: m.NumPendingSlashes(),
		Delays: DelaysResponse{
			ConfigUpdateDelay:       d.ConfigUpdateDelay,
			ConfigUpdateGracePeriod: d.ConfigUpdateGracePeriod,
			WithdrawDelay:           d.WithdrawDelay,
		},
		ModuleTime:   qs.live.Now(),
		StateHash:    hex.EncodeToString(hash[:]),
		AsOfSequence: qs.asOfLive(),
	}
	if q := m.QueuedConfigUpdate(); q != nil {
		resp.QueuedConfig = &QueuedConfigSummary{
			Hash:         hex.EncodeToString(q.Hash[:]),
			ActiveTime:   q.ActiveTime,
			DeadlineTime: q.DeadlineTime,
		}
	}
	return resp
}

func (qs *QueryService) ListReservePools() ([]ReservePoolResponse, error) {
	pools := qs.live.Module().ReservePools()
	out := make([]ReservePoolResponse, 0, len(pools))
	for _, p := range pools {
		r, err := qs.reservePool(p)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (qs *QueryService) GetReservePool(poolID uint16) (*ReservePoolResponse, error) {
	p, err := qs.live.Module().ReservePool(poolID)
	if err != nil {
		return nil, err
	}
	return qs.reservePool(p)
}

func (qs *QueryService) reservePool(p ledger.ReservePool) (*ReservePoolResponse, error) {
	m := qs.live.Module()
	tok, err := m.ReceiptToken(p.ID)
	if err != nil {
		return nil, err
	}
	maxSlashable, err := m.GetMaxSlashableReservePoolAmount(p.ID)
	if err != nil {
		return nil, err
	}
	supply := tok.TotalSupply()

	return &ReservePoolResponse{
		ID:                       p.ID,
		Asset:                    string(p.Asset),
		DepositAmount:            Amount(p.DepositAmount),
		PendingRedemptionsAmount: Amount(p.PendingRedemptionsAmount),
		FeeAmount:                Amount(p.FeeAmount),
		TotalAmount:              Amount(p.Total()),
		MaxSlashPercent:          Percent(p.MaxSlashPercentage),
		MaxSlashableAmount:       Amount(maxSlashable),
		ReceiptTokenSupply:       Amount(supply),
		ExchangeRate:             exchangeRate(p, supply),
		LastFeesDripTime:         p.LastFeesDripTime,
		AccumulatorDepth:         len(m.AccumulatorEntries(p.ID)),
		AsOfSequence:             qs.asOfLive(),
	}, nil
}

// exchangeRate is deposits per receipt token; 1 for an empty pool, which
// mints one-for-one. Pending redemptions already left the deposit bucket.
func exchangeRate(p ledger.ReservePool, supply *uint256.Int) decimal.Decimal {
	if supply.IsZero() {
		return decimal.NewFromInt(1)
	}
	return Amount(p.DepositAmount).DivRound(Amount(supply), 18)
}

func (qs *QueryService) ListAssetPools() []AssetPoolResponse {
	asOf := qs.asOfLive()
	pools := qs.live.Module().AssetPools()
	out := make([]AssetPoolResponse, 0, len(pools))
	for _, a := range pools {
		out = append(out, AssetPoolResponse{Asset: string(a.Asset), Amount: Amount(a.Amount), AsOfSequence: asOf})
	}
	return out
}

func (qs *QueryService) GetAssetPool(asset ledger.Asset) *AssetPoolResponse {
	a := qs.live.Module().AssetPool(asset)
	return &AssetPoolResponse{Asset: string(asset), Amount: Amount(a.Amount), AsOfSequence: qs.asOfLive()}
}

func (qs *QueryService) ListTriggers(triggers []ledger.Address) []TriggerResponse {
	m := qs.live.Module()
	out := make([]TriggerResponse, 0, len(triggers))
	for _, t := range triggers {
		td, ok := m.TriggerData(t)
		if !ok {
			continue
		}
		out = append(out, TriggerResponse{
			Trigger:                     string(td.Trigger),
			PayoutHandler:               string(td.PayoutHandler),
			Exists:                      td.Exists,
			Triggered:                   td.Triggered,
			PayoutHandlerPendingSlashes: m.PayoutHandlerNumPendingSlashes(td.PayoutHandler),
		})
	}
	return out
}

// GetRedemption distinguishes pending, settled and unknown ids. Settled
// redemptions are filled in from the redemption history when available.
func (qs *QueryService) GetRedemption(id uint64) (*RedemptionResponse, error) {
	m := qs.live.Module()
	asOf := qs.asOfLive()

	_, status := m.Redemption(id)
	switch status {
	case state.RedemptionPending:
		preview, err := m.PreviewQueuedRedemption(id)
		if err != nil {
			return nil, err
		}
		req := preview.Request
		poolID := req.PoolID
		shares, queued, payout := Amount(req.ReceiptTokenAmount), Amount(req.AssetAmount), Amount(preview.AssetAmount)
		return &RedemptionResponse{
			ID:                 id,
			Status:             status.String(),
			PoolID:             &poolID,
			Owner:              string(req.Owner),
			Receiver:           string(req.Receiver),
			Caller:             string(req.Caller),
			ReceiptTokenAmount: &shares,
			QueuedAssetAmount:  &queued,
			AssetAmount:        &payout,
			QueueTime:          req.QueueTime,
			ReadyAt:            req.ReadyAt(),
			DelayRemaining:     preview.DelayRemaining,
			Completable:        preview.Completable,
			AsOfSequence:       asOf,
		}, nil

	case state.RedemptionSettled:
		resp := &RedemptionResponse{ID: id, Status: status.String(), AsOfSequence: asOf}
		if qs.history != nil {
			if h, ok := qs.history.Get(id); ok && h.Status == projection.StatusSettled {
				fillFromHistory(resp, h)
			}
		}
		return resp, nil

	default:
		return nil, fmt.Errorf("%w: redemption %d", ErrNotFound, id)
	}
}

func fillFromHistory(resp *RedemptionResponse, h projection.RedemptionHistoryEntry) {
	poolID := h.PoolID
	shares, paid := Amount(h.ReceiptTokenAmount), Amount(h.PaidAssetAmount)
	resp.PoolID = &poolID
	resp.Owner = string(h.Owner)
	resp.Receiver = string(h.Receiver)
	resp.ReceiptTokenAmount = &shares
	resp.AssetAmount = &paid
	resp.QueueTime = h.QueuedAt
	if h.QueuedAssetAmount != nil {
		queued := Amount(h.QueuedAssetAmount)
		resp.QueuedAssetAmount = &queued
	}
}

// ListRedemptionsByOwner returns an owner's redemptions from the history,
// newest first.
func (qs *QueryService) ListRedemptionsByOwner(owner ledger.Address, limit int) ([]RedemptionResponse, error) {
	if qs.history == nil {
		return nil, ErrNoProjections
	}
	asOf := qs.asOfLive()
	entries := qs.history.QueryByOwner(owner, limit)
	out := make([]RedemptionResponse, 0, len(entries))
	for _, h := range entries {
		r := RedemptionResponse{ID: h.RedemptionID, AsOfSequence: asOf}
		fillFromHistory(&r, h)
		r.Status = state.RedemptionSettled.String()
		if h.Status == projection.StatusPending {
			r.Status = state.RedemptionPending.String()
			r.AssetAmount = nil
		}
		out = append(out, r)
	}
	return out, nil
}

func (qs *QueryService) PreviewDeposit(poolID uint16, assets *uint256.Int) (*PreviewResponse, error) {
	shares, err := qs.live.Module().PreviewDeposit(poolID, assets)
	if err != nil {
		return nil, err
	}
	return &PreviewResponse{ReservePoolID: poolID, Input: Amount(assets), Output: Amount(shares), AsOfSequence: qs.asOfLive()}, nil
}

func (qs *QueryService) PreviewRedemption(poolID uint16, shares *uint256.Int) (*PreviewResponse, error) {
	assets, err := qs.live.Module().PreviewRedemption(poolID, shares)
	if err != nil {
		return nil, err
	}
	return &PreviewResponse{ReservePoolID: poolID, Input: Amount(shares), Output: Amount(assets), AsOfSequence: qs.asOfLive()}, nil
}

// GetJournalHistory returns journal entries touching account, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPath string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoProjections
	}
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{accountPath}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, batch_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("journal %s amount: %w", e.JournalID, err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the live conservation invariant and, with Postgres,
// the logged hash chain and the zero sum of projected balances per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	if err := qs.live.Module().CheckConservation(); err != nil {
		report.ConservationError = err.Error()
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT e1.sequence
			FROM event_log.entries e1
			JOIN event_log.entries e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.prev_hash != e2.state_hash
			ORDER BY e1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		balanceRows, err := qs.db.QueryContext(ctx, `
			SELECT asset, SUM(balance)::TEXT
			FROM projections.account_balances
			GROUP BY asset
			HAVING SUM(balance) != 0
		`)
		if err != nil {
			return nil, err
		}
		defer balanceRows.Close()

		for balanceRows.Next() {
			var asset, total string
			if err := balanceRows.Scan(&asset, &total); err != nil {
				return nil, err
			}
			imbalance, err := decimal.NewFromString(total)
			if err != nil {
				return nil, err
			}
			report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{Asset: asset, Imbalance: imbalance})
		}
		if err := balanceRows.Err(); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = report.ConservationError == "" &&
		len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.projection_watermarks WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
