package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotStore persists processor snapshots. Postgres and LevelDB
// implementations exist; the service picks one from config.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *SnapshotData) error
	LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error)
}

// SnapshotData is the JSON form of core.SnapshotState. Every amount is a
// decimal string.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       string           `json:"state_hash"`
	ClockTime       uint64           `json:"clock_time"`
	Module          ModuleSnap       `json:"module"`
	SequenceState   map[string]int64 `json:"sequence_state"`   // source -> next expected seq
	IdempotencyKeys []string         `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time        `json:"created_at"`
}

type ModuleSnap struct {
	State                string                `json:"state"`
	Delays               DelaysSnap            `json:"delays"`
	Pools                []PoolSnap            `json:"pools"`
	AssetPools           map[string]string     `json:"asset_pools"`
	Stacks               map[uint16][]string   `json:"accumulator"`
	NextRedemptionID     uint64                `json:"next_redemption_id"`
	Redemptions          []RedemptionSnap      `json:"redemptions"`
	Triggers             []TriggerSnap         `json:"triggers"`
	PayoutHandlerSlashes map[string]uint64     `json:"payout_handler_slashes"`
	QueuedConfig         *QueuedConfigSnap     `json:"queued_config,omitempty"`
	JournalSequence      int64                 `json:"journal_sequence"`
	Holdings             map[uint16]HoldingMap `json:"holdings"`
}

// HoldingMap is account -> receipt token balance.
type HoldingMap map[string]string

type DelaysSnap struct {
	ConfigUpdateDelay       uint64 `json:"config_update_delay"`
	ConfigUpdateGracePeriod uint64 `json:"config_update_grace_period"`
	WithdrawDelay           uint64 `json:"withdraw_delay"`
}

type PoolSnap struct {
	ID                 uint16 `json:"id"`
	Asset              string `json:"asset"`
	DepositAmount      string `json:"deposit_amount"`
	PendingAmount      string `json:"pending_redemptions_amount"`
	FeeAmount          string `json:"fee_amount"`
	MaxSlashPercentage string `json:"max_slash_percentage"`
	LastFeesDripTime   uint64 `json:"last_fees_drip_time"`
}

type RedemptionSnap struct {
	ID                 uint64 `json:"id"`
	PoolID             uint16 `json:"pool_id"`
	ReceiptTokenAmount string `json:"receipt_token_amount"`
	AssetAmount        string `json:"asset_amount"`
	Owner              string `json:"owner"`
	Receiver           string `json:"receiver"`
	Caller             string `json:"caller"`
	QueueTime          uint64 `json:"queue_time"`
	Delay              uint64 `json:"delay"`
	ScalingWatermark   int    `json:"scaling_watermark"`
	QueuedAccISF       string `json:"queued_acc_isf"`
}

type TriggerSnap struct {
	Trigger       string `json:"trigger"`
	PayoutHandler string `json:"payout_handler"`
	Exists        bool   `json:"exists"`
	Triggered     bool   `json:"triggered"`
}

type QueuedConfigSnap struct {
	Hash         string `json:"hash"`
	ActiveTime   uint64 `json:"active_time"`
	DeadlineTime uint64 `json:"deadline_time"`
}

// NewSnapshotData converts processor state for storage.
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	m := s.Module
	ms := ModuleSnap{
		State: m.State.String(),
		Delays: DelaysSnap{
			ConfigUpdateDelay:       m.Delays.ConfigUpdateDelay,
			ConfigUpdateGracePeriod: m.Delays.ConfigUpdateGracePeriod,
			WithdrawDelay:           m.Delays.WithdrawDelay,
		},
		AssetPools:           make(map[string]string, len(m.AssetPools)),
		Stacks:               make(map[uint16][]string, len(m.Stacks)),
		NextRedemptionID:     m.NextRedemptionID,
		PayoutHandlerSlashes: make(map[string]uint64, len(m.PayoutHandlerSlashes)),
		JournalSequence:      m.JournalSequence,
		Holdings:             make(map[uint16]HoldingMap, len(m.Holdings)),
	}
	for _, p := range m.Pools {
		ms.Pools = append(ms.Pools, PoolSnap{
			ID:                 p.ID,
			Asset:              string(p.Asset),
			DepositAmount:      p.DepositAmount.Dec(),
			PendingAmount:      p.PendingRedemptionsAmount.Dec(),
			FeeAmount:          p.FeeAmount.Dec(),
			MaxSlashPercentage: p.MaxSlashPercentage.Dec(),
			LastFeesDripTime:   p.LastFeesDripTime,
		})
	}
	for _, a := range m.AssetPools {
		ms.AssetPools[string(a.Asset)] = a.Amount.Dec()
	}
	for id, stack := range m.Stacks {
		entries := make([]string, len(stack))
		for i, v := range stack {
			entries[i] = v.Dec()
		}
		ms.Stacks[id] = entries
	}
	for _, r := range m.Redemptions {
		ms.Redemptions = append(ms.Redemptions, RedemptionSnap{
			ID:                 r.ID,
			PoolID:             r.PoolID,
			ReceiptTokenAmount: r.ReceiptTokenAmount.Dec(),
			AssetAmount:        r.AssetAmount.Dec(),
			Owner:              string(r.Owner),
			Receiver:           string(r.Receiver),
			Caller:             string(r.Caller),
			QueueTime:          r.QueueTime,
			Delay:              r.Delay,
			ScalingWatermark:   r.ScalingWatermark,
			QueuedAccISF:       r.QueuedAccISF.Dec(),
		})
	}
	for _, t := range m.Triggers {
		ms.Triggers = append(ms.Triggers, TriggerSnap{
			Trigger:       string(t.Trigger),
			PayoutHandler: string(t.PayoutHandler),
			Exists:        t.Exists,
			Triggered:     t.Triggered,
		})
	}
	for h, n := range m.PayoutHandlerSlashes {
		ms.PayoutHandlerSlashes[string(h)] = n
	}
	if q := m.QueuedConfig; q != nil {
		ms.QueuedConfig = &QueuedConfigSnap{
			Hash:         hex.EncodeToString(q.Hash[:]),
			ActiveTime:   q.ActiveTime,
			DeadlineTime: q.DeadlineTime,
		}
	}
	for id, holdings := range m.Holdings {
		hm := make(HoldingMap, len(holdings))
		for _, h := range holdings {
			hm[string(h.Account)] = h.Amount.Dec()
		}
		ms.Holdings[id] = hm
	}

	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       hex.EncodeToString(s.StateHash[:]),
		ClockTime:       s.ClockTime,
		Module:          ms,
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

func parseWord(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s %q: %w", field, s, err)
	}
	return v, nil
}

func parseHash(field, s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("snapshot %s: not a 32-byte hex hash", field)
	}
	copy(out[:], b)
	return out, nil
}

// CoreState converts stored data back into processor state.
func (d *SnapshotData) CoreState() (*core.SnapshotState, error) {
	stateHash, err := parseHash("state_hash", d.StateHash)
	if err != nil {
		return nil, err
	}
	ms := d.Module
	st, err := state.ParseSafetyModuleState(ms.State)
	if err != nil {
		return nil, err
	}
	m := &core.ModuleSnapshot{
		State: st,
		Delays: state.Delays{
			ConfigUpdateDelay:       ms.Delays.ConfigUpdateDelay,
			ConfigUpdateGracePeriod: ms.Delays.ConfigUpdateGracePeriod,
			WithdrawDelay:           ms.Delays.WithdrawDelay,
		},
		Stacks:               make(map[uint16][]*uint256.Int, len(ms.Stacks)),
		NextRedemptionID:     ms.NextRedemptionID,
		PayoutHandlerSlashes: make(map[ledger.Address]uint64, len(ms.PayoutHandlerSlashes)),
		JournalSequence:      ms.JournalSequence,
		Holdings:             make(map[uint16][]core.TokenHolding, len(ms.Holdings)),
	}

	for _, p := range ms.Pools {
		pool := ledger.ReservePool{ID: p.ID, Asset: ledger.Asset(p.Asset), LastFeesDripTime: p.LastFeesDripTime}
		if pool.DepositAmount, err = parseWord("deposit_amount", p.DepositAmount); err != nil {
			return nil, err
		}
		if pool.PendingRedemptionsAmount, err = parseWord("pending_redemptions_amount", p.PendingAmount); err != nil {
			return nil, err
		}
		if pool.FeeAmount, err = parseWord("fee_amount", p.FeeAmount); err != nil {
			return nil, err
		}
		if pool.MaxSlashPercentage, err = parseWord("max_slash_percentage", p.MaxSlashPercentage); err != nil {
			return nil, err
		}
		m.Pools = append(m.Pools, pool)
	}
	for asset, amount := range ms.AssetPools {
		v, err := parseWord("asset_pools", amount)
		if err != nil {
			return nil, err
		}
		m.AssetPools = append(m.AssetPools, ledger.AssetPool{Asset: ledger.Asset(asset), Amount: v})
	}
	for id, entries := range ms.Stacks {
		stack := make([]*uint256.Int, len(entries))
		for i, e := range entries {
			if stack[i], err = parseWord("accumulator", e); err != nil {
				return nil, err
			}
		}
		m.Stacks[id] = stack
	}
	for _, r := range ms.Redemptions {
		req := &state.RedemptionRequest{
			ID:               r.ID,
			PoolID:           r.PoolID,
			Owner:            ledger.Address(r.Owner),
			Receiver:         ledger.Address(r.Receiver),
			Caller:           ledger.Address(r.Caller),
			QueueTime:        r.QueueTime,
			Delay:            r.Delay,
			ScalingWatermark: r.ScalingWatermark,
		}
		if req.ReceiptTokenAmount, err = parseWord("receipt_token_amount", r.ReceiptTokenAmount); err != nil {
			return nil, err
		}
		if req.AssetAmount, err = parseWord("asset_amount", r.AssetAmount); err != nil {
			return nil, err
		}
		if req.QueuedAccISF, err = parseWord("queued_acc_isf", r.QueuedAccISF); err != nil {
			return nil, err
		}
		m.Redemptions = append(m.Redemptions, req)
	}
	for _, t := range ms.Triggers {
		m.Triggers = append(m.Triggers, state.TriggerData{
			Trigger:       ledger.Address(t.Trigger),
			PayoutHandler: ledger.Address(t.PayoutHandler),
			Exists:        t.Exists,
			Triggered:     t.Triggered,
		})
	}
	for h, n := range ms.PayoutHandlerSlashes {
		m.PayoutHandlerSlashes[ledger.Address(h)] = n
	}
	if q := ms.QueuedConfig; q != nil {
		hash, err := parseHash("queued_config.hash", q.Hash)
		if err != nil {
			return nil, err
		}
		m.QueuedConfig = &state.QueuedConfigUpdate{Hash: hash, ActiveTime: q.ActiveTime, DeadlineTime: q.DeadlineTime}
	}
	for id, hm := range ms.Holdings {
		holdings := make([]core.TokenHolding, 0, len(hm))
		for account, amount := range hm {
			v, err := parseWord("holdings", amount)
			if err != nil {
				return nil, err
			}
			holdings = append(holdings, core.TokenHolding{Account: ledger.Address(account), Amount: v})
		}
		m.Holdings[id] = holdings
	}

	return &core.SnapshotState{
		Sequence:        d.Sequence,
		StateHash:       stateHash,
		ClockTime:       d.ClockTime,
		Module:          m,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}, nil
}

// SnapshotManager stores snapshots in Postgres and reads the event log back
// for replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots start unverified; replay from
// the previous snapshot marks them verified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, int32(1), len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEntriesFrom loads log entries from a given sequence for replay.
func (sm *SnapshotManager) LoadEntriesFrom(ctx context.Context, fromSequence int64, limit int) ([]EntryRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, reserve_pool_id, payload,
		       state_hash, prev_hash, timestamp, rejection
		FROM event_log.entries
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntryRow
	for rows.Next() {
		var e EntryRow
		var poolID sql.NullInt32
		var rejection sql.NullString
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &poolID, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &rejection,
		); err != nil {
			return nil, err
		}
		if poolID.Valid {
			id := poolID.Int32
			e.ReservePoolID = &id
		}
		if rejection.Valid {
			r := rejection.String
			e.Rejection = &r
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecentIdempotencyKeys returns up to limit composite dedup keys, oldest
// first, for warming the LRU on a cold start.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT command_type, idempotency_key FROM (
			SELECT sequence, command_type, idempotency_key
			FROM event_log.entries
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var cmdType, key string
		if err := rows.Scan(&cmdType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeIdempotencyKey(cmdType, key))
	}
	return keys, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.entries
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Envelope rebuilds the processor envelope of a logged entry.
func (e EntryRow) Envelope() (*event.EventEnvelope, error) {
	env := &event.EventEnvelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		CommandType:    e.CommandType,
		Timestamp:      uint64(e.Timestamp.Unix()),
		Payload:        e.Payload,
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, fmt.Errorf("entry %d: malformed hash columns", e.Sequence)
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	if e.ReservePoolID != nil {
		id := uint16(*e.ReservePoolID)
		env.PoolID = &id
	}
	if e.Rejection != nil {
		env.Rejection = *e.Rejection
	}
	return env, nil
}
