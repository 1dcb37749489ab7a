package query

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amount renders a raw token amount. decimal.Decimal marshals to a quoted
// JSON string, so 256-bit values survive JSON consumers.
func Amount(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), 0)
}

// Wad renders a WAD-scaled fraction (1e18 = 1).
func Wad(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -18)
}

// Percent renders a ZOC-scaled fraction (10000 = 100%) as a percentage.
func Percent(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -2)
}

// ModuleStateResponse is the module-wide state. Live views carry the
// processor sequence instead of a projection watermark.
type ModuleStateResponse struct {
	State             string               `json:"state"`
	NumPendingSlashes uint64               `json:"num_pending_slashes"`
	Delays            DelaysResponse       `json:"delays"`
	QueuedConfig      *QueuedConfigSummary `json:"queued_config,omitempty"`
	ModuleTime        uint64               `json:"module_time"`
	StateHash         string               `json:"state_hash"`
	AsOfSequence      int64                `json:"as_of_sequence"`
}

type DelaysResponse struct {
	ConfigUpdateDelay       uint64 `json:"config_update_delay"`
	ConfigUpdateGracePeriod uint64 `json:"config_update_grace_period"`
	WithdrawDelay           uint64 `json:"withdraw_delay"`
}

type QueuedConfigSummary struct {
	Hash         string `json:"hash"`
	ActiveTime   uint64 `json:"active_time"`
	DeadlineTime uint64 `json:"deadline_time"`
}

type ReservePoolResponse struct {
	ID                       uint16          `json:"id"`
	Asset                    string          `json:"asset"`
	DepositAmount            decimal.Decimal `json:"deposit_amount"`
	PendingRedemptionsAmount decimal.Decimal `json:"pending_redemptions_amount"`
	FeeAmount                decimal.Decimal `json:"fee_amount"`
	TotalAmount              decimal.Decimal `json:"total_amount"`
	MaxSlashPercent          decimal.Decimal `json:"max_slash_percent"`
	MaxSlashableAmount       decimal.Decimal `json:"max_slashable_amount"`
	ReceiptTokenSupply       decimal.Decimal `json:"receipt_token_supply"`
	// Assets one receipt token redeems for, before rounding
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	LastFeesDripTime uint64          `json:"last_fees_drip_time"`
	AccumulatorDepth int             `json:"accumulator_depth"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

type AssetPoolResponse struct {
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// RedemptionResponse covers both pending and settled redemptions. Amounts
// known only while pending are omitted for settled ones.
type RedemptionResponse struct {
	ID                 uint64           `json:"id"`
	Status             string           `json:"status"`
	PoolID             *uint16          `json:"reserve_pool_id,omitempty"`
	Owner              string           `json:"owner,omitempty"`
	Receiver           string           `json:"receiver,omitempty"`
	Caller             string           `json:"caller,omitempty"`
	ReceiptTokenAmount *decimal.Decimal `json:"receipt_token_amount,omitempty"`
	QueuedAssetAmount  *decimal.Decimal `json:"queued_asset_amount,omitempty"`
	// Payout if completed now, or the amount paid once settled
	AssetAmount    *decimal.Decimal `json:"asset_amount,omitempty"`
	QueueTime      uint64           `json:"queue_time,omitempty"`
	ReadyAt        uint64           `json:"ready_at,omitempty"`
	DelayRemaining uint64           `json:"delay_remaining"`
	// False while the module is TRIGGERED or the delay is still running
	Completable  bool  `json:"completable"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

type PreviewResponse struct {
	ReservePoolID uint16          `json:"reserve_pool_id"`
	Input         decimal.Decimal `json:"input"`
	Output        decimal.Decimal `json:"output"`
	AsOfSequence  int64           `json:"as_of_sequence"`
}

type TriggerResponse struct {
	Trigger       string `json:"trigger"`
	PayoutHandler string `json:"payout_handler"`
	Exists        bool   `json:"exists"`
	Triggered     bool   `json:"triggered"`
	// Slashes the payout handler may still execute
	PayoutHandlerPendingSlashes uint64 `json:"payout_handler_pending_slashes"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	// Live conservation check of the in-memory ledger
	ConservationError string `json:"conservation_error,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances don't sum to zero.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
