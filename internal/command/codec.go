package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"SafetyLedger/internal/ledger"
	"SafetyLedger/internal/state"

	"github.com/holiman/uint256"
)

var ErrMissingIdempotencyKey = errors.New("missing idempotency_key")

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts travel as
// base-10 strings since they exceed the JSON number range.

type headerJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Source         string `json:"source,omitempty"`
	SourceSequence int64  `json:"source_sequence"`
	Timestamp      uint64 `json:"timestamp"`
}

type depositJSON struct {
	headerJSON
	From     string `json:"from,omitempty"`
	Caller   string `json:"caller,omitempty"`
	PoolID   uint16 `json:"reserve_pool_id"`
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
}

type redeemJSON struct {
	headerJSON
	Caller             string `json:"caller"`
	PoolID             uint16 `json:"reserve_pool_id"`
	ReceiptTokenAmount string `json:"receipt_token_amount"`
	Receiver           string `json:"receiver"`
	Owner              string `json:"owner"`
}

type completeRedemptionJSON struct {
	headerJSON
	RedemptionID uint64 `json:"redemption_id"`
}

type slashInstructionJSON struct {
	PoolID uint16 `json:"reserve_pool_id"`
	Amount string `json:"amount"`
}

type slashJSON struct {
	headerJSON
	Caller       string                 `json:"caller"`
	Instructions []slashInstructionJSON `json:"slashes"`
	Receiver     string                 `json:"receiver"`
}

type triggerJSON struct {
	headerJSON
	Trigger string `json:"trigger"`
}

type callerJSON struct {
	headerJSON
	Caller   string `json:"caller"`
	Receiver string `json:"receiver,omitempty"`
}

type dripFeesJSON struct {
	headerJSON
	PoolID *uint16 `json:"reserve_pool_id,omitempty"`
}

type reservePoolConfigJSON struct {
	Asset              string `json:"asset"`
	MaxSlashPercentage string `json:"max_slash_percentage"`
}

type triggerConfigJSON struct {
	Trigger       string `json:"trigger"`
	PayoutHandler string `json:"payout_handler"`
	Exists        bool   `json:"exists"`
}

type delaysJSON struct {
	ConfigUpdateDelay       uint64 `json:"config_update_delay"`
	ConfigUpdateGracePeriod uint64 `json:"config_update_grace_period"`
	WithdrawDelay           uint64 `json:"withdraw_delay"`
}

type configUpdateJSON struct {
	ReservePools []reservePoolConfigJSON `json:"reserve_pools"`
	Triggers     []triggerConfigJSON     `json:"triggers"`
	Delays       delaysJSON              `json:"delays"`
}

type updateConfigsJSON struct {
	headerJSON
	Caller string           `json:"caller,omitempty"`
	Update configUpdateJSON `json:"config"`
}

func toHeaderJSON(h Header) headerJSON {
	return headerJSON{
		IdempotencyKey: h.Key,
		Source:         h.Producer,
		SourceSequence: h.Sequence,
		Timestamp:      h.Timestamp,
	}
}

func (j headerJSON) header() (Header, error) {
	if j.IdempotencyKey == "" {
		return Header{}, ErrMissingIdempotencyKey
	}
	return Header{
		Key:       j.IdempotencyKey,
		Producer:  j.Source,
		Sequence:  j.SourceSequence,
		Timestamp: j.Timestamp,
	}, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: empty amount", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func configUpdateToJSON(u state.ConfigUpdate) configUpdateJSON {
	out := configUpdateJSON{
		Delays: delaysJSON{
			ConfigUpdateDelay:       u.Delays.ConfigUpdateDelay,
			ConfigUpdateGracePeriod: u.Delays.ConfigUpdateGracePeriod,
			WithdrawDelay:           u.Delays.WithdrawDelay,
		},
	}
	for _, p := range u.ReservePools {
		out.ReservePools = append(out.ReservePools, reservePoolConfigJSON{
			Asset:              string(p.Asset),
			MaxSlashPercentage: amountString(p.MaxSlashPercentage),
		})
	}
	for _, t := range u.Triggers {
		out.Triggers = append(out.Triggers, triggerConfigJSON{
			Trigger:       string(t.Trigger),
			PayoutHandler: string(t.PayoutHandler),
			Exists:        t.Exists,
		})
	}
	return out
}

func (j configUpdateJSON) configUpdate() (state.ConfigUpdate, error) {
	u := state.ConfigUpdate{
		Delays: state.Delays{
			ConfigUpdateDelay:       j.Delays.ConfigUpdateDelay,
			ConfigUpdateGracePeriod: j.Delays.ConfigUpdateGracePeriod,
			WithdrawDelay:           j.Delays.WithdrawDelay,
		},
	}
	for i, p := range j.ReservePools {
		pct, err := parseAmount(fmt.Sprintf("reserve_pools[%d].max_slash_percentage", i), p.MaxSlashPercentage)
		if err != nil {
			return state.ConfigUpdate{}, err
		}
		u.ReservePools = append(u.ReservePools, state.ReservePoolConfig{
			Asset:              ledger.Asset(p.Asset),
			MaxSlashPercentage: pct,
		})
	}
	for _, t := range j.Triggers {
		u.Triggers = append(u.Triggers, state.TriggerConfig{
			Trigger:       ledger.Address(t.Trigger),
			PayoutHandler: ledger.Address(t.PayoutHandler),
			Exists:        t.Exists,
		})
	}
	return u, nil
}

// MarshalConfigUpdate encodes an update in the same form UpdateConfigs
// commands carry it.
func MarshalConfigUpdate(u state.ConfigUpdate) ([]byte, error) {
	return json.Marshal(configUpdateToJSON(u))
}

func UnmarshalConfigUpdate(data []byte) (state.ConfigUpdate, error) {
	var j configUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return state.ConfigUpdate{}, fmt.Errorf("parse config update: %w", err)
	}
	return j.configUpdate()
}

// Marshal encodes a command into its wire form. The output is what the
// event log stores as the envelope payload.
func Marshal(cmd Command) ([]byte, error) {
	var v any
	switch c := cmd.(type) {
	case *Deposit:
		v = depositJSON{headerJSON: toHeaderJSON(c.Header), From: string(c.From), PoolID: c.PoolID,
			Amount: amountString(c.Amount), Receiver: string(c.Receiver)}
	case *DepositWithoutTransfer:
		v = depositJSON{headerJSON: toHeaderJSON(c.Header), Caller: string(c.Caller), PoolID: c.PoolID,
			Amount: amountString(c.Amount), Receiver: string(c.Receiver)}
	case *Redeem:
		v = redeemJSON{headerJSON: toHeaderJSON(c.Header), Caller: string(c.Caller), PoolID: c.PoolID,
			ReceiptTokenAmount: amountString(c.ReceiptTokenAmount), Receiver: string(c.Receiver), Owner: string(c.Owner)}
	case *CompleteRedemption:
		v = completeRedemptionJSON{headerJSON: toHeaderJSON(c.Header), RedemptionID: c.RedemptionID}
	case *Slash:
		j := slashJSON{headerJSON: toHeaderJSON(c.Header), Caller: string(c.Caller), Receiver: string(c.Receiver)}
		for _, in := range c.Instructions {
			j.Instructions = append(j.Instructions, slashInstructionJSON{PoolID: in.PoolID, Amount: amountString(in.Amount)})
		}
		v = j
	case *Trigger:
		v = triggerJSON{headerJSON: toHeaderJSON(c.Header), Trigger: string(c.Trigger)}
	case *Pause:
		v = callerJSON{headerJSON: toHeaderJSON(c.Header), Caller: string(c.Caller)}
	case *Unpause:
		v = callerJSON{headerJSON: toHeaderJSON(c.Header), Caller: string(c.Caller)}
	case *ClaimFees:
		v = callerJSON{headerJSON: toHeaderJSON(c.Header), Caller: string(c.Caller), Receiver: string(c.Receiver)}
	case *DripFees:
		v = dripFeesJSON{headerJSON: toHeaderJSON(c.Header), PoolID: c.PoolID}
	case *UpdateConfigs:
		v = updateConfigsJSON{headerJSON: toHeaderJSON(c.Header), Caller: string(c.Caller), Update: configUpdateToJSON(c.Update)}
	case *FinalizeConfigs:
		v = updateConfigsJSON{headerJSON: toHeaderJSON(c.Header), Update: configUpdateToJSON(c.Update)}
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
	return json.Marshal(v)
}

// Unmarshal decodes a wire payload of the given command type.
func Unmarshal(t Type, data []byte) (Command, error) {
	switch t {
	case TypeDeposit, TypeDepositWithoutTransfer:
		return unmarshalDeposit(t, data)
	case TypeRedeem:
		return unmarshalRedeem(data)
	case TypeCompleteRedemption:
		var j completeRedemptionJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse CompleteRedemption: %w", err)
		}
		h, err := j.header()
		if err != nil {
			return nil, err
		}
		return &CompleteRedemption{Header: h, RedemptionID: j.RedemptionID}, nil
	case TypeSlash:
		return unmarshalSlash(data)
	case TypeTrigger:
		var j triggerJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse Trigger: %w", err)
		}
		h, err := j.header()
		if err != nil {
			return nil, err
		}
		return &Trigger{Header: h, Trigger: ledger.Address(j.Trigger)}, nil
	case TypePause, TypeUnpause, TypeClaimFees:
		return unmarshalCaller(t, data)
	case TypeDripFees:
		var j dripFeesJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse DripFees: %w", err)
		}
		h, err := j.header()
		if err != nil {
			return nil, err
		}
		return &DripFees{Header: h, PoolID: j.PoolID}, nil
	case TypeUpdateConfigs, TypeFinalizeConfigs:
		return unmarshalConfigs(t, data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", t)
	}
}

func unmarshalDeposit(t Type, data []byte) (Command, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	if t == TypeDepositWithoutTransfer {
		return &DepositWithoutTransfer{Header: h, Caller: ledger.Address(j.Caller), PoolID: j.PoolID,
			Amount: amount, Receiver: ledger.Address(j.Receiver)}, nil
	}
	return &Deposit{Header: h, From: ledger.Address(j.From), PoolID: j.PoolID,
		Amount: amount, Receiver: ledger.Address(j.Receiver)}, nil
}

func unmarshalRedeem(data []byte) (Command, error) {
	var j redeemJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Redeem: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	shares, err := parseAmount("receipt_token_amount", j.ReceiptTokenAmount)
	if err != nil {
		return nil, err
	}
	owner := j.Owner
	if owner == "" {
		owner = j.Caller
	}
	return &Redeem{
		Header:             h,
		Caller:             ledger.Address(j.Caller),
		PoolID:             j.PoolID,
		ReceiptTokenAmount: shares,
		Receiver:           ledger.Address(j.Receiver),
		Owner:              ledger.Address(owner),
	}, nil
}

func unmarshalSlash(data []byte) (Command, error) {
	var j slashJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Slash: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	c := &Slash{Header: h, Caller: ledger.Address(j.Caller), Receiver: ledger.Address(j.Receiver)}
	for i, in := range j.Instructions {
		amount, err := parseAmount(fmt.Sprintf("slashes[%d].amount", i), in.Amount)
		if err != nil {
			return nil, err
		}
		c.Instructions = append(c.Instructions, state.SlashInstruction{PoolID: in.PoolID, Amount: amount})
	}
	return c, nil
}

func unmarshalCaller(t Type, data []byte) (Command, error) {
	var j callerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	caller := ledger.Address(j.Caller)
	switch t {
	case TypePause:
		return &Pause{Header: h, Caller: caller}, nil
	case TypeUnpause:
		return &Unpause{Header: h, Caller: caller}, nil
	default:
		return &ClaimFees{Header: h, Caller: caller, Receiver: ledger.Address(j.Receiver)}, nil
	}
}

func unmarshalConfigs(t Type, data []byte) (Command, error) {
	var j updateConfigsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	h, err := j.header()
	if err != nil {
		return nil, err
	}
	u, err := j.Update.configUpdate()
	if err != nil {
		return nil, err
	}
	if t == TypeFinalizeConfigs {
		return &FinalizeConfigs{Header: h, Update: u}, nil
	}
	return &UpdateConfigs{Header: h, Caller: ledger.Address(j.Caller), Update: u}, nil
}
