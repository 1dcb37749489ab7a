package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Wire is the JSON shape published for every outbound event. Amounts are
// decimal strings so 256-bit values survive JSON consumers.
type Wire struct {
	Type      string            `json:"type"`
	Sequence  int64             `json:"sequence"`
	Timestamp uint64            `json:"timestamp"`
	PoolID    *uint16           `json:"pool_id,omitempty"`
	Fields    map[string]string `json:"fields"`
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func u16(v uint16) *uint16 { return &v }

// ToWire flattens an event for publication.
func ToWire(e Event, sequence int64, timestamp uint64) (*Wire, error) {
	w := &Wire{
		Type:      e.EventType().String(),
		Sequence:  sequence,
		Timestamp: timestamp,
		Fields:    make(map[string]string),
	}

	switch ev := e.(type) {
	case *Deposited:
		w.PoolID = u16(ev.PoolID)
		w.Fields["caller"] = string(ev.Caller)
		w.Fields["receiver"] = string(ev.Receiver)
		w.Fields["asset_amount"] = dec(ev.AssetAmount)
		w.Fields["receipt_token_amount"] = dec(ev.ReceiptTokenAmount)
	case *RedemptionPending:
		w.PoolID = u16(ev.PoolID)
		w.Fields["caller"] = string(ev.Caller)
		w.Fields["receiver"] = string(ev.Receiver)
		w.Fields["owner"] = string(ev.Owner)
		w.Fields["receipt_token_amount"] = dec(ev.ReceiptTokenAmount)
		w.Fields["asset_amount"] = dec(ev.AssetAmount)
		w.Fields["redemption_id"] = fmt.Sprint(ev.RedemptionID)
	case *Redeemed:
		w.PoolID = u16(ev.PoolID)
		w.Fields["caller"] = string(ev.Caller)
		w.Fields["receiver"] = string(ev.Receiver)
		w.Fields["owner"] = string(ev.Owner)
		w.Fields["receipt_token_amount"] = dec(ev.ReceiptTokenAmount)
		w.Fields["asset_amount"] = dec(ev.AssetAmount)
		w.Fields["redemption_id"] = fmt.Sprint(ev.RedemptionID)
	case *Slashed:
		w.PoolID = u16(ev.PoolID)
		w.Fields["payout_handler"] = string(ev.PayoutHandler)
		w.Fields["receiver"] = string(ev.Receiver)
		w.Fields["amount"] = dec(ev.Amount)
		w.Fields["pending_redemptions_amount"] = dec(ev.PendingRedemptionsAmount)
	case *ClaimedFees:
		w.PoolID = u16(ev.PoolID)
		w.Fields["asset"] = string(ev.Asset)
		w.Fields["fee_amount"] = dec(ev.FeeAmount)
		w.Fields["receiver"] = string(ev.Receiver)
	case *FeesDripped:
		w.PoolID = u16(ev.PoolID)
		w.Fields["amount"] = dec(ev.Amount)
	case *Triggered:
		w.Fields["trigger"] = string(ev.Trigger)
		w.Fields["payout_handler"] = string(ev.PayoutHandler)
	case *SafetyModuleStateUpdated:
		w.Fields["state"] = ev.State.String()
	case *ConfigUpdatesQueued:
		w.Fields["config_hash"] = hex.EncodeToString(ev.ConfigHash[:])
		w.Fields["active_time"] = fmt.Sprint(ev.ActiveTime)
		w.Fields["deadline_time"] = fmt.Sprint(ev.DeadlineTime)
	case *ConfigUpdatesFinalized:
		w.Fields["config_hash"] = hex.EncodeToString(ev.ConfigHash[:])
	default:
		return nil, fmt.Errorf("unknown event type: %T", e)
	}

	return w, nil
}

// Marshal encodes an event as JSON wire bytes.
func Marshal(e Event, sequence int64, timestamp uint64) ([]byte, error) {
	w, err := ToWire(e, sequence, timestamp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}
