package state

import (
	"errors"
	"fmt"
	"sort"

	"SafetyLedger/internal/ledger"
)

var (
	ErrUnknownTrigger      = errors.New("trigger is not registered")
	ErrAlreadyTriggered    = errors.New("trigger already used")
	ErrNoPendingSlashes    = errors.New("no pending slashes")
	ErrInvalidPayoutHandler = errors.New("payout handler is empty")
)

// TriggerData is the registry entry for one trigger
type TriggerData struct {
	Trigger       ledger.Address
	PayoutHandler ledger.Address
	Exists        bool
	Triggered     bool
}

// TriggerRegistry tracks configured triggers and the slashes each payout
// handler is owed. Not thread-safe.
type TriggerRegistry struct {
	triggers             map[ledger.Address]*TriggerData
	payoutHandlerSlashes map[ledger.Address]uint64
	numPendingSlashes    uint64
}

func NewTriggerRegistry() *TriggerRegistry {
	return &TriggerRegistry{
		triggers:             make(map[ledger.Address]*TriggerData),
		payoutHandlerSlashes: make(map[ledger.Address]uint64),
	}
}

// Configure creates or updates a trigger. A trigger that already fired keeps
// its Triggered flag.
func (r *TriggerRegistry) Configure(trigger, payoutHandler ledger.Address, exists bool) error {
	if trigger == "" {
		return fmt.Errorf("trigger address is empty")
	}
	if payoutHandler == "" {
		return ErrInvalidPayoutHandler
	}
	td, ok := r.triggers[trigger]
	if !ok {
		td = &TriggerData{Trigger: trigger}
		r.triggers[trigger] = td
	}
	td.PayoutHandler = payoutHandler
	td.Exists = exists
	return nil
}

// Get returns a copy of a trigger's registry entry.
func (r *TriggerRegistry) Get(trigger ledger.Address) (TriggerData, bool) {
	td, ok := r.triggers[trigger]
	if !ok {
		return TriggerData{}, false
	}
	return *td, true
}

// CheckCanTrigger verifies a trigger is registered and unused.
func (r *TriggerRegistry) CheckCanTrigger(trigger ledger.Address) error {
	td, ok := r.triggers[trigger]
	if !ok || !td.Exists {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, trigger)
	}
	if td.Triggered {
		return fmt.Errorf("%w: %s", ErrAlreadyTriggered, trigger)
	}
	return nil
}

// MarkTriggered records the trigger as used and owes its payout handler one
// slash. Returns the payout handler.
func (r *TriggerRegistry) MarkTriggered(trigger ledger.Address) (ledger.Address, error) {
	if err := r.CheckCanTrigger(trigger); err != nil {
		return "", err
	}
	td := r.triggers[trigger]
	td.Triggered = true
	r.numPendingSlashes++
	r.payoutHandlerSlashes[td.PayoutHandler]++
	return td.PayoutHandler, nil
}

func (r *TriggerRegistry) NumPendingSlashes() uint64 {
	return r.numPendingSlashes
}

func (r *TriggerRegistry) PendingSlashes(payoutHandler ledger.Address) uint64 {
	return r.payoutHandlerSlashes[payoutHandler]
}

// ConsumeSlash decrements the global and per-handler pending slash counters.
func (r *TriggerRegistry) ConsumeSlash(payoutHandler ledger.Address) error {
	if r.payoutHandlerSlashes[payoutHandler] == 0 || r.numPendingSlashes == 0 {
		return fmt.Errorf("%w for %s", ErrNoPendingSlashes, payoutHandler)
	}
	r.payoutHandlerSlashes[payoutHandler]--
	if r.payoutHandlerSlashes[payoutHandler] == 0 {
		delete(r.payoutHandlerSlashes, payoutHandler)
	}
	r.numPendingSlashes--
	return nil
}

// All returns every trigger sorted by address.
func (r *TriggerRegistry) All() []TriggerData {
	out := make([]TriggerData, 0, len(r.triggers))
	for _, td := range r.triggers {
		out = append(out, *td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger < out[j].Trigger })
	return out
}

// PayoutHandlerCounts returns a copy of the per-handler pending slash counts.
func (r *TriggerRegistry) PayoutHandlerCounts() map[ledger.Address]uint64 {
	out := make(map[ledger.Address]uint64, len(r.payoutHandlerSlashes))
	for k, v := range r.payoutHandlerSlashes {
		out[k] = v
	}
	return out
}

// Restore replaces the registry contents from a snapshot.
func (r *TriggerRegistry) Restore(triggers []TriggerData, handlerCounts map[ledger.Address]uint64) {
	r.triggers = make(map[ledger.Address]*TriggerData, len(triggers))
	for i := range triggers {
		td := triggers[i]
		r.triggers[td.Trigger] = &td
	}
	r.payoutHandlerSlashes = make(map[ledger.Address]uint64, len(handlerCounts))
	r.numPendingSlashes = 0
	for k, v := range handlerCounts {
		if v == 0 {
			continue
		}
		r.payoutHandlerSlashes[k] = v
		r.numPendingSlashes += v
	}
}
