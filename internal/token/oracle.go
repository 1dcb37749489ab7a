package token

import (
	"sync"

	"SafetyLedger/internal/ledger"
)

// StaticOracle reports triggers as fired once Fire has been called for them.
type StaticOracle struct {
	mu    sync.RWMutex
	fired map[ledger.Address]bool
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{fired: make(map[ledger.Address]bool)}
}

func (o *StaticOracle) Fire(trigger ledger.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fired[trigger] = true
}

func (o *StaticOracle) IsTriggered(trigger ledger.Address) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fired[trigger], nil
}
