package core

import "SafetyLedger/internal/ledger"

// StaticRoles grants each role to a single configured address. The owner is
// not implicitly a fee collector.
type StaticRoles struct {
	Owner        ledger.Address
	Pauser       ledger.Address
	FeeCollector ledger.Address
}

func (r StaticRoles) IsOwner(a ledger.Address) bool {
	return a != "" && a == r.Owner
}

func (r StaticRoles) IsPauser(a ledger.Address) bool {
	return a != "" && a == r.Pauser
}

func (r StaticRoles) IsFeeCollector(a ledger.Address) bool {
	return a != "" && a == r.FeeCollector
}
