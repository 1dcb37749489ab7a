package ledger

import (
	"fmt"
)

// Address identifies an external account (depositor, receiver, role holder).
type Address string

// Asset identifies a reserve asset, usually by its token address or symbol.
type Asset string

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// Pool accounts hold assets the module custodies.
	AccountScopePool AccountScope = iota
	// External accounts are the boundary: assets entering or leaving custody.
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Pool sub-types
	SubTypeDeposit AccountSubType = iota
	SubTypePendingRedemption
	SubTypeFees

	// External sub-types
	SubTypeExternalDepositors
	SubTypeExternalRedeemers
	SubTypeExternalFeeCollector
	SubTypeExternalSlashReceiver
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	PoolID  uint16
	SubType AccountSubType
	Asset   Asset
}

// NewPoolAccountKey creates a key for one of a reserve pool's buckets
func NewPoolAccountKey(poolID uint16, subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopePool,
		PoolID:  poolID,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

func (k AccountKey) IsPool() bool {
	return k.Scope == AccountScopePool
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopePool:
		return fmt.Sprintf("pool:%d:%s:%s", k.PoolID, k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeDeposit:
		return "deposit"
	case SubTypePendingRedemption:
		return "pending_redemption"
	case SubTypeFees:
		return "fees"
	case SubTypeExternalDepositors:
		return "depositors"
	case SubTypeExternalRedeemers:
		return "redeemers"
	case SubTypeExternalFeeCollector:
		return "fee_collector"
	case SubTypeExternalSlashReceiver:
		return "slash_receiver"
	default:
		return "unknown"
	}
}
