package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatch verifies a batch is well-formed before it is applied
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies that, for every asset, the pools'
// deposit + pending + fee buckets sum to the asset pool amount.
func (v *InvariantValidator) ValidateConservation() error {
	sums := v.tracker.ComputeAssetSums()
	totals := v.tracker.AssetSnapshot()

	for asset, total := range totals {
		sum, ok := sums[asset]
		if !ok {
			if !total.IsZero() {
				return fmt.Errorf("asset pool %s holds %s with no pool balances", asset, total.Dec())
			}
			continue
		}
		if !sum.Eq(total) {
			return fmt.Errorf("asset pool %s holds %s but pools sum to %s", asset, total.Dec(), sum.Dec())
		}
	}
	for asset, sum := range sums {
		if _, ok := totals[asset]; !ok && !sum.IsZero() {
			return fmt.Errorf("pools hold %s of %s with no asset pool", sum.Dec(), asset)
		}
	}

	return nil
}
