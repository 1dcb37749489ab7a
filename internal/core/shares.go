package core

import (
	fpmath "SafetyLedger/internal/math"

	"github.com/holiman/uint256"
)

var one = uint256.NewInt(1)

// convertToReceiptTokenAmount prices a deposit. The first depositor mints
// 1:1; afterwards shares are floor(assets * supply / deposits), with the
// deposit amount floored at 1 so a wiped-out pool still prices.
func convertToReceiptTokenAmount(assets, supply, depositAmount *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return assets.Clone(), nil
	}
	denom := depositAmount
	if denom.IsZero() {
		denom = one
	}
	return fpmath.MulDivDown(assets, supply, denom)
}

// convertToAssetAmount prices a redemption, rounding down.
func convertToAssetAmount(shares, supply, depositAmount *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return new(uint256.Int), nil
	}
	return fpmath.MulDivDown(shares, depositAmount, supply)
}
