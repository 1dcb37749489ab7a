package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ExponentialDripModel drips a constant fraction of the remaining balance
// every second: factor(t) = 1 - (1 - rate)^t.
type ExponentialDripModel struct {
	ratePerSecond *uint256.Int
}

func NewExponentialDripModel(ratePerSecond *uint256.Int) (*ExponentialDripModel, error) {
	if ratePerSecond.Gt(WAD) {
		return nil, fmt.Errorf("drip rate %s exceeds WAD", ratePerSecond.Dec())
	}
	return &ExponentialDripModel{ratePerSecond: ratePerSecond.Clone()}, nil
}

func (m *ExponentialDripModel) RatePerSecond() *uint256.Int {
	return m.ratePerSecond.Clone()
}

// DripFactor returns the WAD fraction of the drippable base to move into fees
// after elapsedSeconds.
func (m *ExponentialDripModel) DripFactor(elapsedSeconds uint64) (*uint256.Int, error) {
	if elapsedSeconds == 0 || m.ratePerSecond.IsZero() {
		return new(uint256.Int), nil
	}
	retained, err := RPow(new(uint256.Int).Sub(WAD, m.ratePerSecond), elapsedSeconds)
	if err != nil {
		return nil, err
	}
	return SubSaturating(WAD, retained), nil
}

// ConstantDripModel returns the same factor for any non-zero elapsed time.
// Used for fixtures and for operators who settle fees on a fixed schedule.
type ConstantDripModel struct {
	factor *uint256.Int
}

func NewConstantDripModel(factor *uint256.Int) *ConstantDripModel {
	return &ConstantDripModel{factor: factor.Clone()}
}

func (m *ConstantDripModel) DripFactor(elapsedSeconds uint64) (*uint256.Int, error) {
	if elapsedSeconds == 0 {
		return new(uint256.Int), nil
	}
	return m.factor.Clone(), nil
}
