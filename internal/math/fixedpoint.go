package math

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
)

// Precision constants. All amounts are unsigned 256-bit integers; ratios are
// WAD-scaled and percentages are ZOC-scaled.
var (
	WAD = uint256.NewInt(1_000_000_000_000_000_000)
	ZOC = uint256.NewInt(10_000)

	// InfInvScalingFactor stands in for 1/0 when a slash wipes a pool out.
	InfInvScalingFactor = uint256.MustFromDecimal("1000000000000000000000000000000000000")
	// MaxSafeAccISF bounds an accumulator entry before a new one is started.
	MaxSafeAccISF = uint256.MustFromDecimal("1000000000000000000000000000000000000000000000000000000")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

func (m RoundingMode) String() string {
	if m == RoundUp {
		return "up"
	}
	return "down"
}

// MulDiv computes x*y/d with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow := z.AddOverflow(z, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return z, nil
}

func MulDivDown(x, y, d *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, d, RoundDown)
}

func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, d, RoundUp)
}

// MulWadDown returns floor(x*y/WAD).
func MulWadDown(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, WAD, RoundDown)
}

// MulWadUp returns ceil(x*y/WAD).
func MulWadUp(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, WAD, RoundUp)
}

// DivWadDown returns floor(x*WAD/y).
func DivWadDown(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, WAD, y, RoundDown)
}

// DivWadUp returns ceil(x*WAD/y).
func DivWadUp(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, WAD, y, RoundUp)
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// SubSaturating returns x-y, or zero when y > x.
func SubSaturating(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// RPow raises a WAD-scaled base to an integer power by squaring, flooring
// every intermediate product.
func RPow(base *uint256.Int, exp uint64) (*uint256.Int, error) {
	result := WAD.Clone()
	b := base.Clone()
	for exp > 0 {
		if exp&1 == 1 {
			r, err := MulWadDown(result, b)
			if err != nil {
				return nil, err
			}
			result = r
		}
		exp >>= 1
		if exp > 0 {
			sq, err := MulWadDown(b, b)
			if err != nil {
				return nil, err
			}
			b = sq
		}
	}
	return result, nil
}
