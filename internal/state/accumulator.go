package state

import (
	fpmath "SafetyLedger/internal/math"

	"github.com/holiman/uint256"
)

// ScalingAccumulator keeps, per reserve pool, a stack of accumulated inverse
// scaling factors (WAD-scaled, each >= WAD). The top entry compounds every
// slash since it was opened; once compounding it again would reach
// MaxSafeAccISF a fresh entry is opened instead. Redemptions remember the
// stack length and the top value when they were queued, so settlement can
// apply exactly the slashes that happened afterwards.
type ScalingAccumulator struct {
	stacks map[uint16][]*uint256.Int
}

func NewScalingAccumulator() *ScalingAccumulator {
	return &ScalingAccumulator{stacks: make(map[uint16][]*uint256.Int)}
}

// ComputeScale returns the fraction of a pool that survives slashing
// slashAmount out of oldAmount. The removed fraction rounds up.
func ComputeScale(slashAmount, oldAmount *uint256.Int) (*uint256.Int, error) {
	if slashAmount.IsZero() {
		return fpmath.WAD.Clone(), nil
	}
	if oldAmount.IsZero() || !slashAmount.Lt(oldAmount) {
		return new(uint256.Int), nil
	}
	removed, err := fpmath.DivWadUp(slashAmount, oldAmount)
	if err != nil {
		return nil, err
	}
	return fpmath.SubSaturating(fpmath.WAD, removed), nil
}

// InvScalingFactor returns 1/scale in WAD, or InfInvScalingFactor when the
// pool was wiped out.
func InvScalingFactor(scale *uint256.Int) (*uint256.Int, error) {
	if scale.IsZero() {
		return fpmath.InfInvScalingFactor.Clone(), nil
	}
	return fpmath.DivWadUp(fpmath.WAD, scale)
}

// Len returns the number of entries for a pool.
func (a *ScalingAccumulator) Len(poolID uint16) int {
	return len(a.stacks[poolID])
}

// Top returns the current top entry, or WAD for an empty stack.
func (a *ScalingAccumulator) Top(poolID uint16) *uint256.Int {
	s := a.stacks[poolID]
	if len(s) == 0 {
		return fpmath.WAD.Clone()
	}
	return s[len(s)-1].Clone()
}

// Entries returns a copy of a pool's stack, bottom first.
func (a *ScalingAccumulator) Entries(poolID uint16) []*uint256.Int {
	s := a.stacks[poolID]
	out := make([]*uint256.Int, len(s))
	for i, v := range s {
		out[i] = v.Clone()
	}
	return out
}

// Stage computes the stack that results from applying scale to a pool
// without modifying the accumulator. A scale of WAD leaves it unchanged.
func (a *ScalingAccumulator) Stage(poolID uint16, scale *uint256.Int) ([]*uint256.Int, error) {
	next := a.Entries(poolID)
	if scale.Eq(fpmath.WAD) {
		return next, nil
	}

	isf, err := InvScalingFactor(scale)
	if err != nil {
		return nil, err
	}
	if len(next) == 0 {
		return append(next, isf), nil
	}

	top := next[len(next)-1]
	candidate, err := fpmath.MulWadUp(top, isf)
	if err == nil && candidate.Lt(fpmath.MaxSafeAccISF) {
		next[len(next)-1] = candidate
		return next, nil
	}
	// New epoch: the frozen entries below already carry earlier slashes.
	return append(next, isf), nil
}

// Commit replaces a pool's stack with a staged one.
func (a *ScalingAccumulator) Commit(poolID uint16, stack []*uint256.Int) {
	a.stacks[poolID] = stack
}

// Apply stages and commits in one step.
func (a *ScalingAccumulator) Apply(poolID uint16, scale *uint256.Int) error {
	stack, err := a.Stage(poolID, scale)
	if err != nil {
		return err
	}
	a.Commit(poolID, stack)
	return nil
}

// ScaleQueued returns what remains of a queued asset snapshot after every
// slash recorded since the request was queued. The result is floored at
// every step.
func (a *ScalingAccumulator) ScaleQueued(
	poolID uint16,
	snapshot *uint256.Int,
	watermark int,
	queuedAccISF *uint256.Int,
) (*uint256.Int, error) {
	s := a.stacks[poolID]
	start := watermark - 1
	if start < 0 {
		start = 0
	}
	if start >= len(s) {
		return snapshot.Clone(), nil
	}

	amount, err := fpmath.MulDivDown(snapshot, queuedAccISF, s[start])
	if err != nil {
		return nil, err
	}
	for _, entry := range s[start+1:] {
		if amount.IsZero() {
			break
		}
		amount, err = fpmath.MulDivDown(amount, fpmath.WAD, entry)
		if err != nil {
			return nil, err
		}
	}
	return amount, nil
}

// Snapshot returns a copy of every pool's stack.
func (a *ScalingAccumulator) Snapshot() map[uint16][]*uint256.Int {
	out := make(map[uint16][]*uint256.Int, len(a.stacks))
	for id := range a.stacks {
		out[id] = a.Entries(id)
	}
	return out
}

// Restore replaces the accumulator contents.
func (a *ScalingAccumulator) Restore(stacks map[uint16][]*uint256.Int) {
	a.stacks = make(map[uint16][]*uint256.Int, len(stacks))
	for id, s := range stacks {
		cp := make([]*uint256.Int, len(s))
		for i, v := range s {
			cp[i] = v.Clone()
		}
		a.stacks[id] = cp
	}
}
