package core

import (
	"errors"
	"fmt"

	"SafetyLedger/internal/observability"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order command")
)

// SequenceValidator checks that each source delivers its commands in order.
// Sources are independent partitions. Not thread-safe.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence accepts exactly the next expected sequence of the source.
// A stale sequence is fine for a duplicate, which is skipped anyway.
func (sv *SequenceValidator) ValidateSequence(source string, sequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[source]

	switch {
	case sequence == expected:
		sv.expectedNextSeq[source] = expected + 1
		return nil
	case sequence < expected:
		if isDuplicate {
			return nil
		}
		return fmt.Errorf("%w: source=%s, expected=%d, got=%d", ErrOutOfOrder, source, expected, sequence)
	default:
		if sv.metrics != nil {
			sv.metrics.SequenceGaps.WithLabelValues(source).Inc()
		}
		return fmt.Errorf("%w: source=%s, expected=%d, got=%d", ErrSequenceGap, source, expected, sequence)
	}
}

func (sv *SequenceValidator) ExpectedSequence(source string) int64 {
	return sv.expectedNextSeq[source]
}

// Partitions returns every source's next expected sequence.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestorePartitions replaces the state from a snapshot.
func (sv *SequenceValidator) RestorePartitions(parts map[string]int64) {
	sv.expectedNextSeq = make(map[string]int64, len(parts))
	for k, v := range parts {
		sv.expectedNextSeq[k] = v
	}
}
