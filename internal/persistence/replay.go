package persistence

import (
	"context"
	"fmt"

	"SafetyLedger/internal/command"
	"SafetyLedger/internal/core"
)

// ReplayFrom re-applies logged entries starting at fromSequence, batchSize
// rows at a time, and returns how many were replayed. Each entry must
// reproduce its logged state hash.
func ReplayFrom(ctx context.Context, sm *SnapshotManager, p *core.Processor, fromSequence int64, batchSize int) (int, error) {
	replayed := 0
	for {
		entries, err := sm.LoadEntriesFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load entries from %d: %w", fromSequence, err)
		}
		for _, e := range entries {
			if err := replayEntry(p, e); err != nil {
				return replayed, err
			}
			replayed++
		}
		if len(entries) < batchSize {
			return replayed, nil
		}
		fromSequence = entries[len(entries)-1].Sequence + 1
	}
}

func replayEntry(p *core.Processor, e EntryRow) error {
	env, err := e.Envelope()
	if err != nil {
		return err
	}
	t, ok := command.ParseType(e.CommandType)
	if !ok {
		return fmt.Errorf("entry %d: unknown command type %q", e.Sequence, e.CommandType)
	}
	cmd, err := command.Unmarshal(t, e.Payload)
	if err != nil {
		return fmt.Errorf("entry %d: %w", e.Sequence, err)
	}
	return p.Replay(cmd, env)
}
