package main

import (
	"context"
	"fmt"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/persistence"
	"SafetyLedger/internal/token"

	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000
	warmKeys        = 100_000
)

// recoverState restores the latest snapshot, replays the log tail on top of
// it and checks the processor ends at the log head.
func recoverState(
	ctx context.Context,
	store snapshotStore,
	snapMgr *persistence.SnapshotManager,
	p *core.Processor,
	vault *token.Vault,
	logger zerolog.Logger,
) error {
	from := int64(1)

	snap, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		state, err := snap.CoreState()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := p.RestoreFromSnapshot(state); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		// custody is not part of the module state; it matches the asset pools
		for _, ap := range state.Module.AssetPools {
			vault.RestoreCustody(ap.Asset, ap.Amount)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	n, err := persistence.ReplayFrom(ctx, snapMgr, p, from, replayBatchSize)
	if err != nil {
		return fmt.Errorf("replay after %d entries: %w", n, err)
	}

	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("log head: %w", err)
	}
	if head != p.Sequence()-1 {
		return fmt.Errorf("processor at %d after replay, log head is %d", p.Sequence()-1, head)
	}

	// keys inside the snapshot are already warm; the log tail covers the rest
	if n > 0 {
		keys, err := snapMgr.RecentIdempotencyKeys(ctx, warmKeys)
		if err != nil {
			return fmt.Errorf("load idempotency keys: %w", err)
		}
		p.WarmLRU(keys)
	}

	logger.Info().
		Int("replayed", n).
		Int64("next_sequence", p.Sequence()).
		Str("state_hash", fmt.Sprintf("%x", p.StateHash())).
		Msg("recovery complete")
	return nil
}
