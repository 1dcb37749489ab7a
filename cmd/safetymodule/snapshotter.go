package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"SafetyLedger/internal/config"
	"SafetyLedger/internal/core"
	"SafetyLedger/internal/observability"
	"SafetyLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const durablePoll = 10 * time.Millisecond

// snapshotter takes a snapshot every Interval durable commands. A snapshot
// is only saved once the log holds every entry it covers.
type snapshotter struct {
	processor *core.Processor
	store     snapshotStore
	cfg       config.SnapshotConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger

	// last sequence flushed to the event log
	durable atomic.Int64
	// sequence of the last snapshot
	last     atomic.Int64
	requests chan struct{}
	mu       sync.Mutex
}

func newSnapshotter(p *core.Processor, store snapshotStore, cfg config.SnapshotConfig, metrics *observability.Metrics, logger zerolog.Logger) *snapshotter {
	return &snapshotter{
		processor: p,
		store:     store,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		requests:  make(chan struct{}, 1),
	}
}

// flushed is the persistence worker's flush hook.
func (s *snapshotter) flushed(seq int64) {
	s.durable.Store(seq)
	if seq-s.last.Load() < s.cfg.Interval {
		return
	}
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

func (s *snapshotter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.requests:
			if _, err := s.Take(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// Take snapshots the processor and returns the covered sequence.
func (s *snapshotter) Take(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.processor.CreateSnapshotState()
	if state.Sequence == s.last.Load() {
		return state.Sequence, nil
	}
	if err := s.waitDurable(ctx, state.Sequence); err != nil {
		return 0, err
	}

	snap := persistence.NewSnapshotData(state, time.Now().UTC())
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	if err := s.finish(ctx, snap); err != nil {
		return 0, err
	}
	s.last.Store(snap.Sequence)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
		if data, err := json.Marshal(snap); err == nil {
			s.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		}
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Str("store", s.cfg.Store).Msg("snapshot saved")
	return snap.Sequence, nil
}

func (s *snapshotter) waitDurable(ctx context.Context, seq int64) error {
	ticker := time.NewTicker(durablePoll)
	defer ticker.Stop()
	for s.durable.Load() < seq {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for sequence %d to be durable: %w", seq, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// finish verifies a Postgres snapshot against the logged state hash, or
// prunes old LevelDB snapshots.
func (s *snapshotter) finish(ctx context.Context, snap *persistence.SnapshotData) error {
	switch store := s.store.(type) {
	case *persistence.SnapshotManager:
		if snap.Sequence == 0 {
			return nil
		}
		entries, err := store.LoadEntriesFrom(ctx, snap.Sequence, 1)
		if err != nil {
			return fmt.Errorf("load entry %d: %w", snap.Sequence, err)
		}
		if len(entries) == 0 || entries[0].Sequence != snap.Sequence {
			return fmt.Errorf("snapshot %d has no log entry", snap.Sequence)
		}
		if got := hex.EncodeToString(entries[0].StateHash); got != snap.StateHash {
			return fmt.Errorf("snapshot %d hash %s, log has %s", snap.Sequence, snap.StateHash, got)
		}
		return store.MarkVerified(ctx, snap.Sequence)
	case *persistence.LevelSnapshotStore:
		pruned, err := store.Prune(s.cfg.Keep)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		if pruned > 0 {
			s.logger.Debug().Int("pruned", pruned).Msg("old snapshots pruned")
		}
	}
	return nil
}
