package core

import "sync/atomic"

// ManualClock is set explicitly. The processor moves it to each command's
// timestamp so replays see the same time as the original run.
type ManualClock struct {
	now atomic.Uint64
}

func NewManualClock(now uint64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(now)
	return c
}

func (c *ManualClock) Now() uint64 { return c.now.Load() }

func (c *ManualClock) Set(now uint64) { c.now.Store(now) }

func (c *ManualClock) Advance(seconds uint64) { c.now.Add(seconds) }
