package phase

import (
	"context"
	"sync"
	"time"
)

// RateGate enforces a minimum delay between consecutive calls to one
// collaborator. Workers share a single gate per executor, so the delay
// bounds the executor's aggregate call rate regardless of pool size.
type RateGate struct {
	mu       sync.Mutex
	minDelay time.Duration
	next     time.Time
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRateGate creates a gate with the given minimum inter-call delay.
// A zero or negative delay disables the gate.
func NewRateGate(minDelay time.Duration) *RateGate {
	return &RateGate{
		minDelay: minDelay,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait blocks until this caller's slot opens, or returns early with the
// context's error. Slots are handed out in call order; each caller claims
// the next one under the lock so two workers never share a slot.
func (g *RateGate) Wait(ctx context.Context) error {
	if g == nil || g.minDelay <= 0 {
		return nil
	}

	g.mu.Lock()
	now := g.now()
	slot := g.next
	if slot.Before(now) {
		slot = now
	}
	g.next = slot.Add(g.minDelay)
	g.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		return g.sleep(ctx, wait)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
