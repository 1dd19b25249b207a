// Package gate implements the connection gate: a level-triggered boolean
// that parks accepting connections while the backend is down and releases
// them once it is ready.
package gate

import (
	"context"
	"sync"
)

// Gate holds the "is the backend up" level and wakes waiters on
// transition.
//
// WaitFor returns immediately if the level already equals the requested
// value; otherwise it parks until the next transition into it. This is
// the level-triggered discipline, chosen over a pure edge-triggered
// waiter because the Controller always calls Set(true) at the end of an
// activation regardless of whether the level ever actually left true
// (the optimistic initial state starts at true, and a dial failure never
// flips the level itself, only the Controller does, on completion). A
// pure edge-triggered waiter would park forever in that case, since no
// transition would ever occur for it to catch.
type Gate struct {
	mu       sync.RWMutex
	level    bool
	waitUp   chan struct{}
	waitDown chan struct{}
}

// New returns a Gate initialized to level.
func New(level bool) *Gate {
	return &Gate{
		level:    level,
		waitUp:   make(chan struct{}),
		waitDown: make(chan struct{}),
	}
}

// Get returns the current level.
func (g *Gate) Get() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// Set updates the level to v and wakes every waiter currently parked on
// WaitFor(v). A no-op if the level is already v: no spurious wakeups.
func (g *Gate) Set(v bool) {
	g.mu.Lock()
	if g.level == v {
		g.mu.Unlock()
		return
	}
	g.level = v

	var fired chan struct{}
	if v {
		fired = g.waitUp
		g.waitUp = make(chan struct{})
	} else {
		fired = g.waitDown
		g.waitDown = make(chan struct{})
	}
	g.mu.Unlock()

	close(fired)
}

// WaitFor returns immediately if the level already equals v; otherwise it
// blocks until the next transition to v, or until ctx is cancelled. The
// level check and the channel capture happen under the same read lock, so
// a concurrent Set cannot slip in between them and strand the waiter.
func (g *Gate) WaitFor(ctx context.Context, v bool) error {
	g.mu.RLock()
	if g.level == v {
		g.mu.RUnlock()
		return nil
	}
	var ch chan struct{}
	if v {
		ch = g.waitUp
	} else {
		ch = g.waitDown
	}
	g.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
