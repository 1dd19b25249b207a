package idlewatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sero-proxy/sero/internal/lastseen"
)

type countingSignaler struct {
	requests atomic.Int32
}

func (s *countingSignaler) RequestIdle() {
	s.requests.Add(1)
}

func fixedInterval(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestFiresIdleElapsedAfterInterval(t *testing.T) {
	ls := lastseen.New()
	signaler := &countingSignaler{}
	w := New(ls, signaler, fixedInterval(60*time.Millisecond), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	assert.Eventually(t, func() bool { return signaler.requests.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectionNearBoundaryDefersIdleSignal(t *testing.T) {
	ls := lastseen.New()
	signaler := &countingSignaler{}
	w := New(ls, signaler, fixedInterval(80*time.Millisecond), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Touch just before the interval would have elapsed, simulating a
	// connection arriving at t = interval - epsilon (spec.md §8).
	time.Sleep(60 * time.Millisecond)
	ls.Touch()

	// The original 80ms deadline from process start is now stale; no
	// signal should fire until 80ms after the touch.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, signaler.requests.Load(), "idle signal fired before the deferred deadline")

	assert.Eventually(t, func() bool { return signaler.requests.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ls := lastseen.New()
	signaler := &countingSignaler{}
	w := New(ls, signaler, fixedInterval(time.Second), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
