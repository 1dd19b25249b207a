// Package activation implements the activation controller: the state
// machine that moves the workload between Up, Down, Activating, and
// Deactivating, driven by connection events and the idle-timeout clock
// (spec.md §4.4).
package activation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sero-proxy/sero/internal/gate"
	"github.com/sero-proxy/sero/internal/metrics"
	"github.com/sero-proxy/sero/internal/router"
	"github.com/sero-proxy/sero/internal/scaler"
)

// State is one of the Controller's lifecycle states (spec.md §3).
type State int

const (
	Up State = iota
	Activating
	Down
	Deactivating
)

func (s State) String() string {
	switch s {
	case Up:
		return "up"
	case Activating:
		return "activating"
	case Down:
		return "down"
	case Deactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// retryBackoff is the constant delay between retries of a failed scale or
// routing mutation (spec.md §4.4 "Retries": "constant backoff").
const retryBackoff = 2 * time.Second

// Controller owns the Gate, Router, Scaler, and the state machine that
// sequences them. Acceptor tasks and the idle watcher only request
// transitions through RequestActivation/RequestIdle; the Controller is
// the sole owner of state mutation (spec.md §3 "Ownership summary") and
// runs as a single long-lived task so that no two transitions of the
// same state machine ever interleave (spec.md §5).
type Controller struct {
	gate   *gate.Gate
	router *router.Slice
	scaler *scaler.Scaler
	logger *slog.Logger
	metric *metrics.Metrics

	// scaleUpDeadline returns the current per-attempt deadline for
	// scale(1); it's a func rather than a fixed value so a live-reloaded
	// config (internal/config.Watcher) is picked up on the next attempt.
	scaleUpDeadline func() time.Duration

	mu    sync.Mutex
	state State

	// activateCh and idleCh are edge-triggered, capacity-1 signals: a
	// non-blocking send that discards on a full channel, exactly the
	// "bounded channel of capacity 1" primitive spec.md §9 suggests for
	// coalescing concurrent requests into one pending transition.
	activateCh chan struct{}
	idleCh     chan struct{}
}

// New builds a Controller. The initial state is Up, optimistically
// assuming the backend is already reachable (spec.md §9 "Optimistic
// initial state"); a failed dial demotes it to Activating on the first
// request.
func New(g *gate.Gate, r *router.Slice, sc *scaler.Scaler, scaleUpDeadline func() time.Duration, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		gate:            g,
		router:          r,
		scaler:          sc,
		scaleUpDeadline: scaleUpDeadline,
		metric:          m,
		logger:          logger,
		state:           Up,
		activateCh:      make(chan struct{}, 1),
		idleCh:          make(chan struct{}, 1),
	}
	c.metric.SetState(c.state.String())
	return c
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestActivation signals that a connection found the backend
// unreachable. Non-blocking: if an activation is already pending or in
// flight, the signal is absorbed (spec.md §4.4 "Coalescing").
func (c *Controller) RequestActivation() {
	select {
	case c.activateCh <- struct{}{}:
	default:
	}
}

// RequestIdle signals that the idle watcher observed the scale-down
// interval elapse with no activity. Non-blocking, same discipline as
// RequestActivation.
func (c *Controller) RequestIdle() {
	select {
	case c.idleCh <- struct{}{}:
	default:
	}
}

// Run is the Controller's long-lived task: it drains activateCh/idleCh
// and drives the corresponding transition, one at a time. Blocks until
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.activateCh:
			c.onActivationRequested(ctx)
		case <-c.idleCh:
			c.onIdleElapsed(ctx)
		}
	}
}

func (c *Controller) onActivationRequested(ctx context.Context) {
	c.mu.Lock()
	switch c.state {
	case Up, Down:
		c.state = Activating
	default:
		// Activating: already in flight, this signal is the coalesced one.
		// Deactivating: not in the transition table for this event; the
		// in-flight deactivation will complete to Down, and the acceptor
		// that sent this signal will re-signal on its next dial attempt.
		c.mu.Unlock()
		return
	}
	c.metric.SetState(c.state.String())
	c.mu.Unlock()

	c.activate(ctx)
}

func (c *Controller) onIdleElapsed(ctx context.Context) {
	c.mu.Lock()
	if c.state != Up {
		// Down: already down, ignore (spec.md §4.4 table).
		// Activating/Deactivating: mid-transition, ignore.
		c.mu.Unlock()
		return
	}
	c.state = Deactivating
	c.metric.SetState(c.state.String())
	c.mu.Unlock()

	c.deactivate(ctx)
}

// activate runs the Down/Activating -> Up sequence: scale(1), then
// detach, then release the gate, in that exact order (spec.md §4.4
// "On activation"). Retries indefinitely with constant backoff.
func (c *Controller) activate(ctx context.Context) {
	for {
		start := time.Now()
		err := c.scaler.Scale(ctx, 1, c.scaleUpDeadline())
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.metric.RecordScaleAttempt("up", "failure")
			c.logger.Error("scale-up failed, retrying", "error", err)
			if !c.sleepBackoff(ctx) {
				return
			}
			continue
		}
		c.metric.RecordScaleAttempt("up", "success")
		c.metric.ObserveScaleDuration("up", time.Since(start))
		break
	}

	for {
		err := c.router.Detach(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("detach failed, retrying", "error", err)
			if !c.sleepBackoff(ctx) {
				return
			}
			continue
		}
		break
	}

	c.mu.Lock()
	c.state = Up
	c.metric.SetState(c.state.String())
	c.mu.Unlock()

	c.gate.Set(true)
	c.drainActivate()
	c.logger.Info("activation complete")
}

// deactivate runs the Up/Deactivating -> Down sequence: attach, then
// scale(0), then park the gate, in that exact order (spec.md §4.4 "On
// deactivation"). Retries indefinitely with constant backoff.
func (c *Controller) deactivate(ctx context.Context) {
	for {
		err := c.router.Attach(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("attach failed, retrying", "error", err)
			if !c.sleepBackoff(ctx) {
				return
			}
			continue
		}
		break
	}

	for {
		start := time.Now()
		err := c.scaler.Scale(ctx, 0, c.scaleUpDeadline())
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.metric.RecordScaleAttempt("down", "failure")
			c.logger.Error("scale-down failed, retrying", "error", err)
			if !c.sleepBackoff(ctx) {
				return
			}
			continue
		}
		c.metric.RecordScaleAttempt("down", "success")
		c.metric.ObserveScaleDuration("down", time.Since(start))
		break
	}

	c.mu.Lock()
	c.state = Down
	c.metric.SetState(c.state.String())
	c.mu.Unlock()

	c.gate.Set(false)
	c.drainIdle()
	c.logger.Info("deactivation complete")
}

// drainActivate discards any activation request that arrived while this
// cycle was in flight. Acceptors retry every couple hundred milliseconds
// while a real scale-up can take seconds (proxy.go's dial-retry loop), so
// activateCh routinely buffers one stale signal for the cycle that just
// finished; without this, Run's next select would immediately re-enter
// onActivationRequested with state already Up and fire a second, spurious
// scale(1)/detach cycle (spec.md §8 scenario 3).
func (c *Controller) drainActivate() {
	select {
	case <-c.activateCh:
	default:
	}
}

// drainIdle is drainActivate's counterpart for idleCh, discarding a stale
// idle-elapsed signal queued while a deactivation was in flight.
func (c *Controller) drainIdle() {
	select {
	case <-c.idleCh:
	default:
	}
}

// sleepBackoff waits retryBackoff or returns false if ctx is cancelled
// first.
func (c *Controller) sleepBackoff(ctx context.Context) bool {
	t := time.NewTimer(retryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
