// Package idlewatch implements the Idle Watcher: the single long-lived
// task that notices when the backend has gone quiet long enough to scale
// down (spec.md §4.6).
package idlewatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/sero-proxy/sero/internal/lastseen"
)

// Signaler is the subset of the Activation Controller the Idle Watcher
// needs.
type Signaler interface {
	RequestIdle()
}

// Watcher debounces the scale-down timer: every wakeup re-reads
// last-seen and either signals idle-elapsed or recomputes how long it
// should sleep before checking again, per spec.md §4.6.
type Watcher struct {
	lastSeen *lastseen.Tracker
	signaler Signaler

	// interval returns the current idle timeout; a func so a
	// live-reloaded config (internal/config.Watcher) is honored on the
	// very next recompute without restarting this task.
	interval func() time.Duration
	logger   *slog.Logger
}

// New builds a Watcher.
func New(ls *lastseen.Tracker, signaler Signaler, interval func() time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{lastSeen: ls, signaler: signaler, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled. On each wakeup it checks whether the
// idle interval has genuinely elapsed since the last successful
// connection; if not, it goes back to sleep for the remaining time
// instead of firing early or busy-polling.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		interval := w.interval()
		sleepFor := interval - w.lastSeen.Since()
		if sleepFor < 0 {
			sleepFor = 0
		} else if sleepFor > interval {
			sleepFor = interval
		}

		t := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		if w.lastSeen.Since() >= w.interval() {
			w.logger.Debug("idle interval elapsed")
			w.signaler.RequestIdle()
		}
		// Otherwise a connection arrived while we slept and pushed
		// last-seen forward; loop back and recompute the now-longer
		// sleep rather than firing early.
	}
}
