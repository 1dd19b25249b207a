package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fsnotify events a single save
// typically produces (write + chmod, or a ConfigMap symlink swap) into
// one reload.
const reloadDebounce = 250 * time.Millisecond

// statSnapshot is the slice of file metadata Watcher.changed compares
// across fsnotify events to tell a ConfigMap atomic symlink swap
// (directory entry changes, target file's bytes don't) apart from a
// genuine rewrite of the config file's contents.
type statSnapshot struct {
	mtime time.Time
	inode uint64
	size  int64
}

// Watcher live-reloads a Config file so an operator can retune
// target.timeout.scaleUp/scaleDown without restarting the process.
// Identity fields (host, target.service, target.deployment) are read once
// at startup; this module doesn't act on a change to those without a
// restart, since the workload identity is immutable for the process's
// lifetime (spec.md §3).
type Watcher struct {
	path   string
	logger *slog.Logger

	// snapshot is only ever read/written from Run's own goroutine (the
	// Idle-Watcher-style "single long-lived task" discipline of spec.md
	// §4.6 applies here too), so it needs no lock of its own.
	snapshot statSnapshot

	mu      sync.RWMutex
	current *Config
}

// NewWatcher builds a Watcher seeded with the already-loaded initial
// config.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, current: initial}
}

// Current returns a copy of the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cfg := *w.current
	return &cfg
}

// Run watches the config file's directory and reloads Current() on
// change. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer fsWatcher.Close()

	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("fsWatcher.Add(%s): %w", dir, err)
	}

	filename := filepath.Base(w.path)
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filename {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !w.changed() {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// changed reports whether the config file's on-disk snapshot differs from
// the one captured on the previous call, and if so updates the stored
// snapshot. A fsnotify event on the watched directory doesn't always mean
// the file's bytes changed: a ConfigMap update swaps a symlink in the
// directory, which can fire a directory-level event without the target
// ever being rewritten. Comparing mtime, inode, and size catches that case
// without re-reading and diffing the file's contents.
func (w *Watcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		// The file may be briefly missing mid-swap; nothing to reload yet.
		w.logger.Debug("stat failed while checking for config change", "path", w.path, "error", err)
		return false
	}

	next := statSnapshot{mtime: info.ModTime(), size: info.Size()}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		next.inode = stat.Ino
	}

	if next == w.snapshot {
		return false
	}
	w.snapshot = next
	return true
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	w.mu.Lock()
	w.current = next
	w.mu.Unlock()

	w.logger.Info("config reloaded",
		"scaleUpMs", next.Target.Timeout.ScaleUp,
		"scaleDownMs", next.Target.Timeout.ScaleDown,
	)
}
