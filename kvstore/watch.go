package kvstore

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// WatchOptions tunes a Watcher.
type WatchOptions struct {
	// Interval is the polling frequency. Default: 500ms.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes inside the window restart it. 0 fires immediately.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *WatchOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls the store revision and runs an action when it moves.
type Watcher struct {
	store *Store
	opts  WatchOptions

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
}

// WatchStats are point-in-time counters.
type WatchStats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Revision        int64 `json:"revision"`
}

// NewWatcher creates a Watcher. Call OnChange to start the loop.
func NewWatcher(s *Store, opts WatchOptions) *Watcher {
	opts.defaults()
	return &Watcher{store: s, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() WatchStats {
	return WatchStats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Revision:        w.version.Load(),
	}
}

// OnChange blocks until ctx is cancelled. When the revision changes and the
// debounce window passes quietly, action runs. If action fails the revision
// is not advanced and the action is retried on the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	if v, err := w.store.Revision(ctx); err != nil {
		log.Warn("kvstore: initial revision check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.store.Revision(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("kvstore: revision check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur

			if w.opts.Debounce <= 0 {
				w.fire(log, action, pending)
				pending = -1
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.opts.Debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(log, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, rev int64) {
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("kvstore: change action failed", "error", err, "revision", rev)
		return
	}
	w.version.Store(rev)
}
