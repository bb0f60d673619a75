package reporter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/pollwatch/kvstore"
	"github.com/hazyhaar/pollwatch/shield"
)

// handleStream pushes a status event on connect, on every store change
// and every refresh period.
func (r *Reporter) handleStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, req, http.StatusInternalServerError, fmt.Errorf("reporter: streaming unsupported"))
		return
	}
	ctx := req.Context()
	logger := shield.GetLogger(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	changed := make(chan struct{}, 1)
	watcher := kvstore.NewWatcher(r.state.Store(), kvstore.WatchOptions{
		Interval: r.cfg.WatchInterval,
		Logger:   logger,
	})
	go watcher.OnChange(ctx, func() error {
		select {
		case changed <- struct{}{}:
		default:
		}
		return nil
	})

	ticker := time.NewTicker(r.cfg.Refresh)
	defer ticker.Stop()

	send := func() bool {
		st, err := r.Status(ctx)
		if err != nil {
			logger.Warn("reporter: stream status", "error", err)
			return ctx.Err() == nil
		}
		data, err := json.Marshal(st)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
		}
		if !send() {
			return
		}
	}
}
