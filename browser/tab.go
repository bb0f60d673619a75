package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/pollwatch/poller"
)

// Tab is a monitored Chrome tab. It implements poller.Page and
// poller.SignalSource.
type Tab struct {
	page    *rod.Page
	id      string
	level   StealthLevel
	logger  *slog.Logger
	signals chan poller.Signal

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func openTab(ctx context.Context, mgr *Manager, pageURL string, level StealthLevel) (*Tab, error) {
	if level == LevelHTTP {
		return nil, fmt.Errorf("browser: %s: http level has no tab, use NewHTTPPage", pageURL)
	}
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var page *rod.Page
	var err error
	if level >= LevelHeadless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		blockResources(page, mgr.cfg.ResourceBlocking)
	}

	t := &Tab{
		page:    page,
		id:      string(page.TargetID),
		level:   level,
		logger:  mgr.cfg.Logger.With("tab", string(page.TargetID)),
		signals: make(chan poller.Signal, 64),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if err := t.installBridge(); err != nil {
		t.logger.Warn("browser: signal bridge unavailable", "error", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		t.logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return t, nil
}

// TabID returns the Chrome target id.
func (t *Tab) TabID() string { return t.id }

// URL returns the tab's current location.
func (t *Tab) URL(ctx context.Context) (string, error) {
	res, err := t.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", fmt.Errorf("browser: location: %w", err)
	}
	return res.Value.Str(), nil
}

// Snapshot serialises the live DOM together with the location it was
// taken at.
func (t *Tab) Snapshot(ctx context.Context) ([]byte, string, error) {
	res, err := t.page.Context(ctx).Eval(`() => ({
		html: document.documentElement.outerHTML,
		url: location.href,
	})`)
	if err != nil {
		return nil, "", fmt.Errorf("browser: snapshot: %w", err)
	}
	return []byte(res.Value.Get("html").Str()), res.Value.Get("url").Str(), nil
}

// Signals delivers DOM activity reported by the in-page bridge.
func (t *Tab) Signals() <-chan poller.Signal { return t.signals }

func (t *Tab) activate(ctx context.Context) error {
	if _, err := t.page.Context(ctx).Activate(); err != nil {
		return fmt.Errorf("browser: activate %s: %w", t.id, err)
	}
	return nil
}

// Close closes the tab and stops the bridge listener.
func (t *Tab) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.page.Close()
	})
	return err
}

// blockResources fails requests for the listed resource types.
func blockResources(page *rod.Page, types []string) {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[t] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(block, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

// shouldBlock maps a CDP resource type onto the configured names
// ("images", "fonts", "media", "stylesheets" or the raw type).
func shouldBlock(block map[string]bool, resType string) bool {
	switch resType {
	case "Image":
		return block["images"]
	case "Font":
		return block["fonts"]
	case "Media":
		return block["media"]
	case "Stylesheet":
		return block["stylesheets"]
	}
	return block[resType]
}
