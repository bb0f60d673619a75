// Package browser runs the Chrome instance pollwatch monitors pages in:
// launch or connect via Rod, tab bookkeeping, periodic recycling, and the
// in-page signal bridge that reports DOM activity back to Go.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// StealthLevel controls how pages are acquired.
type StealthLevel int

const (
	LevelHTTP     StealthLevel = 0 // plain HTTP GET, no browser
	LevelHeadless StealthLevel = 1 // Rod headless + stealth
	LevelHeadful  StealthLevel = 2 // Rod headful on an Xvfb display
)

// ParseLevel maps a config name to a StealthLevel.
func ParseLevel(s string) (StealthLevel, error) {
	switch s {
	case "http":
		return LevelHTTP, nil
	case "", "headless":
		return LevelHeadless, nil
	case "headful":
		return LevelHeadful, nil
	}
	return LevelHeadless, fmt.Errorf("browser: unknown stealth level %q", s)
}

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome.
	// Empty launches a local one.
	RemoteURL string

	// Stealth is the default level for new tabs. Default: LevelHeadless.
	Stealth StealthLevel

	// RecycleInterval is the maximum lifetime of a Chrome process.
	// Zero disables recycling.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block (images, fonts, media,
	// stylesheets).
	ResourceBlocking []string

	// NavigateTimeout bounds page loads. Default: 30s.
	NavigateTimeout time.Duration

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process and the open tabs.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	startAt time.Time
	closed  bool

	tabs      map[string]*Tab
	onOpen    func(*Tab)
	onRecycle func(ctx context.Context)
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, tabs: make(map[string]*Tab)}
}

// OnOpen registers fn to run for every tab opened through Open.
func (m *Manager) OnOpen(fn func(*Tab)) {
	m.mu.Lock()
	m.onOpen = fn
	m.mu.Unlock()
}

// OnRecycle registers fn to run after Chrome was restarted. Every tab of
// the previous process is gone by then.
func (m *Manager) OnRecycle(fn func(ctx context.Context)) {
	m.mu.Lock()
	m.onRecycle = fn
	m.mu.Unlock()
}

// Start launches Chrome (or connects to a remote instance) and starts the
// recycle loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	b, err := m.launch()
	if err != nil {
		return err
	}
	m.browser = b
	m.startAt = time.Now()

	if m.cfg.RecycleInterval > 0 {
		go m.recycleLoop(ctx)
	}
	return nil
}

// Browser returns the current Rod browser handle.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Close closes every tab and shuts down Chrome.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.dropTabsLocked()
	return m.cleanup()
}

// Tab returns an open tab by id.
func (m *Manager) Tab(id string) (*Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	return t, ok
}

// Open opens url in a new tab at the default stealth level and returns
// its id. An http default level opens a headless tab instead.
func (m *Manager) Open(ctx context.Context, url string) (string, error) {
	level := m.cfg.Stealth
	if level == LevelHTTP {
		level = LevelHeadless
	}
	t, err := m.OpenTab(ctx, url, level)
	if err != nil {
		return "", err
	}
	return t.TabID(), nil
}

// OpenTab opens url in a new tab, registers it and runs the OnOpen hook.
func (m *Manager) OpenTab(ctx context.Context, url string, level StealthLevel) (*Tab, error) {
	t, err := openTab(ctx, m, url, level)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.tabs[t.TabID()] = t
	hook := m.onOpen
	m.mu.Unlock()

	m.cfg.Logger.Info("browser: tab opened", "tab", t.TabID(), "url", url, "stealth", level)
	if hook != nil {
		hook(t)
	}
	return t, nil
}

// Activate brings tab id to the front.
func (m *Manager) Activate(ctx context.Context, id string) error {
	t, ok := m.Tab(id)
	if !ok {
		return fmt.Errorf("browser: no tab %s", id)
	}
	return t.activate(ctx)
}

// CloseTab closes and forgets tab id.
func (m *Manager) CloseTab(id string) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	delete(m.tabs, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Close()
}

func (m *Manager) dropTabsLocked() {
	for id, t := range m.tabs {
		t.Close()
		delete(m.tabs, id)
	}
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	if m.cfg.Stealth == LevelHeadful {
		if err := m.startXvfb(); err != nil {
			return nil, fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()
		if m.cfg.Stealth == LevelHeadful {
			l = l.Headless(false).Env("DISPLAY", m.cfg.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "stealth", m.cfg.Stealth)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

// Recycle restarts Chrome. Open tabs are closed and forgotten; the OnRecycle
// hook reopens what it needs.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("browser: manager is closed")
	}
	log := m.cfg.Logger
	log.Info("browser: recycling", "uptime", time.Since(m.startAt))

	m.dropTabsLocked()
	if err := m.cleanup(); err != nil {
		log.Warn("browser: cleanup during recycle", "error", err)
	}
	b, err := m.launch()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	hook := m.onRecycle
	m.mu.Unlock()

	log.Info("browser: recycled")
	if hook != nil {
		hook(ctx)
	}
	return nil
}

func (m *Manager) cleanup() error {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
	return nil
}

func (m *Manager) recycleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			done := m.closed || m.browser == nil
			startAt := m.startAt
			m.mu.RUnlock()
			if done {
				return
			}
			if time.Since(startAt) < m.cfg.RecycleInterval {
				continue
			}
			if err := m.Recycle(ctx); err != nil {
				m.cfg.Logger.Error("browser: recycle failed", "error", err)
			}
		}
	}
}

// startXvfb runs a virtual display for headful mode.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	cmd := exec.Command("Xvfb", m.cfg.XvfbDisplay, "-screen", "0", "1280x800x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	m.xvfb = cmd
	time.Sleep(500 * time.Millisecond)
	m.cfg.Logger.Info("browser: xvfb started", "display", m.cfg.XvfbDisplay, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		m.xvfb.Wait()
	}
	m.xvfb = nil
}
