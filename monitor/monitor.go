// Package monitor wires pollwatch together: the store, the message router,
// the background service, one poller per watched page, the hourly
// maintenance and the reporter.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/pollwatch/browser"
	"github.com/hazyhaar/pollwatch/config"
	"github.com/hazyhaar/pollwatch/kvstore"
	"github.com/hazyhaar/pollwatch/messaging"
	"github.com/hazyhaar/pollwatch/notify"
	"github.com/hazyhaar/pollwatch/poller"
	"github.com/hazyhaar/pollwatch/question"
	"github.com/hazyhaar/pollwatch/reporter"
	"github.com/hazyhaar/pollwatch/state"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// Monitor is the top-level orchestrator. Create one per process.
type Monitor struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *kvstore.Store
	ownsStore bool
	state     *state.State
	rt        *messaging.Router
	sinks     *notify.Router
	disp      *notify.Dispatcher
	bg        *notify.Background
	ext       *question.Extractor
	mgr       *browser.Manager
	rep       *reporter.Reporter

	mu      sync.Mutex
	runCtx  context.Context
	pages   map[string]*watched
	active  string
	httpSeq int
	addr    net.Addr
	ready   chan struct{}
}

type watched struct {
	page   poller.Page
	poller *poller.Poller
}

// Option configures a Monitor.
type Option func(*options)

type options struct {
	store *kvstore.Store
	sinks []notify.Sink
}

// WithStore uses an already open store. The Monitor does not close it.
func WithStore(s *kvstore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSinks adds notification sinks on top of the configured ones.
func WithSinks(sinks ...notify.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// New builds a Monitor from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	m := &Monitor{
		cfg:    cfg,
		logger: logger,
		pages:  make(map[string]*watched),
		ready:  make(chan struct{}),
	}

	m.store = o.store
	if m.store == nil {
		s, err := kvstore.Open(cfg.Store.Path, kvstore.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("monitor: open store: %w", err)
		}
		m.store, m.ownsStore = s, true
	}
	m.state = state.New(m.store)

	m.rt = messaging.New(
		messaging.WithLogger(logger),
		messaging.WithMiddleware(
			messaging.Recovery(logger),
			messaging.Logging(logger),
			messaging.Timeout(cfg.Messaging.HandlerTimeout),
		),
	)

	sinks, err := buildSinks(cfg.Notify.Sinks, logger)
	if err != nil {
		m.closeStore()
		return nil, err
	}
	m.sinks = notify.NewRouter(logger, append(sinks, o.sinks...)...)
	m.disp = notify.NewDispatcher(m.state, m.sinks, m, notify.WithDispatcherLogger(logger))
	m.disp.SetEnabled(cfg.NotificationsEnabled())
	m.bg = notify.NewBackground(m.state, m.disp, notify.NewBadges(),
		notify.WithBackgroundLogger(logger),
		notify.WithRetention(cfg.Maintenance.Retention))
	m.bg.Register(m.rt)

	m.ext = question.NewExtractor(cfg.Rules, logger)

	if m.needsBrowser() {
		level, _ := browser.ParseLevel(cfg.Browser.Stealth)
		m.mgr = browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.Remote,
			Stealth:          level,
			RecycleInterval:  cfg.Browser.RecycleInterval,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			NavigateTimeout:  cfg.Browser.NavigateTimeout,
			XvfbDisplay:      cfg.Browser.XvfbDisplay,
			Logger:           logger,
		})
		m.mgr.OnOpen(func(t *browser.Tab) { m.attach(t) })
		m.mgr.OnRecycle(m.reopenBrowserPages)
	}

	m.rep = reporter.New(m.state, m.bg, m.rt, m, reporter.Config{
		Host:    cfg.Reporter.Host,
		Refresh: cfg.Reporter.Refresh,
		Logger:  logger,
	})
	return m, nil
}

func buildSinks(cfgs []config.SinkConfig, logger *slog.Logger) ([]notify.Sink, error) {
	var out []notify.Sink
	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			out = append(out, notify.NewStdout(os.Stdout))
		case "log":
			out = append(out, notify.NewLog(logger))
		case "webhook":
			opts := []notify.WebhookOption{notify.WithWebhookLogger(logger)}
			if sc.Retries > 0 {
				opts = append(opts, notify.WithWebhookRetries(sc.Retries))
			}
			if sc.Backoff > 0 {
				opts = append(opts, notify.WithWebhookBackoff(sc.Backoff))
			}
			out = append(out, notify.NewWebhook(sc.URL, opts...))
		default:
			return nil, fmt.Errorf("monitor: unknown sink type %q", sc.Type)
		}
	}
	return out, nil
}

func (m *Monitor) needsBrowser() bool {
	for _, p := range m.cfg.Pages {
		if lvl, _ := browser.ParseLevel(p.Stealth); lvl != browser.LevelHTTP {
			return true
		}
	}
	return false
}

// Reporter returns the status reporter.
func (m *Monitor) Reporter() *reporter.Reporter { return m.rep }

// Background returns the background service.
func (m *Monitor) Background() *notify.Background { return m.bg }

// Addr returns the reporter's listen address once Run has bound it.
func (m *Monitor) Addr() net.Addr {
	<-m.ready
	return m.addr
}

// Run starts everything and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.shutdown()

	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	if err := m.bg.Install(ctx); err != nil {
		m.logger.Error("monitor: install", "error", err)
	}
	m.bg.Startup()

	sched, err := m.startMaintenance(ctx)
	if err != nil {
		close(m.ready)
		return err
	}
	defer func() { <-sched.Stop().Done() }()

	if m.mgr != nil {
		if err := m.mgr.Start(ctx); err != nil {
			close(m.ready)
			return fmt.Errorf("monitor: start browser: %w", err)
		}
	}
	for _, p := range m.cfg.Pages {
		if err := m.openPage(ctx, p); err != nil {
			m.logger.Error("monitor: failed to watch page", "url", p.URL, "error", err)
		}
	}

	srv, errc, err := m.serve()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("monitor: reporter: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		m.logger.Warn("monitor: reporter shutdown", "error", err)
	}
	return nil
}

func (m *Monitor) serve() (*http.Server, <-chan error, error) {
	var mcpSrv *mcp.Server
	if !m.cfg.Reporter.DisableMCP {
		mcpSrv = mcp.NewServer(&mcp.Implementation{Name: "pollwatch", Version: Version}, nil)
		m.rep.RegisterMCP(mcpSrv)
	}

	ln, err := net.Listen("tcp", m.cfg.Reporter.Addr)
	if err != nil {
		close(m.ready)
		return nil, nil, fmt.Errorf("monitor: listen %s: %w", m.cfg.Reporter.Addr, err)
	}
	m.addr = ln.Addr()
	close(m.ready)

	srv := &http.Server{
		Handler:           m.rep.Handler(mcpSrv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		m.logger.Info("monitor: reporter listening", "addr", m.addr.String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	return srv, errc, nil
}

func (m *Monitor) startMaintenance(ctx context.Context) (*cron.Cron, error) {
	cl := cron.PrintfLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(m.cfg.Maintenance.Schedule, func() {
		if _, err := m.bg.Cleanup(ctx); err != nil {
			m.logger.Error("monitor: cleanup", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("monitor: schedule maintenance: %w", err)
	}
	c.Start()
	m.logger.Info("monitor: maintenance scheduled", "schedule", m.cfg.Maintenance.Schedule)
	return c, nil
}

// openPage starts watching one configured page.
func (m *Monitor) openPage(ctx context.Context, p config.PageConfig) error {
	level, err := browser.ParseLevel(p.Stealth)
	if err != nil {
		return err
	}
	if level == browser.LevelHTTP {
		m.attach(browser.NewHTTPPage(p.ID, p.URL, browser.WithHTTPLogger(m.logger)))
		return nil
	}
	if m.mgr == nil {
		return fmt.Errorf("monitor: no browser for %s", p.URL)
	}
	_, err = m.mgr.OpenTab(ctx, p.URL, level)
	return err
}

// attach registers the page service and starts a poller for page.
func (m *Monitor) attach(page poller.Page) {
	id := page.TabID()

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	p := poller.New(page, m.ext, m.rt, m.disp, m.state,
		poller.WithLogger(m.logger),
		poller.WithTimings(m.cfg.Poller),
		poller.OnStop(func() { m.detach(id) }),
	)

	m.mu.Lock()
	m.pages[id] = &watched{page: page, poller: p}
	if m.active == "" {
		m.active = id
	}
	m.mu.Unlock()
	m.rt.RegisterLocal(messaging.PageService(id), p.Handler())

	go func() {
		err := p.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("monitor: poller ended", "tab", id, "error", err)
		}
		p.Stop()
	}()
	m.logger.Info("monitor: watching page", "tab", id)
}

// detach forgets a page whose poller stopped.
func (m *Monitor) detach(id string) {
	m.rt.Unregister(messaging.PageService(id))
	m.mu.Lock()
	w := m.pages[id]
	delete(m.pages, id)
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()
	if w == nil {
		return
	}
	m.logger.Info("monitor: page detached", "tab", id, "stats", w.poller.Stats())
	if _, ok := w.page.(*browser.Tab); ok && m.mgr != nil {
		if err := m.mgr.CloseTab(id); err != nil {
			m.logger.Debug("monitor: close tab", "tab", id, "error", err)
		}
	}
}

// reopenBrowserPages runs after Chrome was recycled: pollers of the dead
// tabs stop and every configured browser page is opened again.
func (m *Monitor) reopenBrowserPages(ctx context.Context) {
	var stale []*poller.Poller
	m.mu.Lock()
	for _, w := range m.pages {
		if _, ok := w.page.(*browser.Tab); ok {
			stale = append(stale, w.poller)
		}
	}
	m.mu.Unlock()
	for _, p := range stale {
		p.Stop()
	}

	for _, p := range m.cfg.Pages {
		if lvl, _ := browser.ParseLevel(p.Stealth); lvl == browser.LevelHTTP {
			continue
		}
		if err := m.openPage(ctx, p); err != nil {
			m.logger.Error("monitor: reopen page", "url", p.URL, "error", err)
		}
	}
}

// Pollers returns the counters of every live poller, keyed by tab id.
func (m *Monitor) Pollers() map[string]poller.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]poller.Stats, len(m.pages))
	for id, w := range m.pages {
		out[id] = w.poller.Stats()
	}
	return out
}

// ActiveTab returns the page most recently brought to the front.
func (m *Monitor) ActiveTab(ctx context.Context) (messaging.Tab, bool) {
	m.mu.Lock()
	w, ok := m.pages[m.active]
	id := m.active
	m.mu.Unlock()
	if !ok {
		return messaging.Tab{}, false
	}
	url, err := w.page.URL(ctx)
	if err != nil {
		m.logger.Debug("monitor: active tab url", "tab", id, "error", err)
	}
	return messaging.Tab{ID: id, URL: url}, true
}

// Activate brings a watched page to the front and clears its badge.
func (m *Monitor) Activate(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.pages[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("monitor: no tab %s", id)
	}
	if _, isTab := w.page.(*browser.Tab); isTab && m.mgr != nil {
		if err := m.mgr.Activate(ctx, id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.active = id
	m.mu.Unlock()
	m.bg.TabActivated(id)
	return nil
}

// Open starts watching url in a new page and makes it active.
func (m *Monitor) Open(ctx context.Context, url string) (string, error) {
	var id string
	if m.mgr != nil {
		var err error
		if id, err = m.mgr.Open(ctx, url); err != nil {
			return "", err
		}
	} else {
		m.mu.Lock()
		m.httpSeq++
		id = fmt.Sprintf("opened-%d", m.httpSeq)
		m.mu.Unlock()
		m.attach(browser.NewHTTPPage(id, url, browser.WithHTTPLogger(m.logger)))
	}
	m.mu.Lock()
	m.active = id
	m.mu.Unlock()
	return id, nil
}

// TabIDs lists the watched pages.
func (m *Monitor) TabIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pages))
	for id := range m.pages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) shutdown() {
	m.mu.Lock()
	var ps []*poller.Poller
	for _, w := range m.pages {
		ps = append(ps, w.poller)
	}
	m.mu.Unlock()
	for _, p := range ps {
		p.Stop()
	}

	m.rt.Close()
	if m.mgr != nil {
		if err := m.mgr.Close(); err != nil {
			m.logger.Warn("monitor: close browser", "error", err)
		}
	}
	if err := m.sinks.Close(); err != nil {
		m.logger.Warn("monitor: close sinks", "error", err)
	}
	m.closeStore()
	m.logger.Info("monitor: stopped")
}

func (m *Monitor) closeStore() {
	if m.ownsStore {
		m.store.Close()
	}
}
