// Package reporter is the read-mostly view over the persisted state: status,
// recent questions, and the commands a user can issue (ping, force check,
// clear, test notification). It serves an HTML popup, a JSON API with a
// server-sent status stream, and MCP tools.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/pollwatch/messaging"
	"github.com/hazyhaar/pollwatch/notify"
	"github.com/hazyhaar/pollwatch/question"
	"github.com/hazyhaar/pollwatch/state"
)

// Monitoring states shown by the popup.
const (
	MonitoringActive   = "active"
	MonitoringWarning  = "warning"
	MonitoringInactive = "inactive"
)

// Status texts.
const (
	TextActive   = "✓ Monitoring Active"
	TextRefresh  = "⚠ Refresh page to activate monitoring"
	TextInactive = "⚠ Not on Poll Everywhere page"
)

const (
	historySize  = 5
	historyLimit = 80
)

var (
	// ErrNotConfirmed is returned by Clear without confirmation.
	ErrNotConfirmed = errors.New("reporter: clear requires confirmation")
	// ErrNotOnHost is returned when the active tab is not a watched page.
	ErrNotOnHost = errors.New("reporter: navigate to a Poll Everywhere page first")
	// ErrRefreshNeeded is returned when the active page has no live poller.
	ErrRefreshNeeded = errors.New("reporter: refresh the Poll Everywhere page")
)

// Tabs exposes the active tab and lets the reporter bring one to front.
type Tabs interface {
	ActiveTab(ctx context.Context) (messaging.Tab, bool)
	Activate(ctx context.Context, id string) error
}

// Config tunes a Reporter.
type Config struct {
	// Host is the substring that marks a watched page URL. Default: "pollev.com".
	Host string
	// Refresh is the popup and stream refresh period. Default: 10s.
	Refresh time.Duration
	// WatchInterval is how often the stream polls the store revision.
	// Default: 500ms.
	WatchInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "pollev.com"
	}
	if c.Refresh <= 0 {
		c.Refresh = 10 * time.Second
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Reporter answers status queries and relays user commands.
type Reporter struct {
	state *state.State
	bg    *notify.Background
	rt    *messaging.Router
	tabs  Tabs
	cfg   Config
}

// New creates a Reporter.
func New(st *state.State, bg *notify.Background, rt *messaging.Router, tabs Tabs, cfg Config) *Reporter {
	cfg.defaults()
	return &Reporter{state: st, bg: bg, rt: rt, tabs: tabs, cfg: cfg}
}

// Status is the popup header.
type Status struct {
	QuestionCount     int        `json:"questionCount"`
	NotificationCount int        `json:"notificationCount"`
	LastCheck         *time.Time `json:"lastCheck"`
	LastCheckLabel    string     `json:"lastCheckLabel"`
	Monitoring        string     `json:"monitoring"`
	StatusText        string     `json:"statusText"`
	TabID             string     `json:"tabId,omitempty"`
	TabURL            string     `json:"tabUrl,omitempty"`
	Badge             string     `json:"badge,omitempty"`
}

// HistoryItem is one row of the recent-questions list.
type HistoryItem struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Time      string    `json:"time"`
}

// LastCheckLabel renders the age of the last check.
func LastCheckLabel(last *time.Time, now time.Time) string {
	if last == nil {
		return "Never"
	}
	mins := int(now.Sub(*last) / time.Minute)
	switch {
	case mins < 1:
		return "Just now"
	case mins < 60:
		return fmt.Sprintf("%dm ago", mins)
	default:
		return fmt.Sprintf("%dh ago", mins/60)
	}
}

// Status reads the counters and probes the active page.
func (r *Reporter) Status(ctx context.Context) (Status, error) {
	snap, err := r.state.Snapshot(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reporter: status: %w", err)
	}
	st := Status{
		QuestionCount:     len(snap.KnownQuestions),
		NotificationCount: snap.NotificationCount,
		LastCheck:         snap.LastCheck,
		LastCheckLabel:    LastCheckLabel(snap.LastCheck, r.cfg.Now()),
		Monitoring:        MonitoringInactive,
		StatusText:        TextInactive,
	}

	tab, ok := r.watchedTab(ctx)
	if !ok {
		return st, nil
	}
	st.TabID, st.TabURL = tab.ID, tab.URL
	st.Badge = r.bg.Badges().Text(tab.ID)
	st.Monitoring, st.StatusText = MonitoringActive, TextActive

	if _, err := r.ping(ctx, tab); err != nil {
		if errors.Is(err, ErrRefreshNeeded) {
			st.Monitoring, st.StatusText = MonitoringWarning, TextRefresh
		} else {
			r.cfg.Logger.Warn("reporter: ping failed", "tab", tab.ID, "error", err)
		}
	}
	return st, nil
}

// History returns the newest questions, text shortened for display.
func (r *Reporter) History(ctx context.Context) ([]HistoryItem, error) {
	qs, _, err := r.state.KnownQuestions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reporter: history: %w", err)
	}
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Timestamp.After(qs[j].Timestamp) })
	if len(qs) > historySize {
		qs = qs[:historySize]
	}
	out := make([]HistoryItem, 0, len(qs))
	for _, q := range qs {
		out = append(out, HistoryItem{
			ID:        q.ID,
			Text:      question.Truncate(q.Text, historyLimit),
			Timestamp: q.Timestamp,
			Time:      q.Timestamp.Local().Format("15:04:05"),
		})
	}
	return out, nil
}

// Ping asks the active page's poller whether it is alive.
func (r *Reporter) Ping(ctx context.Context) (messaging.PingReply, error) {
	tab, ok := r.watchedTab(ctx)
	if !ok {
		return messaging.PingReply{}, ErrNotOnHost
	}
	return r.ping(ctx, tab)
}

// ForceCheck asks the active page's poller to run a check now.
func (r *Reporter) ForceCheck(ctx context.Context) (messaging.Ack, error) {
	var ack messaging.Ack
	tab, ok := r.watchedTab(ctx)
	if !ok {
		return ack, ErrNotOnHost
	}
	msg, err := messaging.NewMessage(messaging.TypeForceCheck, nil, nil)
	if err != nil {
		return ack, err
	}
	if err := r.rt.Send(ctx, messaging.PageService(tab.ID), msg, &ack); err != nil {
		return ack, pageError(err)
	}
	r.cfg.Logger.Info("reporter: force check sent", "tab", tab.ID)
	return ack, nil
}

// Clear resets the tracked questions and counters. It refuses to run
// unless confirm is set.
func (r *Reporter) Clear(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrNotConfirmed
	}
	return r.bg.ClearAll(ctx)
}

// TestNotification sends the sample notification and returns its id.
func (r *Reporter) TestNotification(ctx context.Context) (string, error) {
	return r.bg.TestNotification(ctx)
}

// NotificationClicked routes a body click.
func (r *Reporter) NotificationClicked(ctx context.Context, id string) error {
	return r.bg.Dispatcher().HandleClick(ctx, id)
}

// NotificationButton routes an action button click.
func (r *Reporter) NotificationButton(ctx context.Context, id string, index int) error {
	return r.bg.Dispatcher().HandleButton(ctx, id, index)
}

// ActivateTab brings a tab to front and clears its badge.
func (r *Reporter) ActivateTab(ctx context.Context, id string) error {
	if err := r.tabs.Activate(ctx, id); err != nil {
		return err
	}
	r.bg.TabActivated(id)
	return nil
}

func (r *Reporter) watchedTab(ctx context.Context) (messaging.Tab, bool) {
	if r.tabs == nil {
		return messaging.Tab{}, false
	}
	tab, ok := r.tabs.ActiveTab(ctx)
	if !ok || !strings.Contains(tab.URL, r.cfg.Host) {
		return messaging.Tab{}, false
	}
	return tab, true
}

func (r *Reporter) ping(ctx context.Context, tab messaging.Tab) (messaging.PingReply, error) {
	var reply messaging.PingReply
	msg, err := messaging.NewMessage(messaging.TypePing, nil, nil)
	if err != nil {
		return reply, err
	}
	if err := r.rt.Send(ctx, messaging.PageService(tab.ID), msg, &reply); err != nil {
		return reply, pageError(err)
	}
	return reply, nil
}

// pageError maps "no receiving end" and invalidation onto ErrRefreshNeeded.
func pageError(err error) error {
	var nf *messaging.ErrServiceNotFound
	if errors.As(err, &nf) || messaging.IsContextInvalidated(err) {
		return fmt.Errorf("%w: %v", ErrRefreshNeeded, err)
	}
	return err
}
