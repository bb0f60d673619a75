package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pollwatch/idgen"
	"github.com/hazyhaar/pollwatch/messaging"
	"github.com/hazyhaar/pollwatch/question"
	"github.com/hazyhaar/pollwatch/state"
)

// Permission levels reported by Dispatcher.Permission.
const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

// Dispatcher creates notifications for questions and handles the user's
// response to them.
type Dispatcher struct {
	state   *state.State
	sink    Sink
	tabs    Tabs
	ids     idgen.Generator
	enabled atomic.Bool
	logger  *slog.Logger
	now     func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithIDGenerator replaces the notification id generator. Default: NewID.
func WithIDGenerator(g idgen.Generator) DispatcherOption {
	return func(d *Dispatcher) { d.ids = g }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates an enabled Dispatcher. tabs may be nil when there
// is nothing to focus.
func NewDispatcher(st *state.State, sink Sink, tabs Tabs, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		state:  st,
		sink:   sink,
		tabs:   tabs,
		ids:    NewID,
		logger: slog.Default(),
		now:    time.Now,
	}
	d.enabled.Store(true)
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetEnabled grants or revokes notification permission.
func (d *Dispatcher) SetEnabled(on bool) { d.enabled.Store(on) }

// Permission reports the current permission level.
func (d *Dispatcher) Permission(context.Context) string {
	if d.enabled.Load() {
		return PermissionGranted
	}
	return PermissionDenied
}

// NotificationsPermitted reports whether user-visible notifications may be
// shown.
func (d *Dispatcher) NotificationsPermitted(ctx context.Context) bool {
	return d.Permission(ctx) == PermissionGranted
}

// Dispatch shows q and records the routing entry for it. Failures are
// logged and reported as false.
func (d *Dispatcher) Dispatch(ctx context.Context, q question.Question, tab *messaging.Tab) bool {
	n := Notification{
		ID:                 d.ids(),
		Title:              QuestionTitle,
		Body:               question.Truncate(q.Text, BodyLimit),
		Priority:           2,
		RequireInteraction: true,
		Actions:            QuestionActions,
		CreatedAt:          d.now().UTC(),
	}
	rec := state.NotificationRecord{QuestionData: q}
	if tab != nil {
		n.TabID, n.URL = tab.ID, tab.URL
		rec.TabID, rec.TabURL = tab.ID, tab.URL
	}

	if err := d.sink.Create(ctx, n); err != nil {
		d.logger.Error("notify: create notification", "question", q.ID, "error", err)
		return false
	}
	if err := d.state.PutNotification(ctx, n.ID, rec); err != nil {
		d.logger.Warn("notify: store routing record", "id", n.ID, "error", err)
	}
	d.logger.Info("notify: notification shown", "id", n.ID, "question", q.ID, "tab", n.TabID)
	return true
}

// Notify shows a plain notification with no routing record.
func (d *Dispatcher) Notify(ctx context.Context, title, body string, priority int, requireInteraction bool) (string, error) {
	n := Notification{
		ID:                 d.ids(),
		Title:              title,
		Body:               body,
		Priority:           priority,
		RequireInteraction: requireInteraction,
		CreatedAt:          d.now().UTC(),
	}
	if err := d.sink.Create(ctx, n); err != nil {
		return "", fmt.Errorf("notify: %s: %w", title, err)
	}
	return n.ID, nil
}

// HandleClick handles a click on the notification body.
func (d *Dispatcher) HandleClick(ctx context.Context, id string) error {
	return d.handle(ctx, id, true)
}

// HandleButton handles a click on action index. Index 0 opens the page;
// any other index only dismisses.
func (d *Dispatcher) HandleButton(ctx context.Context, id string, index int) error {
	return d.handle(ctx, id, index == 0)
}

func (d *Dispatcher) handle(ctx context.Context, id string, open bool) error {
	var focusErr error
	rec, found, err := d.state.Notification(ctx, id)
	if err != nil {
		d.logger.Warn("notify: load routing record", "id", id, "error", err)
	}
	if found {
		if open {
			focusErr = d.focus(ctx, rec)
		}
		if err := d.state.RemoveNotification(ctx, id); err != nil {
			d.logger.Warn("notify: remove routing record", "id", id, "error", err)
		}
	}
	if err := d.sink.Clear(ctx, id); err != nil {
		d.logger.Warn("notify: clear notification", "id", id, "error", err)
	}
	return focusErr
}

func (d *Dispatcher) focus(ctx context.Context, rec state.NotificationRecord) error {
	if d.tabs == nil {
		return nil
	}
	switch {
	case rec.TabID != "":
		if err := d.tabs.Activate(ctx, rec.TabID); err != nil {
			return fmt.Errorf("notify: activate tab %s: %w", rec.TabID, err)
		}
	case rec.TabURL != "":
		if _, err := d.tabs.Open(ctx, rec.TabURL); err != nil {
			return fmt.Errorf("notify: open %s: %w", rec.TabURL, err)
		}
	}
	return nil
}
