package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pollwatch/messaging"
	"github.com/hazyhaar/pollwatch/question"
	"github.com/hazyhaar/pollwatch/state"
)

// DefaultRetention is how long persisted questions survive Cleanup.
const DefaultRetention = 24 * time.Hour

// Background is the service pages report to. It owns the persisted
// counters and the badges; NEW_QUESTION_DETECTED handling is serialised.
type Background struct {
	state     *state.State
	disp      *Dispatcher
	badges    *Badges
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// BackgroundOption configures a Background.
type BackgroundOption func(*Background)

// WithBackgroundLogger sets the logger.
func WithBackgroundLogger(l *slog.Logger) BackgroundOption {
	return func(b *Background) { b.logger = l }
}

// WithRetention sets how old a question must be for Cleanup to drop it.
func WithRetention(d time.Duration) BackgroundOption {
	return func(b *Background) { b.retention = d }
}

// WithBackgroundClock replaces time.Now.
func WithBackgroundClock(now func() time.Time) BackgroundOption {
	return func(b *Background) { b.now = now }
}

// NewBackground wires the background service.
func NewBackground(st *state.State, disp *Dispatcher, badges *Badges, opts ...BackgroundOption) *Background {
	b := &Background{
		state:     st,
		disp:      disp,
		badges:    badges,
		retention: DefaultRetention,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Badges returns the badge set.
func (b *Background) Badges() *Badges { return b.badges }

// Dispatcher returns the notification dispatcher.
func (b *Background) Dispatcher() *Dispatcher { return b.disp }

// Register installs the background service on rt.
func (b *Background) Register(rt *messaging.Router) {
	rt.RegisterLocal(messaging.ServiceBackground, b.Handler())
}

// Handler returns the message handler for the background service.
func (b *Background) Handler() messaging.Handler {
	mux := messaging.NewMux()
	mux.Handle(messaging.TypeNewQuestion, b.onNewQuestion)
	mux.Handle(messaging.TypeQuestionsUpdate, b.onQuestionsUpdate)
	return mux.Handler()
}

func (b *Background) onNewQuestion(ctx context.Context, msg messaging.Message) (any, error) {
	var q question.Question
	if err := msg.Decode(&q); err != nil {
		return messaging.Ack{Success: false, Error: err.Error()}, nil
	}
	if _, err := b.HandleNewQuestion(ctx, q, msg.Sender); err != nil {
		b.logger.Error("notify: handle new question", "question", q.ID, "error", err)
	}
	return messaging.Ack{Success: true}, nil
}

func (b *Background) onQuestionsUpdate(ctx context.Context, _ messaging.Message) (any, error) {
	if err := b.state.SetLastCheck(ctx, b.now()); err != nil {
		b.logger.Error("notify: questions update", "error", err)
	}
	return messaging.Ack{Success: true}, nil
}

// HandleNewQuestion records q and notifies, unless the persisted list
// already holds its id. It reports whether a notification was shown.
func (b *Background) HandleNewQuestion(ctx context.Context, q question.Question, tab *messaging.Tab) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	known, _, err := b.state.KnownQuestions(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range known {
		if k.ID == q.ID {
			b.logger.Debug("notify: question already known", "question", q.ID)
			return false, nil
		}
	}

	rec := q
	if tab != nil {
		rec.TabID, rec.TabURL = tab.ID, tab.URL
	}
	if err := b.state.RecordDelivery(ctx, rec, b.now()); err != nil {
		return false, err
	}

	shown := b.disp.Dispatch(ctx, q, tab)
	if shown && tab != nil && tab.ID != "" {
		b.badges.Increment(tab.ID)
	}
	return shown, nil
}

// Install bootstraps the store on first run and shows the welcome
// notification. On later runs it does nothing.
func (b *Background) Install(ctx context.Context) error {
	fresh, err := b.state.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	b.logger.Info("notify: store initialised")
	if _, err := b.disp.Notify(ctx, WelcomeTitle, WelcomeBody, 1, false); err != nil {
		b.logger.Warn("notify: welcome notification", "error", err)
	}
	return nil
}

// Startup clears every badge.
func (b *Background) Startup() {
	b.badges.ClearAll()
}

// TabActivated clears the badge of a tab that came to the front.
func (b *Background) TabActivated(tabID string) {
	b.badges.Clear(tabID)
}

// CleanupResult summarises one Cleanup run.
type CleanupResult struct {
	Kept                 int `json:"kept"`
	Dropped              int `json:"dropped"`
	NotificationsRemoved int `json:"notificationsRemoved"`
}

// Cleanup drops persisted questions older than the retention window,
// including entries whose timestamp cannot be read, and removes every
// notification routing record.
func (b *Background) Cleanup(ctx context.Context) (CleanupResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res CleanupResult
	qs, skipped, err := b.state.KnownQuestions(ctx)
	if err != nil {
		return res, fmt.Errorf("notify: cleanup: %w", err)
	}
	cutoff := b.now().Add(-b.retention)
	recent := make([]question.Question, 0, len(qs))
	for _, q := range qs {
		if q.Timestamp.After(cutoff) {
			recent = append(recent, q)
		}
	}
	res.Kept = len(recent)
	res.Dropped = len(qs) - len(recent) + skipped

	if err := b.state.SetKnownQuestions(ctx, recent); err != nil {
		return res, fmt.Errorf("notify: cleanup: %w", err)
	}
	if res.NotificationsRemoved, err = b.state.RemoveAllNotifications(ctx); err != nil {
		return res, fmt.Errorf("notify: cleanup: %w", err)
	}
	b.logger.Info("notify: cleanup complete",
		"kept", res.Kept, "dropped", res.Dropped, "notifications_removed", res.NotificationsRemoved)
	return res, nil
}

// ClearAll resets the persisted question list and counters and clears
// every badge.
func (b *Background) ClearAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.state.Reset(ctx); err != nil {
		return err
	}
	b.badges.ClearAll()
	b.logger.Info("notify: all tracked questions cleared")
	return nil
}

// TestNotification shows the sample notification. It does not touch the
// detection pipeline.
func (b *Background) TestNotification(ctx context.Context) (string, error) {
	return b.disp.Notify(ctx, TestTitle, TestBody, 2, true)
}
