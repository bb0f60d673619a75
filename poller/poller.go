// Package poller is the change detector: it runs the extractor against a
// page, diffs the result against the session's known questions, rate-limits
// and reports new questions to the background service.
//
// At most one check runs at a time. A trigger that arrives while a check is
// running is dropped, never queued.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pollwatch/messaging"
	"github.com/hazyhaar/pollwatch/question"
	"github.com/hazyhaar/pollwatch/state"
)

var (
	// ErrBusy is returned by Check when another check is running.
	ErrBusy = errors.New("poller: check already in progress")
	// ErrStopped is returned once monitoring has stopped for good.
	ErrStopped = errors.New("poller: monitoring stopped")
)

// Result summarises one check.
type Result struct {
	Found    int `json:"found"`
	New      int `json:"new"`
	Notified int `json:"notified"`
	Absorbed int `json:"absorbed"`
	Failed   int `json:"failed"`
}

// Stats are cumulative counters.
type Stats struct {
	Checks   int64  `json:"checks"`
	Dropped  int64  `json:"dropped"`
	Notified int64  `json:"notified"`
	Absorbed int64  `json:"absorbed"`
	Errors   int64  `json:"errors"`
	Status   string `json:"status"`
	Known    int    `json:"known"`
}

// Poller monitors one page.
type Poller struct {
	page    Page
	ext     Extractor
	rt      Runtime
	perm    Permission
	state   *state.State
	session *Session
	timings Timings
	logger  *slog.Logger
	now     func() time.Time

	checking atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	onStop   []func()

	checks, dropped, notified, absorbed, errs atomic.Int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithTimings replaces the default timings. Zero fields keep their default.
func WithTimings(t Timings) Option {
	return func(p *Poller) { p.timings = t.WithDefaults() }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// OnStop registers fn to run once when monitoring stops.
func OnStop(fn func()) Option {
	return func(p *Poller) { p.onStop = append(p.onStop, fn) }
}

// New creates a Poller with a fresh session.
func New(page Page, ext Extractor, rt Runtime, perm Permission, st *state.State, opts ...Option) *Poller {
	p := &Poller{
		page:    page,
		ext:     ext,
		rt:      rt,
		perm:    perm,
		state:   st,
		session: NewSession(),
		timings: DefaultTimings(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("tab", page.TabID())
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Session returns the poller's session.
func (p *Poller) Session() *Session { return p.session }

// Status returns the session state.
func (p *Poller) Status() Status { return p.session.Status() }

// Done is closed when monitoring has stopped.
func (p *Poller) Done() <-chan struct{} { return p.ctx.Done() }

// Stats returns the cumulative counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Checks:   p.checks.Load(),
		Dropped:  p.dropped.Load(),
		Notified: p.notified.Load(),
		Absorbed: p.absorbed.Load(),
		Errors:   p.errs.Load(),
		Status:   p.Status().String(),
		Known:    p.session.Len(),
	}
}

// Stop ends monitoring for good. Pending and future triggers no-op.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.session.stop()
		p.cancel()
		p.logger.Info("poller: monitoring stopped")
		for _, fn := range p.onStop {
			fn()
		}
	})
}

func (p *Poller) stopped() bool {
	return p.session.Status() == StatusStopped
}

// Trigger starts a check in the background unless one is running or
// monitoring has stopped. It reports whether a check was started.
func (p *Poller) Trigger(reason string) bool {
	if p.stopped() {
		return false
	}
	if !p.checking.CompareAndSwap(false, true) {
		p.dropped.Add(1)
		p.logger.Debug("poller: check already in progress, trigger dropped", "reason", reason)
		return false
	}
	go func() {
		defer p.checking.Store(false)
		if _, err := p.check(p.ctx); err != nil && !errors.Is(err, ErrStopped) {
			p.logger.Warn("poller: check failed", "reason", reason, "error", err)
		}
	}()
	return true
}

// Check runs one check synchronously.
func (p *Poller) Check(ctx context.Context) (Result, error) {
	if p.stopped() {
		return Result{}, ErrStopped
	}
	if !p.checking.CompareAndSwap(false, true) {
		p.dropped.Add(1)
		return Result{}, ErrBusy
	}
	defer p.checking.Store(false)
	return p.check(ctx)
}

// invalidated stops monitoring if err means the runtime is gone.
func (p *Poller) invalidated(err error) bool {
	if !messaging.IsContextInvalidated(err) {
		return false
	}
	p.logger.Info("poller: extension context invalidated", "error", err)
	p.Stop()
	return true
}

func (p *Poller) check(ctx context.Context) (Result, error) {
	var res Result
	if p.stopped() {
		return res, ErrStopped
	}
	if !p.rt.Valid() {
		p.logger.Info("poller: runtime invalid, stopping")
		p.Stop()
		return res, ErrStopped
	}
	p.checks.Add(1)
	now := p.now()

	html, pageURL, err := p.page.Snapshot(ctx)
	if err != nil {
		if p.invalidated(err) {
			return res, ErrStopped
		}
		p.errs.Add(1)
		return res, fmt.Errorf("poller: snapshot: %w", err)
	}
	current, err := p.ext.ExtractBytes(html, pageURL, now)
	if err != nil {
		p.errs.Add(1)
		return res, fmt.Errorf("poller: extract: %w", err)
	}
	res.Found = len(current)

	if p.session.Status() == StatusUninitialized {
		loaded, skipped, err := p.state.KnownQuestions(ctx)
		if err != nil {
			if p.invalidated(err) {
				return res, ErrStopped
			}
			p.logger.Warn("poller: could not load known questions, starting fresh", "error", err)
			loaded = nil
		}
		if p.session.Seed(loaded) {
			p.logger.Info("poller: loaded known questions", "count", len(loaded), "skipped", skipped)
		}
	}

	fresh := p.session.Unknown(current)
	res.New = len(fresh)
	if len(fresh) == 0 {
		p.questionsUpdate(ctx, len(current))
		return res, nil
	}
	p.logger.Info("poller: new questions detected", "count", len(fresh))

	switch {
	case p.session.SinceLastNotification(now) < p.timings.Cooldown:
		p.logger.Info("poller: rate limited, absorbing",
			"wait_ms", (p.timings.Cooldown - p.session.SinceLastNotification(now)).Milliseconds())
		res.Absorbed = p.absorb(fresh)
	case !p.perm.NotificationsPermitted(ctx):
		p.logger.Info("poller: notifications disabled, absorbing")
		res.Absorbed = p.absorb(fresh)
	default:
		for _, q := range fresh {
			err := p.deliver(ctx, q)
			if err == nil {
				p.session.Notified(q, now)
				p.notified.Add(1)
				res.Notified++
				continue
			}
			if p.invalidated(err) {
				return res, ErrStopped
			}
			p.errs.Add(1)
			res.Failed++
			p.logger.Error("poller: delivery failed", "question", q.ID, "error", err)
		}
	}

	if err := p.state.SaveCheck(ctx, p.session.Materialize(current, now), now); err != nil {
		if p.invalidated(err) {
			return res, ErrStopped
		}
		p.errs.Add(1)
		p.logger.Warn("poller: could not update storage", "error", err)
	}
	return res, nil
}

func (p *Poller) absorb(qs []question.Question) int {
	for _, q := range qs {
		p.session.Add(q)
	}
	p.absorbed.Add(int64(len(qs)))
	return len(qs)
}

func (p *Poller) sender(ctx context.Context) *messaging.Tab {
	url, _ := p.page.URL(ctx)
	return &messaging.Tab{ID: p.page.TabID(), URL: url}
}

func (p *Poller) deliver(ctx context.Context, q question.Question) error {
	if !p.rt.Valid() {
		return messaging.ErrContextInvalidated
	}
	msg, err := messaging.NewMessage(messaging.TypeNewQuestion, q, p.sender(ctx))
	if err != nil {
		return err
	}
	var ack messaging.Ack
	if err := p.rt.Send(ctx, messaging.ServiceBackground, msg, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("poller: background rejected %s: %s", q.ID, ack.Error)
	}
	return nil
}

// questionsUpdate stamps lastCheck through the background.
func (p *Poller) questionsUpdate(ctx context.Context, found int) {
	msg, err := messaging.NewMessage(messaging.TypeQuestionsUpdate, map[string]int{"found": found}, p.sender(ctx))
	if err != nil {
		return
	}
	if err := p.rt.Send(ctx, messaging.ServiceBackground, msg, nil); err != nil {
		if p.invalidated(err) {
			return
		}
		p.logger.Warn("poller: questions update failed", "error", err)
	}
}

// Handler answers the page-side messages: PING and FORCE_CHECK.
func (p *Poller) Handler() messaging.Handler {
	mux := messaging.NewMux()
	mux.Handle(messaging.TypePing, func(ctx context.Context, _ messaging.Message) (any, error) {
		url, err := p.page.URL(ctx)
		if err != nil {
			return nil, err
		}
		return messaging.PingReply{Status: "active", URL: url}, nil
	})
	mux.Handle(messaging.TypeForceCheck, func(ctx context.Context, _ messaging.Message) (any, error) {
		p.logger.Info("poller: force check requested")
		p.Trigger("force")
		return messaging.Ack{Success: true}, nil
	})
	return mux.Handler()
}
