package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pollwatch/kvstore"
	"github.com/hazyhaar/pollwatch/messaging"
	"github.com/hazyhaar/pollwatch/notify"
	"github.com/hazyhaar/pollwatch/question"
	"github.com/hazyhaar/pollwatch/state"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testURL = "https://pollev.com/demo"

type fakePage struct {
	mu      sync.Mutex
	url     string
	err     error
	entered chan struct{}
	block   chan struct{}
}

func (p *fakePage) TabID() string { return "tab-1" }

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) setURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

func (p *fakePage) Snapshot(ctx context.Context) ([]byte, string, error) {
	if p.block != nil {
		p.entered <- struct{}{}
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return []byte("<html></html>"), p.url, p.err
}

type fakeExtractor struct {
	mu  sync.Mutex
	qs  []question.Question
	err error
}

func (e *fakeExtractor) set(qs ...question.Question) {
	e.mu.Lock()
	e.qs = qs
	e.mu.Unlock()
}

func (e *fakeExtractor) ExtractBytes(_ []byte, _ string, now time.Time) ([]question.Question, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]question.Question, len(e.qs))
	for i, q := range e.qs {
		q.Timestamp = now
		out[i] = q
	}
	return out, e.err
}

type countingSink struct {
	mu      sync.Mutex
	created []notify.Notification
}

func (s *countingSink) Create(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, n)
	return nil
}

func (s *countingSink) Clear(context.Context, string) error { return nil }
func (s *countingSink) Close() error                        { return nil }

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	page  *fakePage
	ext   *fakeExtractor
	rt    *messaging.Router
	st    *state.State
	sink  *countingSink
	disp  *notify.Dispatcher
	bg    *notify.Background
	clock *clock
	p     *Poller
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		page:  &fakePage{url: testURL},
		ext:   &fakeExtractor{},
		rt:    messaging.New(messaging.WithLogger(quietLogger())),
		st:    state.New(kvstore.OpenMemory(t)),
		sink:  &countingSink{},
		clock: &clock{t: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.disp = notify.NewDispatcher(h.st, h.sink, nil, notify.WithDispatcherLogger(quietLogger()))
	h.bg = notify.NewBackground(h.st, h.disp, notify.NewBadges(), notify.WithBackgroundLogger(quietLogger()))
	h.bg.Register(h.rt)

	opts = append([]Option{WithLogger(quietLogger()), WithClock(h.clock.now)}, opts...)
	h.p = New(h.page, h.ext, h.rt, h.disp, h.st, opts...)
	return h
}

func (h *harness) check(t *testing.T) Result {
	t.Helper()
	res, err := h.p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	return res
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.st.NotificationCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

var (
	qABC = question.Question{ID: "pe_abc", Text: "Which continent is largest?", URL: testURL}
	qDEF = question.Question{ID: "pe_def", Text: "What is the capital of Peru?", URL: testURL}
)

func TestCheck_FirstQuestionNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.ext.set(qABC)

	res := h.check(t)
	if res.Notified != 1 || res.New != 1 {
		t.Fatalf("result = %+v", res)
	}
	if h.sink.count() != 1 {
		t.Fatalf("dispatch calls = %d, want 1", h.sink.count())
	}
	if !h.p.Session().Known("pe_abc") {
		t.Fatal("pe_abc not in known set")
	}
	if h.count(t) != 1 {
		t.Fatalf("notificationCount = %d, want 1", h.count(t))
	}
	if h.p.Status() != StatusReady {
		t.Fatalf("status = %v", h.p.Status())
	}

	// Same extraction, no DOM change.
	h.clock.advance(time.Second)
	res = h.check(t)
	if res.New != 0 || h.sink.count() != 1 || h.count(t) != 1 {
		t.Fatalf("second check: result=%+v dispatches=%d count=%d", res, h.sink.count(), h.count(t))
	}
}

func TestCheck_NeverRenotifiesKnownID(t *testing.T) {
	h := newHarness(t)
	h.ext.set(qABC)
	h.check(t)

	for i := 0; i < 5; i++ {
		h.clock.advance(time.Minute)
		h.ext.set(qDEF, qABC)
		h.check(t)
	}
	if h.sink.count() != 2 {
		t.Fatalf("dispatch calls = %d, want 2 (one per id)", h.sink.count())
	}
}

func TestCheck_RateLimitAbsorbs(t *testing.T) {
	h := newHarness(t)
	h.ext.set(qABC)
	h.check(t)

	h.clock.advance(time.Second)
	h.ext.set(qABC, qDEF)
	res := h.check(t)
	if res.Absorbed != 1 || res.Notified != 0 {
		t.Fatalf("result = %+v, want pe_def absorbed", res)
	}
	if h.sink.count() != 1 {
		t.Fatalf("dispatch calls = %d, want 1", h.sink.count())
	}
	if !h.p.Session().Known("pe_def") {
		t.Fatal("absorbed id not known")
	}

	// Absorbed ids stay suppressed once the cooldown has passed.
	h.clock.advance(time.Minute)
	h.check(t)
	if h.sink.count() != 1 {
		t.Fatalf("absorbed question notified later: %d dispatches", h.sink.count())
	}
	ids, _ := h.st.KnownIDs(context.Background())
	if len(ids) != 2 {
		t.Fatalf("persisted ids = %v", ids)
	}
}

func TestCheck_PermissionDeniedAbsorbs(t *testing.T) {
	h := newHarness(t)
	h.disp.SetEnabled(false)
	h.ext.set(qABC)

	res := h.check(t)
	if res.Absorbed != 1 || h.sink.count() != 0 || h.count(t) != 0 {
		t.Fatalf("result=%+v dispatches=%d count=%d", res, h.sink.count(), h.count(t))
	}
	h.disp.SetEnabled(true)
	h.clock.advance(time.Minute)
	h.check(t)
	if h.sink.count() != 0 {
		t.Fatal("absorbed question notified after permission granted")
	}
}

func TestCheck_SeedsFromStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.st.SetKnownQuestions(ctx, []question.Question{{ID: "pe_abc", Text: "old", Timestamp: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	h.ext.set(qABC)

	res := h.check(t)
	if res.New != 0 || h.sink.count() != 0 {
		t.Fatalf("persisted id notified again: %+v", res)
	}
}

func TestCheck_NoNewStampsLastCheck(t *testing.T) {
	h := newHarness(t)
	h.check(t)
	last, err := h.st.LastCheck(context.Background())
	if err != nil || last == nil {
		t.Fatalf("lastCheck = %v, %v", last, err)
	}
}

func TestCheck_PersistsKnownSet(t *testing.T) {
	h := newHarness(t)
	h.ext.set(qABC)
	h.check(t)

	qs, _, err := h.st.KnownQuestions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 || qs[0].ID != "pe_abc" || qs[0].Text != qABC.Text {
		t.Fatalf("persisted = %+v", qs)
	}
	last, _ := h.st.LastCheck(context.Background())
	if last == nil || !last.Equal(h.clock.now()) {
		t.Fatalf("lastCheck = %v, want %v", last, h.clock.now())
	}
}

func TestCheck_ContextInvalidatedStops(t *testing.T) {
	h := newHarness(t)
	h.ext.set(qABC)
	h.rt.Close()

	if _, err := h.p.Check(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Check = %v, want ErrStopped", err)
	}
	if h.p.Status() != StatusStopped {
		t.Fatalf("status = %v", h.p.Status())
	}
	select {
	case <-h.p.Done():
	default:
		t.Fatal("Done not closed")
	}
	if h.p.Trigger("interval") {
		t.Fatal("trigger after stop started a check")
	}
	if _, err := h.p.Check(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("second Check = %v", err)
	}
}

func TestCheck_InvalidationMidBatchAbandons(t *testing.T) {
	h := newHarness(t)
	var calls int
	h.rt.RegisterLocal(messaging.ServiceBackground, func(ctx context.Context, payload []byte) ([]byte, error) {
		calls++
		return nil, errors.New("Extension context invalidated.")
	})
	stopped := false
	h.p = New(h.page, h.ext, h.rt, h.disp, h.st,
		WithLogger(quietLogger()), WithClock(h.clock.now), OnStop(func() { stopped = true }))
	h.ext.set(qABC, qDEF)

	if _, err := h.p.Check(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Check = %v, want ErrStopped", err)
	}
	if calls != 1 {
		t.Fatalf("background calls = %d, want 1 (batch abandoned)", calls)
	}
	if !stopped {
		t.Fatal("OnStop not run")
	}
	if h.p.Session().Known("pe_abc") {
		t.Fatal("undelivered question marked known")
	}
}

func TestCheck_DeliveryFailureRetriedNextCheck(t *testing.T) {
	h := newHarness(t)
	bgHandler := h.bg.Handler()
	failing := true
	h.rt.RegisterLocal(messaging.ServiceBackground, func(ctx context.Context, payload []byte) ([]byte, error) {
		var msg messaging.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		var q question.Question
		if msg.Type == messaging.TypeNewQuestion {
			msg.Decode(&q)
		}
		if failing && q.ID == "pe_abc" {
			return nil, errors.New("port closed")
		}
		return bgHandler(ctx, payload)
	})
	h.ext.set(qABC, qDEF)

	res := h.check(t)
	if res.Failed != 1 || res.Notified != 1 {
		t.Fatalf("result = %+v", res)
	}
	if h.p.Session().Known("pe_abc") || !h.p.Session().Known("pe_def") {
		t.Fatal("known set wrong after partial failure")
	}
	if h.p.Status() != StatusReady {
		t.Fatalf("status = %v", h.p.Status())
	}

	failing = false
	h.clock.advance(time.Minute)
	res = h.check(t)
	if res.Notified != 1 || !h.p.Session().Known("pe_abc") {
		t.Fatalf("retry result = %+v", res)
	}
}

func TestCheck_SingleFlight(t *testing.T) {
	h := newHarness(t)
	h.page.entered = make(chan struct{})
	h.page.block = make(chan struct{})

	if !h.p.Trigger("interval") {
		t.Fatal("first trigger refused")
	}
	<-h.page.entered

	if h.p.Trigger("mutation") {
		t.Fatal("second trigger started while busy")
	}
	if _, err := h.p.Check(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Check while busy = %v", err)
	}
	if h.p.Stats().Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", h.p.Stats().Dropped)
	}
	close(h.page.block)

	deadline := time.Now().Add(2 * time.Second)
	for h.p.checking.Load() {
		if time.Now().After(deadline) {
			t.Fatal("check never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCheck_SnapshotError(t *testing.T) {
	h := newHarness(t)
	h.page.err = errors.New("navigation failed")
	if _, err := h.p.Check(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if h.p.Status() == StatusStopped {
		t.Fatal("ordinary snapshot error stopped monitoring")
	}
}

func TestHandler_PingAndForceCheck(t *testing.T) {
	h := newHarness(t)
	h.rt.RegisterLocal(messaging.PageService("tab-1"), h.p.Handler())
	h.ext.set(qABC)
	ctx := context.Background()

	ping, _ := messaging.NewMessage(messaging.TypePing, nil, nil)
	var reply messaging.PingReply
	if err := h.rt.Send(ctx, messaging.PageService("tab-1"), ping, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != "active" || reply.URL != testURL {
		t.Fatalf("ping reply = %+v", reply)
	}

	force, _ := messaging.NewMessage(messaging.TypeForceCheck, nil, nil)
	var ack messaging.Ack
	if err := h.rt.Send(ctx, messaging.PageService("tab-1"), force, &ack); err != nil || !ack.Success {
		t.Fatalf("force = %+v, %v", ack, err)
	}
	waitFor(t, func() bool { return h.sink.count() == 1 })
}

func TestRun_InitialAndNavigation(t *testing.T) {
	h := newHarness(t, WithTimings(Timings{
		InitialDelay:    time.Millisecond,
		Interval:        time.Hour,
		LocationPoll:    5 * time.Millisecond,
		NavigationDelay: time.Millisecond,
		Cooldown:        time.Nanosecond,
	}))
	h.ext.set(qABC)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	waitFor(t, func() bool { return h.sink.count() == 1 && !h.p.checking.Load() })

	h.clock.advance(time.Minute)
	h.ext.set(qABC, qDEF)
	h.page.setURL(testURL + "/next")
	waitFor(t, func() bool { return h.sink.count() == 2 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func TestRun_StopsOnInvalidation(t *testing.T) {
	h := newHarness(t, WithTimings(Timings{
		InitialDelay: time.Millisecond,
		Interval:     2 * time.Millisecond,
	}))
	done := make(chan error, 1)
	go func() { done <- h.p.Run(context.Background()) }()

	waitFor(t, func() bool { return h.p.Stats().Checks > 0 })
	h.rt.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after invalidation")
	}
	if h.p.Status() != StatusStopped {
		t.Fatalf("status = %v", h.p.Status())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
