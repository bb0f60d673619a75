package reporter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
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

const pageURL = "https://pollev.com/demo"

type fakeTabs struct {
	mu        sync.Mutex
	active    messaging.Tab
	hasActive bool
	activated []string
}

func (f *fakeTabs) ActiveTab(context.Context) (messaging.Tab, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.hasActive
}

func (f *fakeTabs) Activate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "missing" {
		return errors.New("no such tab")
	}
	f.activated = append(f.activated, id)
	return nil
}

func (f *fakeTabs) Open(context.Context, string) (string, error) { return "opened", nil }

func (f *fakeTabs) setActive(id, u string) {
	f.mu.Lock()
	f.active, f.hasActive = messaging.Tab{ID: id, URL: u}, true
	f.mu.Unlock()
}

type harness struct {
	st      *state.State
	bg      *notify.Background
	rt      *messaging.Router
	tabs    *fakeTabs
	rep     *Reporter
	mu      sync.Mutex
	created []notify.Notification
	forced  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{tabs: &fakeTabs{}}
	h.st = state.New(kvstore.OpenMemory(t))
	sink := notify.NewCallback(func(_ context.Context, n notify.Notification) error {
		h.mu.Lock()
		h.created = append(h.created, n)
		h.mu.Unlock()
		return nil
	}, nil)
	n := 0
	disp := notify.NewDispatcher(h.st, sink, h.tabs,
		notify.WithDispatcherLogger(quietLogger()),
		notify.WithIDGenerator(func() string { n++; return noteID(n) }))
	h.bg = notify.NewBackground(h.st, disp, notify.NewBadges(), notify.WithBackgroundLogger(quietLogger()))
	h.rt = messaging.New(messaging.WithLogger(quietLogger()))
	h.bg.Register(h.rt)
	h.rep = New(h.st, h.bg, h.rt, h.tabs, Config{Logger: quietLogger(), WatchInterval: 10 * time.Millisecond, Refresh: time.Hour})
	return h
}

// noteID is the n-th notification id handed out by the harness dispatcher.
func noteID(n int) string {
	return fmt.Sprintf("%s00000000-0000-7000-8000-%012d", notify.NotificationPrefix, n)
}

// attachPage registers a page service answering PING and FORCE_CHECK.
func (h *harness) attachPage(id string) {
	mux := messaging.NewMux()
	mux.Handle(messaging.TypePing, func(context.Context, messaging.Message) (any, error) {
		return messaging.PingReply{Status: "active", URL: pageURL}, nil
	})
	mux.Handle(messaging.TypeForceCheck, func(context.Context, messaging.Message) (any, error) {
		h.mu.Lock()
		h.forced++
		h.mu.Unlock()
		return messaging.Ack{Success: true}, nil
	})
	h.rt.RegisterLocal(messaging.PageService(id), mux.Handler())
	h.tabs.setActive(id, pageURL)
}

func (h *harness) deliver(t *testing.T, id, text string, at time.Time) {
	t.Helper()
	q := question.Question{ID: id, Text: text, Timestamp: at, URL: pageURL}
	if _, err := h.bg.HandleNewQuestion(context.Background(), q, &messaging.Tab{ID: "tab-1", URL: pageURL}); err != nil {
		t.Fatalf("HandleNewQuestion: %v", err)
	}
}

func do(t *testing.T, srv http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestLastCheckLabel(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }
	cases := []struct {
		last *time.Time
		want string
	}{
		{nil, "Never"},
		{at(30 * time.Second), "Just now"},
		{at(5 * time.Minute), "5m ago"},
		{at(59*time.Minute + 59*time.Second), "59m ago"},
		{at(3*time.Hour + 10*time.Minute), "3h ago"},
	}
	for _, c := range cases {
		if got := LastCheckLabel(c.last, now); got != c.want {
			t.Errorf("LastCheckLabel = %q, want %q", got, c.want)
		}
	}
}

func TestStatus_MonitoringStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.rep.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Monitoring != MonitoringInactive || st.StatusText != TextInactive || st.LastCheckLabel != "Never" {
		t.Fatalf("no tab: %+v", st)
	}

	h.tabs.setActive("tab-1", "https://example.com/")
	if st, _ = h.rep.Status(ctx); st.Monitoring != MonitoringInactive {
		t.Fatalf("other host: %+v", st)
	}

	h.tabs.setActive("tab-1", pageURL)
	if st, _ = h.rep.Status(ctx); st.Monitoring != MonitoringWarning || st.StatusText != TextRefresh {
		t.Fatalf("no poller: %+v", st)
	}

	h.attachPage("tab-1")
	if st, _ = h.rep.Status(ctx); st.Monitoring != MonitoringActive || st.TabURL != pageURL {
		t.Fatalf("live poller: %+v", st)
	}
}

func TestHistory_NewestFiveTruncated(t *testing.T) {
	h := newHarness(t)
	base := time.Now().Add(-time.Hour)
	long := strings.Repeat("a", 90) + "?"
	for i := 0; i < 7; i++ {
		text := fmt.Sprintf("Question number %d?", i)
		if i == 6 {
			text = long
		}
		h.deliver(t, fmt.Sprintf("pe_%d", i), text, base.Add(time.Duration(i)*time.Minute))
	}

	items, err := h.rep.History(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 5 {
		t.Fatalf("len = %d, want 5", len(items))
	}
	if items[0].ID != "pe_6" || items[4].ID != "pe_2" {
		t.Fatalf("order = %s..%s", items[0].ID, items[4].ID)
	}
	if items[0].Text != strings.Repeat("a", 77)+"..." {
		t.Fatalf("truncated = %q", items[0].Text)
	}
}

func TestHTTP_ClearRequiresConfirm(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, "pe_abc", "Which continent is largest?", time.Now())
	h.bg.Badges().Increment("tab-1")
	srv := h.rep.Handler(nil)

	if rec := do(t, srv, http.MethodPost, "/api/clear"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed clear = %d", rec.Code)
	}
	if n, _ := h.st.NotificationCount(context.Background()); n != 1 {
		t.Fatalf("count after refused clear = %d", n)
	}

	if rec := do(t, srv, http.MethodPost, "/api/clear?confirm=true"); rec.Code != http.StatusOK {
		t.Fatalf("clear = %d %s", rec.Code, rec.Body)
	}
	snap, err := h.st.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.KnownQuestions) != 0 || snap.LastCheck != nil || snap.NotificationCount != 0 {
		t.Fatalf("after clear: %+v", snap)
	}
	if h.bg.Badges().Count("tab-1") != 0 {
		t.Fatal("badge not cleared")
	}
}

func TestHTTP_PingAndForceCheck(t *testing.T) {
	h := newHarness(t)
	srv := h.rep.Handler(nil)

	if rec := do(t, srv, http.MethodPost, "/api/force-check"); rec.Code != http.StatusConflict {
		t.Fatalf("force-check without tab = %d", rec.Code)
	}

	h.tabs.setActive("tab-1", pageURL)
	if rec := do(t, srv, http.MethodPost, "/api/ping"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ping without poller = %d", rec.Code)
	}

	h.attachPage("tab-1")
	rec := do(t, srv, http.MethodPost, "/api/ping")
	var reply messaging.PingReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil || reply.Status != "active" {
		t.Fatalf("ping = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, srv, http.MethodPost, "/api/force-check")
	var ack messaging.Ack
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || !ack.Success {
		t.Fatalf("force-check = %d %s", rec.Code, rec.Body)
	}
	if h.forced != 1 {
		t.Fatalf("forced = %d", h.forced)
	}
}

func TestHTTP_StatusAndQuestions(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, "pe_abc", "Which continent is largest?", time.Now())
	srv := h.rep.Handler(nil)

	var st Status
	rec := do(t, srv, http.MethodGet, "/api/status")
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.QuestionCount != 1 || st.NotificationCount != 1 || st.LastCheckLabel != "Just now" {
		t.Fatalf("status = %+v", st)
	}

	var items []HistoryItem
	rec = do(t, srv, http.MethodGet, "/api/questions")
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil || len(items) != 1 {
		t.Fatalf("questions = %s", rec.Body)
	}

	if rec := do(t, srv, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestHTTP_TestNotification(t *testing.T) {
	h := newHarness(t)
	rec := do(t, h.rep.Handler(nil), http.MethodPost, "/api/test-notification")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(h.created) != 1 || h.created[0].Title != notify.TestTitle {
		t.Fatalf("created = %+v", h.created)
	}
	if n, _ := h.st.NotificationCount(context.Background()); n != 0 {
		t.Fatal("test notification touched the counters")
	}
}

func TestHTTP_NotificationCallbacks(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, "pe_abc", "Which continent is largest?", time.Now())
	h.deliver(t, "pe_def", "What is the capital of France?", time.Now())
	srv := h.rep.Handler(nil)

	if rec := do(t, srv, http.MethodPost, "/api/notifications/"+noteID(1)+"/click"); rec.Code != http.StatusOK {
		t.Fatalf("click = %d", rec.Code)
	}
	if len(h.tabs.activated) != 1 || h.tabs.activated[0] != "tab-1" {
		t.Fatalf("activated = %v", h.tabs.activated)
	}

	if rec := do(t, srv, http.MethodPost, "/api/notifications/"+noteID(2)+"/buttons/1"); rec.Code != http.StatusOK {
		t.Fatalf("dismiss = %d", rec.Code)
	}
	if len(h.tabs.activated) != 1 {
		t.Fatal("dismiss should not focus")
	}
	if ids, _ := h.st.NotificationIDs(context.Background()); len(ids) != 0 {
		t.Fatalf("routing records left: %v", ids)
	}

	if rec := do(t, srv, http.MethodPost, "/api/notifications/"+noteID(2)+"/buttons/x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad index = %d", rec.Code)
	}

	for _, bad := range []string{"n1", "ntf_not-a-uuid", "00000000-0000-7000-8000-000000000001"} {
		rec := do(t, srv, http.MethodPost, "/api/notifications/"+bad+"/click")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("click %q = %d, want 400", bad, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["error"] == "" || body["trace_id"] != rec.Header().Get("X-Trace-ID") {
			t.Fatalf("error body = %v, trace header %q", body, rec.Header().Get("X-Trace-ID"))
		}
	}
}

func TestHTTP_TabActivateClearsBadge(t *testing.T) {
	h := newHarness(t)
	h.bg.Badges().Increment("tab-1")
	srv := h.rep.Handler(nil)

	if rec := do(t, srv, http.MethodPost, "/api/tabs/tab-1/activate"); rec.Code != http.StatusOK {
		t.Fatalf("activate = %d", rec.Code)
	}
	if h.bg.Badges().Count("tab-1") != 0 {
		t.Fatal("badge not cleared")
	}
	if rec := do(t, srv, http.MethodPost, "/api/tabs/missing/activate"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing tab = %d", rec.Code)
	}
}

func TestPopup(t *testing.T) {
	h := newHarness(t)
	srv := h.rep.Handler(nil)

	rec := do(t, srv, http.MethodGet, "/")
	body := rec.Body.String()
	if !strings.Contains(body, "No questions detected yet") || !strings.Contains(body, TextInactive) {
		t.Fatalf("popup body = %s", body)
	}

	h.deliver(t, "pe_abc", "Is <b>this</b> escaped?", time.Now())
	body = do(t, srv, http.MethodGet, "/").Body.String()
	if !strings.Contains(body, "Is &lt;b&gt;this&lt;/b&gt; escaped?") {
		t.Fatal("question text not escaped")
	}

	rec = do(t, srv, http.MethodPost, "/popup/clear")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("popup clear = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if !strings.Contains(loc.Query().Get("flash"), "confirmation") {
		t.Fatalf("flash = %q", loc.Query().Get("flash"))
	}
	if n, _ := h.st.NotificationCount(context.Background()); n != 1 {
		t.Fatal("unconfirmed popup clear ran")
	}
}

func TestStream_PushesOnStoreChange(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.rep.Handler(nil))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan Status, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var st Status
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st) != nil {
				continue
			}
			select {
			case events <- st:
			case <-ctx.Done():
				return
			}
		}
	}()

	first, ok := <-events
	if !ok || first.NotificationCount != 0 {
		t.Fatalf("first event = %+v", first)
	}

	// Keep writing until the watcher has its baseline and reports a change.
	writerCtx, stopWriter := context.WithCancel(ctx)
	written := make(chan struct{})
	go func() {
		defer close(written)
		for i := 0; writerCtx.Err() == nil; i++ {
			q := question.Question{ID: fmt.Sprintf("pe_%d", i), Text: fmt.Sprintf("Question %d?", i), Timestamp: time.Now()}
			h.bg.HandleNewQuestion(writerCtx, q, nil)
			time.Sleep(50 * time.Millisecond)
		}
	}()
	defer func() {
		stopWriter()
		<-written
	}()

	for st := range events {
		if st.NotificationCount > 0 {
			return
		}
	}
	t.Fatal("no event after store change")
}

func TestMCPTools(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, "pe_abc", "Which continent is largest?", time.Now())

	impl := &mcp.Implementation{Name: "pollwatch-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	h.rep.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	cs, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	call := func(name string, args map[string]any) *mcp.CallToolResult {
		t.Helper()
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			t.Fatalf("CallTool(%s): %v", name, err)
		}
		return res
	}
	text := func(res *mcp.CallToolResult) string {
		return res.Content[0].(*mcp.TextContent).Text
	}

	var st Status
	if err := json.Unmarshal([]byte(text(call("pollwatch_status", nil))), &st); err != nil || st.QuestionCount != 1 {
		t.Fatalf("status = %+v, %v", st, err)
	}
	var items []HistoryItem
	if err := json.Unmarshal([]byte(text(call("pollwatch_history", nil))), &items); err != nil || len(items) != 1 {
		t.Fatalf("history = %v, %v", items, err)
	}
	if res := call("pollwatch_force_check", nil); !res.IsError {
		t.Fatal("force check without a tab should be a tool error")
	}
	if res := call("pollwatch_clear", map[string]any{"confirm": false}); !res.IsError {
		t.Fatal("unconfirmed clear should be a tool error")
	}
	if res := call("pollwatch_clear", map[string]any{"confirm": true}); res.IsError {
		t.Fatalf("clear failed: %s", text(res))
	}
	if n, _ := h.st.NotificationCount(ctx); n != 0 {
		t.Fatalf("count after clear = %d", n)
	}
	if res := call("pollwatch_test_notification", nil); res.IsError {
		t.Fatalf("test notification failed: %s", text(res))
	}
}
