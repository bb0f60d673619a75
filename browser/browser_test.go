package browser

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/pollwatch/poller"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	_ poller.Page         = (*Tab)(nil)
	_ poller.SignalSource = (*Tab)(nil)
	_ poller.Page         = (*HTTPPage)(nil)
)

func TestParseSignal(t *testing.T) {
	sig, err := parseSignal(`{"kind":"mutation","addedText":42}`)
	if err != nil || sig.Kind != poller.SignalMutation || sig.AddedText != 42 {
		t.Fatalf("got %+v, %v", sig, err)
	}
	sig, err = parseSignal(`{"kind":"navigated","url":"https://pollev.com/a#b"}`)
	if err != nil || sig.URL != "https://pollev.com/a#b" {
		t.Fatalf("got %+v, %v", sig, err)
	}
	if _, err := parseSignal(`{"kind":"scroll"}`); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if _, err := parseSignal(`not json`); err == nil {
		t.Fatal("bad json accepted")
	}
}

func TestBridgeScriptUsesBinding(t *testing.T) {
	if !strings.Contains(bridgeJS, bindingName) {
		t.Fatal("bridge script does not call the binding")
	}
	if !strings.Contains(bridgeJS, "'main, body'") {
		t.Fatal("bridge script does not observe main, body")
	}
}

func TestShouldBlock(t *testing.T) {
	block := map[string]bool{"images": true, "fonts": true, "XHR": true}
	cases := map[string]bool{
		"Image":      true,
		"Font":       true,
		"Stylesheet": false,
		"XHR":        true,
		"Document":   false,
	}
	for typ, want := range cases {
		if got := shouldBlock(block, typ); got != want {
			t.Errorf("shouldBlock(%s) = %v, want %v", typ, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]StealthLevel{"": LevelHeadless, "http": LevelHTTP, "headful": LevelHeadful} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("invisible"); err == nil {
		t.Fatal("unknown level accepted")
	}
}

func TestHTTPPage_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/demo", http.StatusFound)
			return
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing user agent")
		}
		io.WriteString(w, "<html><body><h1>Hi</h1></body></html>")
	}))
	defer srv.Close()

	p := NewHTTPPage("http-1", srv.URL+"/old", WithHTTPLogger(quietLogger()))
	html, url, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !strings.Contains(string(html), "<h1>Hi</h1>") {
		t.Fatalf("html = %q", html)
	}
	if url != srv.URL+"/demo" {
		t.Fatalf("url = %q, want final location", url)
	}
	if p.TabID() != "http-1" {
		t.Fatalf("id = %q", p.TabID())
	}
}

func TestHTTPPage_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPPage("http-1", srv.URL, WithHTTPLogger(quietLogger()))
	if _, _, err := p.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestManager_NoBrowser(t *testing.T) {
	m := NewManager(Config{Logger: quietLogger()})
	if _, err := m.Open(context.Background(), "https://pollev.com/x"); err == nil {
		t.Fatal("Open without a browser should fail")
	}
	if err := m.Activate(context.Background(), "missing"); err == nil {
		t.Fatal("Activate of unknown tab should fail")
	}
	if _, ok := m.Tab("missing"); ok {
		t.Fatal("unknown tab should not be found")
	}
	if err := m.CloseTab("missing"); err != nil {
		t.Fatalf("CloseTab unknown = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start after Close should fail")
	}
}
