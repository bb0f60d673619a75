package shield

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/pollwatch/idgen"
	"github.com/hazyhaar/pollwatch/kit"
)

func chain(h http.Handler) http.Handler {
	mws := Stack(slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func TestStack_HeadersAndTrace(t *testing.T) {
	var traceID string
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
		if GetLogger(r.Context()) == slog.Default() {
			t.Error("per-request logger not attached")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if traceID == "" || rec.Header().Get("X-Trace-ID") != traceID {
		t.Fatalf("trace id %q, header %q", traceID, rec.Header().Get("X-Trace-ID"))
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing X-Frame-Options")
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "script-src 'none'") {
		t.Fatal("unexpected CSP")
	}
}

func TestTraceID_FallsBackWhenRandomFails(t *testing.T) {
	orig := randRead
	randRead = func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }
	defer func() { randRead = orig }()

	var traceID string
	h := TraceID(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := idgen.Parse(traceID); err != nil {
		t.Fatalf("fallback trace id %q is not a uuid: %v", traceID, err)
	}
	if rec.Header().Get("X-Trace-ID") != traceID {
		t.Fatalf("header %q, want %q", rec.Header().Get("X-Trace-ID"), traceID)
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/", nil))
	if method != http.MethodGet {
		t.Fatalf("method = %s", method)
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err == nil {
			t.Error("expected body limit error")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789abcdef")))
}
