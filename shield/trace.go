package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/pollwatch/idgen"
	"github.com/hazyhaar/pollwatch/kit"
)

// randRead is swapped in tests.
var randRead = rand.Read

// newTraceID returns 8 random hex characters, or a UUIDv7 when the random
// source fails.
func newTraceID(logger *slog.Logger) string {
	b := make([]byte, 4)
	if _, err := randRead(b); err != nil {
		logger.Warn("shield: random trace id failed, using uuid", "error", err)
		return idgen.New()
	}
	return hex.EncodeToString(b)
}

// TraceID tags each request with a random trace id, echoed in X-Trace-ID,
// and attaches a per-request logger carrying it.
func TraceID(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := newTraceID(base)

			ctx := kit.WithTraceID(r.Context(), traceID)
			w.Header().Set("X-Trace-ID", traceID)

			logger := base.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("request", "remote_addr", r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
