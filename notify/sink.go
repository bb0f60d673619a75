package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type clearEvent struct {
	ID string `json:"id"`
}

// Router fans notifications out to all configured sinks. One sink error
// does not block the others. Create fails only when no sink showed the
// notification; Clear and Close return the first error.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Create(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Create(ctx, n); err != nil {
			r.logger.Warn("notify: create failed", "id", n.ID, "error", err)
			errs = append(errs, err)
		}
	}
	if len(r.sinks) > 0 && len(errs) == len(r.sinks) {
		return errors.Join(errs...)
	}
	return nil
}

func (r *Router) Clear(ctx context.Context, id string) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Clear(ctx, id); err != nil {
			r.logger.Warn("notify: clear failed", "id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stdout writes JSON lines to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Create(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: "notification.created", Data: n})
}

func (s *Stdout) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: "notification.cleared", Data: clearEvent{ID: id}})
}

func (s *Stdout) Close() error { return nil }

// Log reports notifications through slog.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log sink.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Create(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notify: notification",
		"id", n.ID, "title", n.Title, "body", n.Body, "tab", n.TabID, "url", n.URL)
	return nil
}

func (l *Log) Clear(ctx context.Context, id string) error {
	l.logger.DebugContext(ctx, "notify: notification cleared", "id", id)
	return nil
}

func (l *Log) Close() error { return nil }

// CreateFunc is called for each created notification.
type CreateFunc func(ctx context.Context, n Notification) error

// ClearFunc is called for each cleared notification.
type ClearFunc func(ctx context.Context, id string) error

// Callback delivers notifications via Go function calls.
type Callback struct {
	onCreate CreateFunc
	onClear  ClearFunc
}

// NewCallback creates a Callback sink. Either handler may be nil.
func NewCallback(onCreate CreateFunc, onClear ClearFunc) *Callback {
	return &Callback{onCreate: onCreate, onClear: onClear}
}

func (c *Callback) Create(ctx context.Context, n Notification) error {
	if c.onCreate != nil {
		return c.onCreate(ctx, n)
	}
	return nil
}

func (c *Callback) Clear(ctx context.Context, id string) error {
	if c.onClear != nil {
		return c.onClear(ctx, id)
	}
	return nil
}

func (c *Callback) Close() error { return nil }

// Webhook POSTs JSON to a URL with retry and exponential backoff.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.maxRetries = n }
}

// WithWebhookBackoff sets the first retry delay; it doubles per attempt.
// Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// WithWebhookClient replaces the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Create(ctx context.Context, n Notification) error {
	return w.post(ctx, "notification.created", n)
}

func (w *Webhook) Clear(ctx context.Context, id string) error {
	return w.post(ctx, "notification.cleared", clearEvent{ID: id})
}

func (w *Webhook) Close() error { return nil }

func (w *Webhook) post(ctx context.Context, typ string, data any) error {
	body, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook: request failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook: status %d", resp.StatusCode)
		w.logger.Warn("webhook: bad status", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return fmt.Errorf("webhook: all retries exhausted: %w", lastErr)
}
