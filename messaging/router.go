// Package messaging is pollwatch's in-process runtime: named services
// exchanging JSON messages, the way pages and the background talk in a
// browser extension.
//
//	rt := messaging.New(messaging.WithLogger(logger))
//	rt.RegisterLocal(messaging.ServiceBackground, bg.Handler())
//
//	var ack messaging.Ack
//	err := rt.Send(ctx, messaging.ServiceBackground, msg, &ack)
//
// Close tears the runtime down. Every later Call fails with
// ErrContextInvalidated and Valid reports false; pages use that to stop
// their monitoring for good.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler is a service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Router dispatches calls to registered services.
// Thread-safe: reads use RLock, registration and Close use full Lock.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	chain    HandlerMiddleware
	closed   bool
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware wraps every handler registered afterwards.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.chain = Chain(mws...) }
}

// New creates a Router with no services.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers h as service, replacing any previous handler.
func (r *Router) RegisterLocal(service string, h Handler) {
	if r.chain != nil {
		h = r.chain(h)
	}
	r.mu.Lock()
	r.handlers[service] = h
	r.mu.Unlock()
}

// Unregister removes service. Later calls to it fail with ErrServiceNotFound.
func (r *Router) Unregister(service string) {
	r.mu.Lock()
	delete(r.handlers, service)
	r.mu.Unlock()
}

// Call dispatches payload to service.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h := r.handlers[service]
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return nil, ErrContextInvalidated
	}
	if h == nil {
		return nil, &ErrServiceNotFound{Service: service}
	}
	r.logger.DebugContext(ctx, "messaging: call", "service", service)
	return h(ctx, payload)
}

// Send encodes msg, calls service and decodes the reply into reply
// (skipped when reply is nil or the service returned nothing).
func (r *Router) Send(ctx context.Context, service string, msg Message, reply any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: encode %s: %w", msg.Type, err)
	}
	resp, err := r.Call(ctx, service, payload)
	if err != nil {
		return err
	}
	if reply == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, reply); err != nil {
		return fmt.Errorf("messaging: decode reply to %s: %w", msg.Type, err)
	}
	return nil
}

// Valid reports whether the runtime still accepts calls.
func (r *Router) Valid() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

// Close invalidates the runtime and drops every handler. Idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.handlers = make(map[string]Handler)
		r.logger.Info("messaging: runtime closed")
	}
	r.mu.Unlock()
}
