package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message types.
const (
	TypeNewQuestion     = "NEW_QUESTION_DETECTED"
	TypeQuestionsUpdate = "QUESTIONS_UPDATE"
	TypePing            = "PING"
	TypeForceCheck      = "FORCE_CHECK"
)

// ServiceBackground is the background service every page reports to.
const ServiceBackground = "background"

// PageService names the service a page registers for inbound commands.
func PageService(tabID string) string { return "page/" + tabID }

// Tab identifies the page a message came from.
type Tab struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Message is the envelope carried between services.
type Message struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Sender *Tab            `json:"sender,omitempty"`
}

// NewMessage builds a message with data JSON-encoded.
func NewMessage(typ string, data any, sender *Tab) (Message, error) {
	m := Message{Type: typ, Sender: sender}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return m, fmt.Errorf("messaging: encode %s data: %w", typ, err)
		}
		m.Data = raw
	}
	return m, nil
}

// Decode unmarshals the message data into dst.
func (m Message) Decode(dst any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("messaging: %s: empty data", m.Type)
	}
	if err := json.Unmarshal(m.Data, dst); err != nil {
		return fmt.Errorf("messaging: %s: decode data: %w", m.Type, err)
	}
	return nil
}

// Ack is the generic acknowledgment.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PingReply answers PING.
type PingReply struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

// MessageHandler handles one message type. The returned value is
// JSON-encoded as the reply.
type MessageHandler func(ctx context.Context, msg Message) (any, error)

// Mux dispatches messages to handlers by type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]MessageHandler)}
}

// Handle registers h for msgType.
func (m *Mux) Handle(msgType string, h MessageHandler) {
	m.mu.Lock()
	m.handlers[msgType] = h
	m.mu.Unlock()
}

// Handler adapts the mux to a router Handler.
func (m *Mux) Handler() Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("messaging: decode message: %w", err)
		}
		m.mu.RLock()
		h := m.handlers[msg.Type]
		m.mu.RUnlock()
		if h == nil {
			return nil, &ErrUnknownMessage{Type: msg.Type}
		}
		reply, err := h(ctx, msg)
		if err != nil {
			return nil, err
		}
		if reply == nil {
			return nil, nil
		}
		out, err := json.Marshal(reply)
		if err != nil {
			return nil, fmt.Errorf("messaging: encode %s reply: %w", msg.Type, err)
		}
		return out, nil
	}
}
