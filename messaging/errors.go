package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// ErrContextInvalidated is returned by every call made after the runtime
// was closed.
var ErrContextInvalidated = errors.New("messaging: extension context invalidated")

// ErrServiceNotFound is returned when Call targets an unregistered service.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("messaging: no receiving end: %s", e.Service)
}

// ErrUnknownMessage is returned by a Mux that has no handler for a type.
type ErrUnknownMessage struct {
	Type string
}

func (e *ErrUnknownMessage) Error() string {
	return fmt.Sprintf("messaging: unknown message type %q", e.Type)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return "messaging: handler panicked"
}

// IsContextInvalidated reports whether err means the runtime is gone. It
// matches the sentinel and, for errors that crossed a process or serialization
// boundary, the message text.
func IsContextInvalidated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextInvalidated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "context invalidated")
}
