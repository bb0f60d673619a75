package poller

import (
	"context"
	"time"

	"github.com/hazyhaar/pollwatch/messaging"
	"github.com/hazyhaar/pollwatch/question"
)

// Page is the monitored document.
type Page interface {
	// TabID identifies the page to the runtime.
	TabID() string
	// URL returns the current location.
	URL(ctx context.Context) (string, error)
	// Snapshot returns the serialized DOM and the location it was taken at.
	Snapshot(ctx context.Context) (html []byte, url string, err error)
}

// SignalSource is implemented by pages that can report DOM activity.
type SignalSource interface {
	Signals() <-chan Signal
}

// SignalKind classifies a page signal.
type SignalKind string

const (
	// SignalMutation reports added nodes; AddedText is the longest text
	// among them.
	SignalMutation SignalKind = "mutation"
	// SignalVisible reports the page became visible again.
	SignalVisible SignalKind = "visible"
	// SignalNavigated reports a location change inside the page.
	SignalNavigated SignalKind = "navigated"
)

// Signal is one event from the page.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	AddedText int        `json:"addedText,omitempty"`
	URL       string     `json:"url,omitempty"`
}

// Extractor finds candidate questions in a snapshot.
type Extractor interface {
	ExtractBytes(html []byte, pageURL string, now time.Time) ([]question.Question, error)
}

// Runtime is the messaging layer as seen from a page.
type Runtime interface {
	// Valid is the validity probe; false means the runtime is gone.
	Valid() bool
	Send(ctx context.Context, service string, msg messaging.Message, reply any) error
}

// Permission reports whether user-visible notifications may be shown.
type Permission interface {
	NotificationsPermitted(ctx context.Context) bool
}
