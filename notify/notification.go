// Package notify turns detected questions into user-visible notifications
// and routes the user's interaction back to the originating page.
//
// The package also hosts the background service: the messaging handlers
// pages report to, the first-run bootstrap and the hourly maintenance.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pollwatch/idgen"
)

// Notification texts.
const (
	QuestionTitle = "New Poll Everywhere Question!"
	WelcomeTitle  = "Poll Everywhere Notifier Ready!"
	WelcomeBody   = "Navigate to a Poll Everywhere page to start monitoring for new questions."
	TestTitle     = "Test Notification"
	TestBody      = "This is how you'll be notified when a new question is posted!"

	// BodyLimit bounds the body of a question notification.
	BodyLimit = 100
)

// NotificationPrefix tags every notification id.
const NotificationPrefix = "ntf_"

// NewID is the default notification id generator: NotificationPrefix
// followed by a UUIDv7.
var NewID = idgen.Prefixed(NotificationPrefix, idgen.UUIDv7())

// ParseID validates a notification id produced by NewID and returns its
// canonical form.
func ParseID(s string) (string, error) {
	rest, ok := strings.CutPrefix(s, NotificationPrefix)
	if !ok {
		return "", fmt.Errorf("notify: id %q lacks prefix %q", s, NotificationPrefix)
	}
	u, err := idgen.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("notify: id %q: %w", s, err)
	}
	return NotificationPrefix + u, nil
}

// Actions offered on question notifications, by button index.
var QuestionActions = []string{"open", "dismiss"}

// Notification is the creation payload handed to a Sink.
type Notification struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Priority           int       `json:"priority"`
	RequireInteraction bool      `json:"requireInteraction"`
	Actions            []string  `json:"actions,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	TabID              string    `json:"tabId,omitempty"`
	URL                string    `json:"url,omitempty"`
}

// Sink is a notification surface. Implementations show notifications on
// different backends (stdout, log, webhook, in-process callback).
type Sink interface {
	Create(ctx context.Context, n Notification) error
	Clear(ctx context.Context, id string) error
	Close() error
}

// Tabs brings pages to the front.
type Tabs interface {
	// Activate focuses an existing tab.
	Activate(ctx context.Context, tabID string) error
	// Open creates a tab at url and returns its id.
	Open(ctx context.Context, url string) (string, error)
}
