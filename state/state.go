// Package state gives typed access to pollwatch's persisted keys.
//
// Layout in the key-value store:
//
//	knownQuestions      []question.Question
//	lastCheck           RFC 3339 string or null
//	notificationCount   integer
//	isMonitoring        boolean
//	notification_<id>   NotificationRecord
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pollwatch/kvstore"
	"github.com/hazyhaar/pollwatch/question"
)

const (
	KeyKnownQuestions    = "knownQuestions"
	KeyLastCheck         = "lastCheck"
	KeyNotificationCount = "notificationCount"
	KeyIsMonitoring      = "isMonitoring"

	// NotificationPrefix prefixes the per-notification routing records.
	NotificationPrefix = "notification_"
)

// NotificationRecord routes a notification interaction back to its page.
type NotificationRecord struct {
	QuestionData question.Question `json:"questionData"`
	TabID        string            `json:"tabId,omitempty"`
	TabURL       string            `json:"tabUrl,omitempty"`
}

// Snapshot is the reporter's view of the persisted state.
type Snapshot struct {
	KnownQuestions    []question.Question `json:"knownQuestions"`
	LastCheck         *time.Time          `json:"lastCheck"`
	NotificationCount int                 `json:"notificationCount"`
	IsMonitoring      bool                `json:"isMonitoring"`
}

// State wraps a kvstore.Store.
type State struct {
	kv *kvstore.Store
}

// New returns a State over kv.
func New(kv *kvstore.Store) *State {
	return &State{kv: kv}
}

// Store returns the underlying key-value store.
func (s *State) Store() *kvstore.Store { return s.kv }

// KnownQuestions loads the persisted question list. Entries that do not
// decode are dropped and counted in skipped.
func (s *State) KnownQuestions(ctx context.Context) (qs []question.Question, skipped int, err error) {
	var raw []json.RawMessage
	if _, err := s.kv.GetInto(ctx, KeyKnownQuestions, &raw); err != nil {
		return nil, 0, fmt.Errorf("state: known questions: %w", err)
	}
	qs = make([]question.Question, 0, len(raw))
	for _, r := range raw {
		var q question.Question
		if err := json.Unmarshal(r, &q); err != nil || q.ID == "" {
			skipped++
			continue
		}
		qs = append(qs, q)
	}
	return qs, skipped, nil
}

// KnownIDs returns the ids of the persisted questions.
func (s *State) KnownIDs(ctx context.Context) ([]string, error) {
	qs, _, err := s.KnownQuestions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(qs))
	for i, q := range qs {
		ids[i] = q.ID
	}
	return ids, nil
}

// SetKnownQuestions replaces the persisted question list.
func (s *State) SetKnownQuestions(ctx context.Context, qs []question.Question) error {
	if qs == nil {
		qs = []question.Question{}
	}
	if err := s.kv.Set(ctx, map[string]any{KeyKnownQuestions: qs}); err != nil {
		return fmt.Errorf("state: set known questions: %w", err)
	}
	return nil
}

// SaveCheck persists the question list and lastCheck together.
func (s *State) SaveCheck(ctx context.Context, qs []question.Question, at time.Time) error {
	if qs == nil {
		qs = []question.Question{}
	}
	if err := s.kv.Set(ctx, map[string]any{
		KeyKnownQuestions: qs,
		KeyLastCheck:      at.UTC(),
	}); err != nil {
		return fmt.Errorf("state: save check: %w", err)
	}
	return nil
}

// LastCheck returns the time of the most recent scan, nil if none.
func (s *State) LastCheck(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	if _, err := s.kv.GetInto(ctx, KeyLastCheck, &t); err != nil {
		return nil, fmt.Errorf("state: last check: %w", err)
	}
	return t, nil
}

// SetLastCheck records a scan time.
func (s *State) SetLastCheck(ctx context.Context, at time.Time) error {
	if err := s.kv.Set(ctx, map[string]any{KeyLastCheck: at.UTC()}); err != nil {
		return fmt.Errorf("state: set last check: %w", err)
	}
	return nil
}

// NotificationCount returns the delivered-notification counter.
func (s *State) NotificationCount(ctx context.Context) (int, error) {
	var n int
	if _, err := s.kv.GetInto(ctx, KeyNotificationCount, &n); err != nil {
		return 0, fmt.Errorf("state: notification count: %w", err)
	}
	return n, nil
}

// RecordDelivery appends q to the persisted list, stamps lastCheck and
// increments notificationCount.
func (s *State) RecordDelivery(ctx context.Context, q question.Question, at time.Time) error {
	qs, _, err := s.KnownQuestions(ctx)
	if err != nil {
		return err
	}
	n, err := s.NotificationCount(ctx)
	if err != nil {
		return err
	}
	qs = append(qs, q)
	if err := s.kv.Set(ctx, map[string]any{
		KeyKnownQuestions:    qs,
		KeyLastCheck:         at.UTC(),
		KeyNotificationCount: n + 1,
	}); err != nil {
		return fmt.Errorf("state: record delivery: %w", err)
	}
	return nil
}

// Bootstrap writes the initial keys on first run. It reports whether it did
// anything; an existing isMonitoring key means the store is already set up.
func (s *State) Bootstrap(ctx context.Context) (bool, error) {
	var monitoring bool
	found, err := s.kv.GetInto(ctx, KeyIsMonitoring, &monitoring)
	if err != nil {
		return false, fmt.Errorf("state: bootstrap: %w", err)
	}
	if found {
		return false, nil
	}
	if err := s.kv.Set(ctx, map[string]any{
		KeyIsMonitoring:      true,
		KeyKnownQuestions:    []question.Question{},
		KeyLastCheck:         nil,
		KeyNotificationCount: 0,
	}); err != nil {
		return false, fmt.Errorf("state: bootstrap: %w", err)
	}
	return true, nil
}

// Reset clears the question list, lastCheck and the counter.
func (s *State) Reset(ctx context.Context) error {
	if err := s.kv.Set(ctx, map[string]any{
		KeyKnownQuestions:    []question.Question{},
		KeyLastCheck:         nil,
		KeyNotificationCount: 0,
	}); err != nil {
		return fmt.Errorf("state: reset: %w", err)
	}
	return nil
}

// Snapshot reads every reporter-facing key.
func (s *State) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.KnownQuestions, _, err = s.KnownQuestions(ctx); err != nil {
		return snap, err
	}
	if snap.LastCheck, err = s.LastCheck(ctx); err != nil {
		return snap, err
	}
	if snap.NotificationCount, err = s.NotificationCount(ctx); err != nil {
		return snap, err
	}
	if _, err := s.kv.GetInto(ctx, KeyIsMonitoring, &snap.IsMonitoring); err != nil {
		return snap, fmt.Errorf("state: is monitoring: %w", err)
	}
	return snap, nil
}

// PutNotification stores the routing record for notification id.
func (s *State) PutNotification(ctx context.Context, id string, rec NotificationRecord) error {
	if err := s.kv.Set(ctx, map[string]any{NotificationPrefix + id: rec}); err != nil {
		return fmt.Errorf("state: put notification %s: %w", id, err)
	}
	return nil
}

// Notification loads the routing record for notification id.
func (s *State) Notification(ctx context.Context, id string) (NotificationRecord, bool, error) {
	var rec NotificationRecord
	found, err := s.kv.GetInto(ctx, NotificationPrefix+id, &rec)
	if err != nil {
		return rec, found, fmt.Errorf("state: notification %s: %w", id, err)
	}
	return rec, found, nil
}

// RemoveNotification deletes the routing record for notification id.
func (s *State) RemoveNotification(ctx context.Context, id string) error {
	if err := s.kv.Remove(ctx, NotificationPrefix+id); err != nil {
		return fmt.Errorf("state: remove notification %s: %w", id, err)
	}
	return nil
}

// NotificationIDs lists the ids of every outstanding routing record.
func (s *State) NotificationIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, NotificationPrefix)
	if err != nil {
		return nil, fmt.Errorf("state: notification ids: %w", err)
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, NotificationPrefix)
	}
	return ids, nil
}

// RemoveAllNotifications deletes every routing record and returns how many
// there were.
func (s *State) RemoveAllNotifications(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, NotificationPrefix)
	if err != nil {
		return 0, fmt.Errorf("state: notification keys: %w", err)
	}
	if err := s.kv.Remove(ctx, keys...); err != nil {
		return 0, fmt.Errorf("state: remove notifications: %w", err)
	}
	return len(keys), nil
}
