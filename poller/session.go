package poller

import (
	"sync"
	"time"

	"github.com/hazyhaar/pollwatch/question"
)

// Status is the session state.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusReady
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusReady:
		return "ready"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// Session is the per-page monitoring state: the known-question set, the
// question records behind it and the time of the last notification.
// The known set only grows.
type Session struct {
	mu               sync.Mutex
	status           Status
	order            []string
	known            map[string]struct{}
	records          map[string]question.Question
	lastNotification time.Time
}

// NewSession returns an uninitialized session.
func NewSession() *Session {
	return &Session{
		known:   make(map[string]struct{}),
		records: make(map[string]question.Question),
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Seed loads persisted questions and moves the session to ready. Only the
// first call has an effect; it reports whether it seeded. Entries without
// text or timestamp contribute their id only.
func (s *Session) Seed(qs []question.Question) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusUninitialized {
		return false
	}
	for _, q := range qs {
		if q.Text == "" || q.Timestamp.IsZero() {
			s.addIDLocked(q.ID)
			continue
		}
		s.addLocked(q)
	}
	s.status = StatusReady
	return true
}

// stop moves the session to stopped and reports whether it was not already.
func (s *Session) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		return false
	}
	s.status = StatusStopped
	return true
}

// Known reports whether id is in the known set.
func (s *Session) Known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[id]
	return ok
}

// Len returns the size of the known set.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Add marks q known and keeps its record.
func (s *Session) Add(q question.Question) {
	s.mu.Lock()
	s.addLocked(q)
	s.mu.Unlock()
}

func (s *Session) addIDLocked(id string) {
	if _, ok := s.known[id]; !ok {
		s.known[id] = struct{}{}
		s.order = append(s.order, id)
	}
}

func (s *Session) addLocked(q question.Question) {
	s.addIDLocked(q.ID)
	if _, ok := s.records[q.ID]; !ok {
		s.records[q.ID] = q
	}
}

// Unknown filters qs down to questions whose id is not known, keeping order.
func (s *Session) Unknown(qs []question.Question) []question.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []question.Question
	for _, q := range qs {
		if _, ok := s.known[q.ID]; !ok {
			out = append(out, q)
		}
	}
	return out
}

// Notified records a delivered question.
func (s *Session) Notified(q question.Question, at time.Time) {
	s.mu.Lock()
	s.addLocked(q)
	s.lastNotification = at
	s.mu.Unlock()
}

// LastNotification returns when the last notification was delivered; zero
// if none has been.
func (s *Session) LastNotification() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastNotification
}

// SinceLastNotification is the time elapsed since the last notification at
// now. It is effectively unbounded when none has been delivered.
func (s *Session) SinceLastNotification(now time.Time) time.Duration {
	last := s.LastNotification()
	if last.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(last)
}

// Materialize returns the known set as question records in insertion order.
// A question in current wins over the stored record; an id with neither
// becomes a placeholder.
func (s *Session) Materialize(current []question.Question, now time.Time) []question.Question {
	byID := make(map[string]question.Question, len(current))
	for _, q := range current {
		if _, dup := byID[q.ID]; !dup {
			byID[q.ID] = q
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]question.Question, 0, len(s.order))
	for _, id := range s.order {
		if q, ok := byID[id]; ok {
			out = append(out, q)
		} else if q, ok := s.records[id]; ok {
			out = append(out, q)
		} else {
			out = append(out, question.Placeholder(id, now))
		}
	}
	return out
}
