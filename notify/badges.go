package notify

import (
	"sort"
	"strconv"
	"sync"
)

// Badges keeps the per-tab count of delivered notifications. A tab's badge
// resets when the tab becomes active.
type Badges struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewBadges returns an empty badge set.
func NewBadges() *Badges {
	return &Badges{counts: make(map[string]int)}
}

// Increment bumps the badge of tabID and returns the new count.
func (b *Badges) Increment(tabID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[tabID]++
	return b.counts[tabID]
}

// Clear resets the badge of tabID.
func (b *Badges) Clear(tabID string) {
	b.mu.Lock()
	delete(b.counts, tabID)
	b.mu.Unlock()
}

// ClearAll resets every badge.
func (b *Badges) ClearAll() {
	b.mu.Lock()
	b.counts = make(map[string]int)
	b.mu.Unlock()
}

// Count returns the badge count of tabID.
func (b *Badges) Count(tabID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[tabID]
}

// Text renders the badge of tabID, "" when there is none.
func (b *Badges) Text(tabID string) string {
	if n := b.Count(tabID); n > 0 {
		return strconv.Itoa(n)
	}
	return ""
}

// Tabs lists the tabs carrying a badge.
func (b *Badges) Tabs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.counts))
	for id := range b.counts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
