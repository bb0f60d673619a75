// Package question defines the Question record and the heuristic extractor
// that finds candidate poll questions in a page's DOM.
package question

import (
	"time"
	"unicode/utf16"
)

// Question is one detected unit of page content. Identity is ID alone;
// Selector and Element record which heuristic matched and are diagnostic.
type Question struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url,omitempty"`
	Selector  string    `json:"selector,omitempty"`
	Element   string    `json:"element,omitempty"`

	// Set by the background when it records a delivered question.
	TabID  string `json:"tabId,omitempty"`
	TabURL string `json:"tabUrl,omitempty"`
}

// Placeholder is the record persisted for a known id whose original
// Question is no longer available locally.
func Placeholder(id string, now time.Time) Question {
	return Question{ID: id, Text: "Unknown", Timestamp: now}
}

// Truncate shortens s to at most limit UTF-16 units, replacing the tail with
// "..." when it had to cut.
func Truncate(s string, limit int) string {
	if textLen(s) <= limit {
		return s
	}
	keep := limit - 3
	if keep < 0 {
		keep = 0
	}
	units := utf16.Encode([]rune(s))
	return string(utf16.Decode(units[:keep])) + "..."
}

// textLen measures s the way the page measures string length.
func textLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
