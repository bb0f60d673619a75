package question

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/hazyhaar/pollwatch/idgen"
)

// Extractor scans a document for candidate questions. It is safe for
// concurrent use; compiled selectors are read-only after New.
type Extractor struct {
	rules  Rules
	logger *slog.Logger

	containers []compiled
	headings   goquery.Matcher
	specific   []compiled
	heuristic  goquery.Matcher
}

type compiled struct {
	source  string
	matcher goquery.Matcher
}

// NewExtractor compiles rules. Selectors that fail to compile are logged and
// left out; extraction proceeds with the rest.
func NewExtractor(rules Rules, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{rules: rules, logger: logger}
	e.containers = e.compileEach(rules.Containment.Selectors)
	e.headings = e.compileGroup(rules.Headings)
	e.specific = e.compileEach(rules.Specific.Selectors)
	e.heuristic = e.compileGroup(rules.Heuristic.Selectors)
	return e
}

// Rules returns the rules the extractor was built from.
func (e *Extractor) Rules() Rules { return e.rules }

func (e *Extractor) compileEach(sels []string) []compiled {
	out := make([]compiled, 0, len(sels))
	for _, s := range sels {
		m, err := cascadia.Compile(s)
		if err != nil {
			e.logger.Warn("question: selector skipped", "selector", s, "error", err)
			continue
		}
		out = append(out, compiled{source: s, matcher: m})
	}
	return out
}

// compileGroup compiles sels as one comma group so matches come back in
// document order, dropping members that do not compile on their own.
func (e *Extractor) compileGroup(sels []string) goquery.Matcher {
	valid := e.compileEach(sels)
	if len(valid) == 0 {
		return nil
	}
	parts := make([]string, len(valid))
	for i, c := range valid {
		parts[i] = c.source
	}
	m, err := cascadia.Compile(strings.Join(parts, ", "))
	if err != nil {
		e.logger.Warn("question: selector group skipped", "selectors", parts, "error", err)
		return nil
	}
	return m
}

// Extract runs the three passes over doc and returns the deduplicated
// candidates in pass order then document order.
func (e *Extractor) Extract(doc *goquery.Document, pageURL string, now time.Time) []Question {
	x := &extraction{
		rules:   e.rules,
		pageURL: pageURL,
		now:     now,
		seen:    make(map[string]struct{}),
	}

	// Containment pass.
	for _, c := range e.containers {
		if e.headings == nil {
			break
		}
		doc.FindMatcher(c.matcher).Each(func(_ int, container *goquery.Selection) {
			container.FindMatcher(e.headings).Each(func(_ int, el *goquery.Selection) {
				x.offer(el, c.source, e.rules.Containment, false)
			})
		})
	}

	// Specific-selector pass.
	for _, c := range e.specific {
		doc.FindMatcher(c.matcher).Each(func(_ int, el *goquery.Selection) {
			x.offer(el, c.source, e.rules.Specific, false)
		})
	}

	// Heuristic-content pass.
	if e.heuristic != nil {
		doc.FindMatcher(e.heuristic).Each(func(_ int, el *goquery.Selection) {
			x.offer(el, e.rules.HeuristicLabel, e.rules.Heuristic, true)
		})
	}

	e.logger.Debug("question: extracted", "url", pageURL, "count", len(x.out))
	return x.out
}

// ExtractHTML parses an HTML snapshot and extracts from it.
func (e *Extractor) ExtractHTML(r io.Reader, pageURL string, now time.Time) ([]Question, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("question: parse html: %w", err)
	}
	return e.Extract(goquery.NewDocumentFromNode(root), pageURL, now), nil
}

// ExtractBytes is ExtractHTML over an in-memory snapshot.
func (e *Extractor) ExtractBytes(data []byte, pageURL string, now time.Time) ([]Question, error) {
	return e.ExtractHTML(bytes.NewReader(data), pageURL, now)
}

type extraction struct {
	rules   Rules
	pageURL string
	now     time.Time
	seen    map[string]struct{}
	out     []Question
}

func (x *extraction) offer(el *goquery.Selection, selector string, pass Pass, mustAsk bool) {
	text := strings.TrimSpace(el.Text())
	if text == "" {
		return
	}
	if _, dup := x.seen[text]; dup {
		return
	}
	if !pass.accepts(text) {
		return
	}
	if mustAsk && !x.rules.looksLikeQuestion(text) {
		return
	}
	x.seen[text] = struct{}{}
	x.out = append(x.out, Question{
		ID:        idgen.QuestionID(text, x.pageURL),
		Text:      text,
		Timestamp: x.now,
		URL:       x.pageURL,
		Selector:  selector,
		Element:   strings.ToUpper(goquery.NodeName(el)),
	})
}
