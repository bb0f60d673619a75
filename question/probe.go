package question

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// ProbeResult describes what one selector matches in a document.
type ProbeResult struct {
	Selector string   `json:"selector"`
	Pass     string   `json:"pass"`
	Matches  int      `json:"matches"`
	Samples  []string `json:"samples,omitempty"`
	Error    string   `json:"error,omitempty"`
}

const probeSamples = 3
const probeSampleLen = 100

// Probe evaluates every selector in rules against doc and reports match
// counts with a few sample texts. It does not filter; it shows what the
// extractor would start from.
func Probe(doc *goquery.Document, rules Rules) []ProbeResult {
	var out []ProbeResult
	add := func(pass string, sels []string) {
		for _, s := range sels {
			out = append(out, probeOne(doc, pass, s))
		}
	}
	add("containment", rules.Containment.Selectors)
	add("heading", rules.Headings)
	add("specific", rules.Specific.Selectors)
	add("heuristic", rules.Heuristic.Selectors)
	return out
}

func probeOne(doc *goquery.Document, pass, sel string) ProbeResult {
	r := ProbeResult{Selector: sel, Pass: pass}
	m, err := cascadia.Compile(sel)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	found := doc.FindMatcher(m)
	r.Matches = found.Length()
	found.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return true
		}
		r.Samples = append(r.Samples, Truncate(text, probeSampleLen))
		return len(r.Samples) < probeSamples
	})
	return r
}
