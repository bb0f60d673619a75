package question

import "strings"

// Pass configures one extraction pass.
type Pass struct {
	// Selectors are CSS selectors evaluated against the document.
	Selectors []string `yaml:"selectors" json:"selectors"`
	// MinLen and MaxLen bound the text length, both exclusive.
	MinLen int `yaml:"min_len" json:"min_len"`
	MaxLen int `yaml:"max_len" json:"max_len"`
	// Deny lists case-insensitive substrings that reject a candidate.
	Deny []string `yaml:"deny" json:"deny"`
}

// Rules is the full extraction configuration. The zero value is not useful;
// start from DefaultRules.
type Rules struct {
	// Containment: find Containers, then Headings inside each.
	Containment Pass     `yaml:"containment" json:"containment"`
	Headings    []string `yaml:"headings" json:"headings"`

	// Specific: site-specific question selectors.
	Specific Pass `yaml:"specific" json:"specific"`

	// Heuristic: broad selectors whose text must also look like a question.
	Heuristic Pass `yaml:"heuristic" json:"heuristic"`
	// QuestionWords qualify a heuristic candidate when present (any case).
	QuestionWords []string `yaml:"question_words" json:"question_words"`
	// QuestionPhrases also qualify a heuristic candidate.
	QuestionPhrases []string `yaml:"question_phrases" json:"question_phrases"`
	// HeuristicLabel is reported as the Selector of heuristic matches.
	HeuristicLabel string `yaml:"heuristic_label" json:"heuristic_label"`
}

// baseDeny filters navigation chrome, response confirmations, loading
// indicators and pollwatch's own notification strings.
var baseDeny = []string{
	"response saved",
	"response recorded",
	"you chose",
	"dismiss",
	"open poll",
	"poll everywhere notifier",
	"join presentation",
	"presenter's username",
	"recent presentations",
	"enter your response",
	"loading",
	"please wait",
}

func withDeny(extra ...string) []string {
	out := make([]string, 0, len(extra)+len(baseDeny))
	out = append(out, extra...)
	return append(out, baseDeny...)
}

// DefaultRules returns the built-in Poll Everywhere heuristics.
func DefaultRules() Rules {
	return Rules{
		Containment: Pass{
			Selectors: []string{
				`main[id="main-content"]`,
				`[class*="bg-participate"]`,
				`[class*="participate"]`,
				`[data-participate]`,
				`.poll-card`,
				`[role="main"]`,
			},
			MinLen: 10,
			MaxLen: 500,
			Deny:   withDeny("poll everywhere", "navigation", "menu"),
		},
		Headings: []string{`h1`, `h2`, `h3`, `[class*="question"]`, `[class*="title"]`},
		Specific: Pass{
			Selectors: []string{
				`[class*="Question"]`,
				`[data-cy*="question"]`,
				`[data-testid*="question"]`,
				`.poll-question-text`,
				`.question-content`,
				`[class*="poll-title"]`,
			},
			MinLen: 5,
			MaxLen: 1000,
			Deny:   withDeny(),
		},
		Heuristic: Pass{
			Selectors: []string{
				`[class*="question"]`,
				`[class*="poll"]`,
				`[class*="response"]`,
				`[class*="statement"]`,
			},
			MinLen: 20,
			MaxLen: 500,
			Deny:   withDeny("skip to", "navigation", "menu", "recorded", "participate"),
		},
		QuestionWords:   []string{"which", "what", "how", "when", "where", "why"},
		QuestionPhrases: []string{"statements about", "read the following"},
		HeuristicLabel:  "question-container",
	}
}

// Merge fills every empty field of r from def.
func (r Rules) Merge(def Rules) Rules {
	r.Containment = r.Containment.merge(def.Containment)
	r.Specific = r.Specific.merge(def.Specific)
	r.Heuristic = r.Heuristic.merge(def.Heuristic)
	if len(r.Headings) == 0 {
		r.Headings = def.Headings
	}
	if len(r.QuestionWords) == 0 {
		r.QuestionWords = def.QuestionWords
	}
	if len(r.QuestionPhrases) == 0 {
		r.QuestionPhrases = def.QuestionPhrases
	}
	if r.HeuristicLabel == "" {
		r.HeuristicLabel = def.HeuristicLabel
	}
	return r
}

func (p Pass) merge(def Pass) Pass {
	if len(p.Selectors) == 0 {
		p.Selectors = def.Selectors
	}
	if p.MinLen == 0 {
		p.MinLen = def.MinLen
	}
	if p.MaxLen == 0 {
		p.MaxLen = def.MaxLen
	}
	if len(p.Deny) == 0 {
		p.Deny = def.Deny
	}
	return p
}

// accepts applies the length bounds and the denylist.
func (p Pass) accepts(text string) bool {
	n := textLen(text)
	if n <= p.MinLen || n >= p.MaxLen {
		return false
	}
	lower := strings.ToLower(text)
	for _, d := range p.Deny {
		if strings.Contains(lower, d) {
			return false
		}
	}
	return true
}

// looksLikeQuestion reports whether text carries a question mark, a
// question word or one of the question phrases.
func (r Rules) looksLikeQuestion(text string) bool {
	if strings.Contains(text, "?") {
		return true
	}
	lower := strings.ToLower(text)
	for _, w := range r.QuestionWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	for _, p := range r.QuestionPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
