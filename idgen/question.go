package idgen

import (
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

// QuestionPrefix tags every id produced by QuestionID.
const QuestionPrefix = "pe_"

// QuestionID derives the identifier of a piece of question text observed on
// pageURL. The text is normalised (lower-cased, whitespace runs collapsed,
// trimmed) and joined to the URL path with "|". The combined string is folded
// with a 32-bit rolling hash (h = h*31 + unit, wrapping) over its UTF-16 code
// units; the absolute value is base-36 encoded.
//
// Normalisation follows JavaScript's toLowerCase and \s, and the path is the
// WHATWG URL pathname, so ids match the ones a browser computes for the same
// page. Unicode table versions may still differ for newly assigned characters.
//
// The hash is not collision resistant. Two different texts on the same path
// can share an id, in which case the second is treated as already known.
func QuestionID(text, pageURL string) string {
	combined := NormalizeText(text) + "|" + urlPath(pageURL)
	return QuestionPrefix + strconv.FormatInt(abs32(rollingHash(combined)), 36)
}

// NormalizeText lower-cases s, collapses whitespace runs to one space and
// trims both ends.
func NormalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(lowerJS(s), isJSSpace), " ")
}

// isJSSpace reports whether r matches the JavaScript \s class.
func isJSSpace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', ' ', 0xA0, 0x1680,
		0x2028, 0x2029, 0x202F, 0x205F, 0x3000, 0xFEFF:
		return true
	}
	return r >= 0x2000 && r <= 0x200A
}

// lowerJS lower-cases like String.prototype.toLowerCase: full mapping for
// U+0130 and a final form for capital sigma at the end of a word.
func lowerJS(s string) string {
	if !strings.ContainsAny(s, "\u0130\u03A3") {
		return strings.ToLower(s)
	}
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 2)
	for i, r := range rs {
		switch {
		case r == 0x130:
			b.WriteString("i\u0307")
		case r == 0x3A3 && finalSigma(rs, i):
			b.WriteRune(0x3C2)
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// finalSigma reports whether the sigma at i closes a word: a cased letter
// precedes it and none follows, ignoring case-ignorable runes in between.
func finalSigma(rs []rune, i int) bool {
	before := false
	for j := i - 1; j >= 0; j-- {
		if caseIgnorable(rs[j]) {
			continue
		}
		before = cased(rs[j])
		break
	}
	if !before {
		return false
	}
	for j := i + 1; j < len(rs); j++ {
		if caseIgnorable(rs[j]) {
			continue
		}
		return !cased(rs[j])
	}
	return true
}

func cased(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsLower(r) || unicode.IsTitle(r)
}

func caseIgnorable(r rune) bool {
	switch r {
	case '\'', '.', ':', '^', '`', 0xB7, 0x2019:
		return true
	}
	return unicode.In(r, unicode.Mn, unicode.Me, unicode.Cf, unicode.Lm, unicode.Sk)
}

func rollingHash(s string) int32 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(unit)
	}
	return h
}

// abs32 widens before negating so math.MinInt32 stays positive.
func abs32(h int32) int64 {
	v := int64(h)
	if v < 0 {
		return -v
	}
	return v
}

var specialSchemes = map[string]bool{
	"http": true, "https": true, "ws": true, "wss": true, "ftp": true, "file": true,
}

// urlPath returns the WHATWG pathname of raw: backslashes act as slashes,
// dot segments are resolved and unsafe bytes are percent-encoded. An empty
// path is "/".
func urlPath(raw string) string {
	s := strings.TrimFunc(raw, func(r rune) bool { return r <= ' ' })
	s = strings.NewReplacer("\t", "", "\n", "", "\r", "").Replace(s)

	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || !validScheme(scheme) || !specialSchemes[strings.ToLower(scheme)] {
		return opaquePath(raw)
	}

	if end := strings.IndexAny(rest, "?#"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.ReplaceAll(rest, `\`, "/")
	rest = strings.TrimLeft(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return pathname(rest[i:])
	}
	return "/"
}

// opaquePath handles URLs outside the http family: the opaque part or the
// escaped path, "/" when empty. Unparseable input is hashed as-is.
func opaquePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return "/"
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

// pathname resolves the dot segments of p, which starts with "/".
func pathname(p string) string {
	segs := strings.Split(p[1:], "/")
	out := make([]string, 0, len(segs))
	for i, seg := range segs {
		last := i == len(segs)-1
		switch strings.ToLower(seg) {
		case "..", ".%2e", "%2e.", "%2e%2e":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			if last {
				out = append(out, "")
			}
		case ".", "%2e":
			if last {
				out = append(out, "")
			}
		default:
			out = append(out, escapeSegment(seg))
		}
	}
	return "/" + strings.Join(out, "/")
}

const upperhex = "0123456789ABCDEF"

// escapeSegment percent-encodes the bytes of the WHATWG path percent-encode
// set. Existing escapes are kept.
func escapeSegment(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c <= ' ' || c >= 0x7F || strings.IndexByte("\"#<>?`{}", c) >= 0 {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
