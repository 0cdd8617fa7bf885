// Package sanitize cleans simulator output and run messages before they are
// handed to MCP clients or embedded in Markdown reports. Captured streams can
// hold terminal escapes, stray control bytes and text that looks like
// markup; none of that should reach an agent's context verbatim.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxTextLength is the maximum length of a sanitized message.
const MaxTextLength = 2000

// MaxNameLength is the maximum length of a sanitized name.
const MaxNameLength = 80

// DefaultOutputTail is how much captured output Output keeps by default.
const DefaultOutputTail = 4096

var (
	// reANSI matches CSI and OSC terminal escape sequences.
	reANSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	// reXMLTag matches XML/HTML tags and processing instructions.
	reXMLTag = regexp.MustCompile(`<[/?!]?[a-zA-Z][a-zA-Z0-9]*(?:\s+[^>]*)?/?>|<\?[^?]*\?>`)

	reMarkdownHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reTripleBacktick    = regexp.MustCompile("```+")
	reExcessiveNewlines = regexp.MustCompile(`\n{3,}`)

	reRepeatedHyphens     = regexp.MustCompile(`-{2,}`)
	reRepeatedUnderscores = regexp.MustCompile(`_{2,}`)
)

// Output cleans captured simulator output and keeps at most the last max
// bytes, since the end of a log is where a failure shows. A non-positive max
// uses DefaultOutputTail. Line structure is preserved.
func Output(data []byte, max int) string {
	if len(data) == 0 {
		return ""
	}
	if max <= 0 {
		max = DefaultOutputTail
	}

	s := strings.ToValidUTF8(string(data), "�")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = reANSI.ReplaceAllString(s, "")
	s = stripControlChars(s)
	s = reTripleBacktick.ReplaceAllString(s, "`")

	if len(s) > max {
		cut := len(s) - max
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		s = fmt.Sprintf("...[%d bytes truncated]\n", cut) + s[cut:]
	}
	return s
}

// Text sanitizes a free-form message such as a case error: control
// characters, escape sequences, markup tags and Markdown headings are
// removed, and the result is capped at MaxTextLength.
func Text(input string) string {
	if input == "" {
		return ""
	}

	s := reANSI.ReplaceAllString(input, "")
	s = stripControlChars(s)
	s = reXMLTag.ReplaceAllString(s, "")
	s = reMarkdownHeading.ReplaceAllString(s, "- ")
	s = reTripleBacktick.ReplaceAllString(s, "`")
	s = reExcessiveNewlines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(s) > MaxTextLength {
		cut := MaxTextLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

// Name reduces a case id to [a-zA-Z0-9._-] so it can be used as a single
// path element. Runs of '-' or '_' collapse, and a name made only of dots
// becomes "_".
func Name(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == '/' || r == '\\' || r == ' ':
			b.WriteRune('_')
		}
	}
	s := b.String()
	s = reRepeatedHyphens.ReplaceAllString(s, "-")
	s = reRepeatedUnderscores.ReplaceAllString(s, "_")

	if len(s) > MaxNameLength {
		s = s[:MaxNameLength]
	}
	if strings.Trim(s, ".") == "" {
		return "_"
	}
	return s
}

// stripControlChars removes ASCII control characters (0x00-0x1F, 0x7F)
// except newline and tab.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r < 0x20 && r != '\n' && r != '\t') || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
