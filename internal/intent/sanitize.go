package intent

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxTextLength bounds the justification text, in characters, accepted for
// LLM parsing.
const MaxTextLength = 1000

// Severity ranks detected injection attempts.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "none"
	}
}

type injectionPattern struct {
	re       *regexp.Regexp
	severity Severity
	strip    bool
}

var injectionPatterns = []injectionPattern{
	// Instruction overrides and chat-template delimiters.
	{regexp.MustCompile(`(?i)\b(ignore|forget)\s+(all\s+)?(previous|all|above|prior)\s+(instructions?|prompts?|rules?)`), SeverityHigh, true},
	{regexp.MustCompile(`(?i)system\s*:\s*you\s+are`), SeverityHigh, true},
	{regexp.MustCompile(`<\|im_start\|>`), SeverityHigh, true},
	{regexp.MustCompile(`<\|im_end\|>`), SeverityHigh, true},
	{regexp.MustCompile(`(?i)\[/?INST\]`), SeverityHigh, true},

	{regexp.MustCompile(`(?i)\byou\s+must\s+(always|never|only)\b`), SeverityMedium, true},
	{regexp.MustCompile(`(?i)\boverride\s+(the\s+)?(system|previous|original)\b`), SeverityMedium, true},
	{regexp.MustCompile(`(?i)\bdisregard\s+(the\s+|all\s+)?(system|previous|original|above)\b`), SeverityMedium, true},

	{regexp.MustCompile(`(?i)\b(execute|run|eval)\s+(code|command|script)\b`), SeverityLow, false},
	{regexp.MustCompile(`(?i)\b(reveal|show|output)\s+(your|the)\s+(prompt|system|instructions)\b`), SeverityLow, false},
}

var whitespace = regexp.MustCompile(`\s+`)

// Sanitized is the outcome of Sanitize.
type Sanitized struct {
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
	Matches  []string `json:"matches,omitempty"`
}

// Sanitize strips high and medium severity injection phrases and collapses
// whitespace. It returns an error for empty or oversized text and for any
// high severity match; the returned Sanitized is still usable by the
// rule-based extractor in those cases.
func Sanitize(text string) (Sanitized, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Sanitized{}, ErrEmptyText
	}

	var tooLong bool
	chars := utf8.RuneCountInString(trimmed)
	if chars > MaxTextLength {
		tooLong = true
		trimmed = string([]rune(trimmed)[:MaxTextLength])
	}

	out := Sanitized{Text: trimmed}
	for _, p := range injectionPatterns {
		found := p.re.FindAllString(out.Text, -1)
		if len(found) == 0 {
			continue
		}
		out.Matches = append(out.Matches, found...)
		if p.severity > out.Severity {
			out.Severity = p.severity
		}
		if p.strip {
			out.Text = p.re.ReplaceAllString(out.Text, " ")
		}
	}
	out.Text = strings.TrimSpace(whitespace.ReplaceAllString(out.Text, " "))

	switch {
	case tooLong:
		return out, fmt.Errorf("%w: %d > %d characters", ErrTextTooLong, chars, MaxTextLength)
	case out.Severity == SeverityHigh:
		return out, fmt.Errorf("%w: %q", ErrInjectionDetected, out.Matches[0])
	case out.Text == "":
		return out, ErrEmptyText
	}
	return out, nil
}
