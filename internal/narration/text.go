// Package narration prepares story page text for speech synthesis.
package narration

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	whitespaceRegexPattern   = `\s+`
	abbreviationRegexPattern = `\b(Mrs|Mr|Ms|Dr|St)\.`
	promptPrefix             = "Read this story page warmly and expressively: "
)

// abbreviations maps a title abbreviation, without its full stop, to its spoken form.
var abbreviations = map[string]string{
	"Mr":  "Mister",
	"Mrs": "Missus",
	"Ms":  "Miz",
	"Dr":  "Doctor",
	"St":  "Saint",
}

// Punctuation characters normalised before synthesis.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Preparer normalises page text so the speech model reads it naturally.
type Preparer struct {
	whitespacePattern   *regexp.Regexp
	abbreviationPattern *regexp.Regexp
	punctuationReplacer *strings.Replacer
}

// NewPreparer creates a preparer with compiled patterns.
func NewPreparer() *Preparer {
	return &Preparer{
		whitespacePattern:   regexp.MustCompile(whitespaceRegexPattern),
		abbreviationPattern: regexp.MustCompile(abbreviationRegexPattern),
		punctuationReplacer: strings.NewReplacer(
			emDash, ", ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Prepare returns the normalised page text.
func (p *Preparer) Prepare(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	prepared := p.expandAbbreviations(text)
	prepared = p.punctuationReplacer.Replace(prepared)
	prepared = strings.TrimSpace(p.whitespacePattern.ReplaceAllString(prepared, " "))
	prepared = collapseRepeatedMarks(prepared)

	return ensureSentenceEnding(prepared)
}

// Prompt wraps prepared page text in the narration instruction.
func (p *Preparer) Prompt(text string) string {
	return promptPrefix + p.Prepare(text)
}

// expandAbbreviations spells out titles only where they start a word, so "DMs." is left alone.
func (p *Preparer) expandAbbreviations(text string) string {
	return p.abbreviationPattern.ReplaceAllStringFunc(text, func(match string) string {
		return abbreviations[strings.TrimSuffix(match, ".")]
	})
}

// collapseRepeatedMarks turns "!!!" into "!" but keeps ellipses intact.
func collapseRepeatedMarks(text string) string {
	var (
		builder strings.Builder
		last    rune
	)

	builder.Grow(len(text))

	for _, char := range text {
		if char == last && (char == '!' || char == '?' || char == ',') {
			continue
		}

		builder.WriteRune(char)
		last = char
	}

	return builder.String()
}

func ensureSentenceEnding(text string) string {
	lastChar, _ := utf8.DecodeLastRuneInString(text)
	if !unicode.IsPunct(lastChar) {
		return text + "."
	}

	switch lastChar {
	case '.', '!', '?', '"', '\'':
		return text
	default:
		return text + "."
	}
}
