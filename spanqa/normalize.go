package spanqa

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeQuestion performs Unicode normalization and strips the leading
// whitespace some datasets carry in front of questions.
func NormalizeQuestion(text string) string {
	normed := norm.NFKC.String(text)
	normed = strings.TrimLeftFunc(normed, unicode.IsSpace)
	// Drop internal control characters except newlines and tabs.
	normed = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, normed)
	return normed
}
