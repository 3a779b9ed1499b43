package spanqa

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Metrics holds SQuAD-style aggregate scores over examples with gold answers.
type Metrics struct {
	ExactMatch float64 `json:"exact_match"`
	F1         float64 `json:"f1"`
	Count      int     `json:"count"`
}

// Evaluate compares predicted answers against gold answers. Examples without a
// gold answer are skipped; scores are percentages over the rest.
func Evaluate(examples []Example, answers map[string]string) Metrics {
	var m Metrics
	var em, f1 float64
	for _, ex := range examples {
		if ex.Answer == nil {
			continue
		}
		m.Count++
		pred := normalizeAnswer(answers[ex.ID])
		gold := normalizeAnswer(ex.Answer.Text)
		if pred == gold {
			em++
		}
		f1 += tokenF1(answerTokens(pred), answerTokens(gold))
	}
	if m.Count > 0 {
		m.ExactMatch = 100 * em / float64(m.Count)
		m.F1 = 100 * f1 / float64(m.Count)
	}
	return m
}

// normalizeAnswer lowercases, NFKC-normalizes, strips punctuation and collapses
// whitespace before comparison.
func normalizeAnswer(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// answerTokens splits a normalized answer into comparison units: whitespace
// tokens for segmented text, individual runes for unsegmented (CJK) text.
func answerTokens(s string) []string {
	fields := strings.Fields(s)
	if len(fields) > 1 {
		return fields
	}
	runes := []rune(s)
	if len(runes) <= 1 {
		return fields
	}
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			out := make([]string, len(runes))
			for i, rr := range runes {
				out[i] = string(rr)
			}
			return out
		}
	}
	return fields
}

// tokenF1 is the harmonic mean of token precision and recall.
func tokenF1(pred, gold []string) float64 {
	if len(pred) == 0 || len(gold) == 0 {
		// Both empty counts as a match, like exact match on empty strings.
		if len(pred) == len(gold) {
			return 1
		}
		return 0
	}
	counts := make(map[string]int, len(gold))
	for _, t := range gold {
		counts[t]++
	}
	var common int
	for _, t := range pred {
		if counts[t] > 0 {
			counts[t]--
			common++
		}
	}
	if common == 0 {
		return 0
	}
	precision := float64(common) / float64(len(pred))
	recall := float64(common) / float64(len(gold))
	return 2 * precision * recall / (precision + recall)
}
