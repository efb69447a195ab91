// Package text normalizes and tokenizes memory text.
//
// Normalize produces the canonical form used for embedding cache keys, so
// "I live in Lahore" and "  i LIVE in lahore " share one embedding. Tokens
// and ContentTokens feed the lexical conversation-context overlap check.
package text

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC, Unicode case folding and whitespace collapsing.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	// A Caser keeps state between calls and is not safe to share.
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Tokens splits normalized text into letter/number runs.
func Tokens(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ContentTokens returns the distinct tokens of s that carry topic: stop
// words and tokens shorter than three runes are dropped.
func ContentTokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range Tokens(s) {
		if len([]rune(tok)) < 3 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "your": {}, "yours": {}, "all": {}, "any": {}, "can": {},
	"had": {}, "has": {}, "have": {}, "her": {}, "his": {}, "him": {},
	"how": {}, "its": {}, "our": {}, "out": {}, "she": {}, "was": {},
	"were": {}, "who": {}, "why": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "will": {}, "with": {}, "would": {}, "could": {},
	"should": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"them": {}, "they": {}, "their": {}, "there": {}, "then": {},
	"than": {}, "from": {}, "into": {}, "about": {}, "been": {},
	"being": {}, "did": {}, "does": {}, "doing": {}, "just": {},
	"like": {}, "mine": {}, "myself": {}, "some": {}, "such": {},
	"too": {}, "very": {}, "also": {}, "only": {}, "own": {}, "same": {},
	"tell": {}, "know": {}, "really": {}, "yes": {}, "okay": {},
}
