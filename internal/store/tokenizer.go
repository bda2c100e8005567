package store

import (
	"regexp"
	"strings"
)

// tokenRegex matches alphanumeric sequences.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// defaultStopWords are terms excluded from lexical scoring. The list
// stays small: aggressive stop word removal hurts short queries.
var defaultStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "in": {}, "is": {},
	"it": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "with": {},
}

// Tokenize lowercases text and splits it into scoring terms, dropping
// stop words and single-character tokens.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) < 2 {
			continue
		}
		if _, stop := defaultStopWords[lower]; stop {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

// NormalizeQuery canonicalizes a query for cache keying: lowercased,
// tokenized, and re-joined with single spaces. Queries differing only
// in whitespace or casing normalize identically.
func NormalizeQuery(query string) string {
	words := tokenRegex.FindAllString(query, -1)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, " ")
}
