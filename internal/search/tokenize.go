package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// titleBoost is added to a token's weight for every occurrence in the title.
const titleBoost = 3

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "but": true,
	"by": true, "for": true, "from": true, "has": true, "have": true, "if": true, "in": true, "into": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true, "not": true, "that": true,
	"the": true, "their": true, "then": true, "there": true, "these": true, "they": true, "this": true,
	"to": true, "was": true, "were": true, "will": true, "with": true, "we": true, "you": true,
}

// Tokenize splits text into lower-cased letter and digit runs and counts
// them. Single characters and stop words are dropped.
func Tokenize(text string) map[string]int {
	out := make(map[string]int)

	for _, word := range strings.FieldsFunc(text, isSeparator) {
		word = strings.ToLower(word)
		if utf8.RuneCountInString(word) < 2 || stopWords[word] {
			continue
		}

		out[word]++
	}

	return out
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// pageTokens weights body tokens by frequency and boosts title tokens.
func pageTokens(title, body string) map[string]int {
	out := Tokenize(body)

	for token, n := range Tokenize(title) {
		out[token] += n * titleBoost
	}

	return out
}

// NormalizeKeyword lower-cases a keyword and collapses inner whitespace.
func NormalizeKeyword(k string) string {
	return strings.Join(strings.Fields(strings.ToLower(k)), " ")
}
