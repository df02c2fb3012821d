package engine

import (
	"strings"
	"unicode"
)

// Stop words never count as entities even when they open a sentence
// capitalised.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {},
	"i": {}, "you": {}, "he": {}, "she": {}, "it": {}, "we": {}, "they": {},
	"what": {}, "when": {}, "where": {}, "who": {}, "how": {}, "why": {},
	"did": {}, "do": {}, "does": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"my": {}, "your": {}, "his": {}, "her": {}, "their": {}, "our": {},
	"about": {}, "tell": {}, "me": {}, "remember": {},
}

// detectEntities pulls entity-like tokens out of a query: capitalised words,
// quoted spans, and CJK runs of at least two characters. Tokens shorter than
// two runes or in the stop list are skipped.
func detectEntities(query string) []string {
	var entities []string
	seen := make(map[string]struct{})
	add := func(s string) {
		s = strings.TrimSpace(s)
		if len([]rune(s)) < 2 {
			return
		}
		if _, stop := stopWords[strings.ToLower(s)]; stop {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		entities = append(entities, s)
	}

	// Quoted spans are explicit entities.
	for _, quote := range []string{`"`, "“", "「"} {
		closer := map[string]string{`"`: `"`, "“": "”", "「": "」"}[quote]
		rest := query
		for {
			open := strings.Index(rest, quote)
			if open < 0 {
				break
			}
			rest = rest[open+len(quote):]
			end := strings.Index(rest, closer)
			if end < 0 {
				break
			}
			add(rest[:end])
			rest = rest[end+len(closer):]
		}
	}

	for _, tok := range strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		runes := []rune(tok)
		if unicode.IsUpper(runes[0]) {
			add(tok)
			continue
		}
		if cjkRunLength(runes) >= 2 {
			add(tok)
		}
	}
	return entities
}

func cjkRunLength(runes []rune) int {
	longest, run := 0, 0
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}

// trivialQuery reports whether a query is too thin to carry semantic meaning
// for the vector path.
func trivialQuery(query string) bool {
	fields := strings.Fields(query)
	return len(fields) <= 1 && len([]rune(strings.TrimSpace(query))) <= 3
}
