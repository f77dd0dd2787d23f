package speech

import (
	"strings"
	"unicode"
)

// isContinuationLikely returns true if the last meaningful word indicates the
// speaker is likely to continue (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Prepositions that are awkward sentence endings
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
