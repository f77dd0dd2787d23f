package avatar

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChunk is the largest chunk handed to a single speak call.
const DefaultMaxChunk = 100

// Chunk splits text into sentence-aligned pieces of at most max runes.
// Sentences end on '.', '!', '?' or '…'; consecutive sentences are packed
// together while they fit so short fragments are not spoken alone. A
// sentence longer than max is split on word boundaries. Joining the chunks
// with single spaces yields the input with whitespace normalized.
func Chunk(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxChunk
	}
	var chunks []string
	var cur string
	add := func(piece string) {
		switch {
		case cur == "":
			cur = piece
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(piece) <= max:
			cur += " " + piece
		default:
			chunks = append(chunks, cur)
			cur = piece
		}
	}
	for _, s := range sentences(text) {
		if utf8.RuneCountInString(s) <= max {
			add(s)
			continue
		}
		for _, w := range splitWords(s, max) {
			add(w)
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}

// sentences groups the whitespace-separated words of text into sentences.
func sentences(text string) []string {
	var out, words []string
	for _, w := range strings.Fields(text) {
		words = append(words, w)
		if endsSentence(w) {
			out = append(out, strings.Join(words, " "))
			words = words[:0]
		}
	}
	if len(words) > 0 {
		out = append(out, strings.Join(words, " "))
	}
	return out
}

func endsSentence(word string) bool {
	w := strings.TrimRight(word, `"')]”’`)
	if w == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(w)
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// splitWords packs the words of an over-long sentence into pieces of at most
// max runes. A single word longer than max is kept whole.
func splitWords(sentence string, max int) []string {
	var out []string
	var b strings.Builder
	for _, w := range strings.Fields(sentence) {
		if b.Len() > 0 && utf8.RuneCountInString(b.String())+1+utf8.RuneCountInString(w) > max {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
