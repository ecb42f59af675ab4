// Package sentence splits experience summaries into sentences for
// candidate extraction.
package sentence

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinLength is the shortest sentence, in characters, worth classifying.
const MinLength = 5

// A sentence is a run of non-terminators followed by any terminators.
var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]*`)

// Split breaks text on sentence-ending punctuation. Terminators stay
// attached to their sentence; surrounding whitespace is trimmed and empty
// pieces are dropped.
func Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []string
	for _, m := range sentenceRe.FindAllString(text, -1) {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Candidates returns the sentences of text that are at least MinLength
// characters long.
func Candidates(text string) []string {
	var out []string
	for _, s := range Split(text) {
		if utf8.RuneCountInString(s) >= MinLength {
			out = append(out, s)
		}
	}
	return out
}
