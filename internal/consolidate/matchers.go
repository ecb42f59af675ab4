package consolidate

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rcliao/memory-engine/internal/model"
)

// Matcher classifies one sentence of an experience. It returns the cell
// type the sentence should become, or false to pass.
type Matcher func(sentence string, exp model.Experience) (string, bool)

// DefaultMatchers are evaluated in order; the first match wins.
var DefaultMatchers = []Matcher{MatchRule, MatchPreference, MatchPolicy, MatchFact}

var (
	ruleRe       = regexp.MustCompile(`(?i)\b(always|never|must|should)\b`)
	preferenceRe = regexp.MustCompile(`(?i)\b(prefer|i want|i need|i like)`)
	factRe       = regexp.MustCompile(`(?i)^\S.*?\s+is\s+\S`)
)

// MaxFactLength bounds sentences the fact matcher accepts.
const MaxFactLength = 200

var policyMarkers = []string{"governance", "policy", "violation"}

// MatchRule matches imperative sentences.
func MatchRule(sentence string, _ model.Experience) (string, bool) {
	return model.CellRule, ruleRe.MatchString(sentence)
}

// MatchPreference matches user-stated preferences.
func MatchPreference(sentence string, exp model.Experience) (string, bool) {
	return model.CellPreference, exp.Source == model.SourceUser && preferenceRe.MatchString(sentence)
}

// MatchPolicy matches any sentence of an experience tagged with a
// governance, policy or violation key.
func MatchPolicy(_ string, exp model.Experience) (string, bool) {
	for _, k := range exp.ContextKeys {
		for _, m := range policyMarkers {
			if strings.Contains(k, m) {
				return model.CellPolicy, true
			}
		}
	}
	return "", false
}

// MatchFact matches short "X is Y" statements.
func MatchFact(sentence string, _ model.Experience) (string, bool) {
	return model.CellFact, utf8.RuneCountInString(sentence) < MaxFactLength && factRe.MatchString(sentence)
}

// classify runs matchers in order.
func classify(matchers []Matcher, sentence string, exp model.Experience) (string, bool) {
	for _, m := range matchers {
		if t, ok := m(sentence, exp); ok {
			return t, true
		}
	}
	return "", false
}

// titleWords is the lower-cased word set of s.
func titleWords(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// MinSharedTitleWords is how many title words two cells must share before
// their bodies are compared for negation.
const MinSharedTitleWords = 2

// contradicts reports whether two cells of the same scene and type state
// opposite things: their titles share enough words and exactly one body
// contains the word "not".
func contradicts(titleA, bodyA, titleB, bodyB string) bool {
	a, b := titleWords(titleA), titleWords(titleB)
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	if shared < MinSharedTitleWords {
		return false
	}
	return titleWords(bodyA)["not"] != titleWords(bodyB)["not"]
}
