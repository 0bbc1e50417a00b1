// Package skills ships the built-in skill set. Implementations are
// self-contained heuristics so a fresh deployment has working skills without
// extra model calls; each can be replaced in the registry by a model-backed
// version.
package skills

import (
	"regexp"
	"sort"
	"strings"

	"github.com/calderahq/caldera"
)

// Builtins returns one instance of every built-in skill.
func Builtins() []caldera.Skill {
	return []caldera.Skill{
		NewSummarize(),
		NewTranslate(),
		NewSentiment(),
		NewExtractEntities(),
		NewKeywords(),
		NewClassify(),
		NewQuestionAnswering(),
		NewModeration(),
	}
}

// RegisterBuiltins registers all built-in skills.
func RegisterBuiltins(r *caldera.SkillRegistry) error {
	for _, s := range Builtins() {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

var (
	wordRe     = regexp.MustCompile(`[a-zA-Z][a-zA-Z'-]*`)
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]?`)
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "has": true, "was": true,
	"were": true, "are": true, "is": true, "be": true, "been": true,
	"will": true, "would": true, "could": true, "should": true, "you": true,
	"your": true, "they": true, "their": true, "them": true, "there": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"how": true, "why": true, "about": true, "into": true, "over": true,
	"after": true, "before": true, "also": true, "than": true, "then": true,
	"some": true, "such": true, "can": true, "may": true, "not": true,
	"but": true, "its": true, "it's": true, "a": true, "an": true, "of": true,
	"in": true, "on": true, "to": true, "as": true, "at": true, "by": true,
	"or": true, "it": true, "we": true, "he": true, "she": true, "his": true,
	"her": true, "do": true, "does": true, "did": true, "more": true,
	"most": true, "very": true, "just": true, "any": true, "all": true,
}

// tokenize lowercases text and returns its word tokens.
func tokenize(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

// contentWords returns non-stopword tokens.
func contentWords(text string) []string {
	var out []string
	for _, w := range tokenize(text) {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// sentences splits text into trimmed sentences.
func sentences(text string) []string {
	var out []string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// overlap counts how many words of a appear in b's word set.
func overlap(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, w := range b {
		set[w] = true
	}
	n := 0
	for _, w := range a {
		if set[w] {
			n++
		}
	}
	return n
}

// topByCount returns the n highest-frequency entries, ties alphabetical.
func topByCount(freq map[string]int, n int) []string {
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}
