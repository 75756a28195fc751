// Package extract pulls structured field values out of free-text utterances
// using a fixed keyword table.
package extract

import "strings"

// MaxValueLen bounds an extracted value, in runes.
const MaxValueLen = 150

type category struct {
	name     string
	tagWords []string
	triggers []string
}

// Order matters: the first matching category wins.
var categories = []category{
	{"pain", []string{"pain", "hurt", "ache"}, []string{"pain", "hurt", "ache", "sore", "tender"}},
	{"symptom", []string{"symptom", "feel"}, []string{"feel", "symptom", "experience", "having", "suffering"}},
	{"duration", []string{"duration", "time", "when"}, []string{"since", "days", "weeks", "months", "ago", "started"}},
	{"medication", []string{"medication", "medicine", "drug"}, []string{"taking", "medication", "medicine", "pill", "drug", "prescribed"}},
	{"compliance", []string{"compliance", "taking"}, []string{"taking", "yes", "no", "regularly", "sometimes", "forgot"}},
	{"side_effect", []string{"side", "effect", "reaction"}, []string{"side", "effect", "reaction", "nausea", "upset", "dizzy"}},
	{"frequency", []string{"frequency", "often"}, []string{"often", "sometimes", "always", "rarely", "frequency"}},
	{"hydration", []string{"hydration", "fluid", "water"}, []string{"water", "fluid", "drink", "hydrated"}},
}

// Fields returns a value for every expected tag whose category matches both
// the tag and the utterance. Unmatched tags are absent from the result.
func Fields(text string, expected []string) map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(text) == "" || len(expected) == 0 {
		return out
	}
	lowered := strings.ToLower(text)
	value := truncate(text, MaxValueLen)
	for _, tag := range expected {
		if Category(tag, lowered) != "" {
			out[tag] = value
		}
	}
	return out
}

// Category names the first category matching tag and the already lowercased
// utterance, or "" when none does.
func Category(tag, loweredText string) string {
	t := strings.ToLower(tag)
	for _, c := range categories {
		if containsAny(t, c.tagWords) && containsAny(loweredText, c.triggers) {
			return c.name
		}
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
