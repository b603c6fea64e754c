package identity

import (
	"regexp"
	"strings"
)

// Introduction phrasings the extractor recognizes. Matching is done on
// the lowercased text, the captured word is then title-cased.
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`my name is (\w+)`),
	regexp.MustCompile(`i'm (\w+)`),
	regexp.MustCompile(`i am (\w+)`),
	regexp.MustCompile(`call me (\w+)`),
	regexp.MustCompile(`this is (\w+)`),
	regexp.MustCompile(`it's (\w+)`),
}

// Words that show up after "i'm" without being a name.
var nameStopWords = map[string]bool{
	"not": true, "sure": true, "here": true, "back": true, "good": true,
	"fine": true, "okay": true, "ok": true, "sorry": true, "ready": true, "busy": true,
	"tired": true, "done": true, "home": true, "hungry": true, "going": true,
	"just": true, "still": true, "really": true,
}

var affirmativeWords = []string{"yes", "yeah", "yep", "correct", "right", "ok"}

var negativeWords = []string{"no", "nope", "wrong", "not"}

// ExtractName pulls a speaker name out of an introduction like
// "hey, my name is Alice". Returns "" when no plausible name is found.
func ExtractName(text string) string {
	lower := strings.ToLower(text)
	for _, pattern := range namePatterns {
		m := pattern.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		candidate := m[1]
		if len(candidate) < 2 || nameStopWords[candidate] || !isAlpha(candidate) {
			continue
		}
		return strings.ToUpper(candidate[:1]) + candidate[1:]
	}
	return ""
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// IsAffirmative reports whether text reads as a yes.
func IsAffirmative(text string) bool {
	return containsAny(text, affirmativeWords)
}

// IsNegative reports whether text reads as a no. Checked before
// IsAffirmative since "not right" contains both.
func IsNegative(text string) bool {
	return containsAny(text, negativeWords)
}

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, w := range words {
		for _, field := range strings.Fields(lower) {
			if strings.Trim(field, ".,!?") == w {
				return true
			}
		}
	}
	return false
}
