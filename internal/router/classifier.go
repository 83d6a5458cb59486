package router

import "strings"

var questionPrefixes = []string{
	"what", "why", "how", "when", "where", "who", "which",
	"can you", "could you", "would you",
	"tell me", "explain", "describe", "walk me through",
	"give me an example",
}

var questionPhrases = []string{
	"tell me about",
	"walk me through",
	"describe your experience",
}

// IsQuestion reports whether text reads as a question directed at the
// listener. Rules are checked in order and the first match wins.
func IsQuestion(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	if strings.Contains(t, "?") {
		return true
	}
	for _, p := range questionPrefixes {
		if rest, ok := strings.CutPrefix(t, p); ok && (rest == "" || !isLetter(rest[0])) {
			return true
		}
	}
	for _, p := range questionPhrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '\''
}
