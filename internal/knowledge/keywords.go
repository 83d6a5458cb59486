package knowledge

import (
	"regexp"
	"slices"
	"strings"
)

var wordPattern = regexp.MustCompile(`\b[a-zA-Z]{3,}\b`)

var stopWords = makeSet(
	"a", "an", "the", "and", "or", "but", "in", "on", "at", "to", "for", "of",
	"with", "by", "from", "as", "is", "was", "are", "were", "been", "be", "have",
	"has", "had", "do", "does", "did", "will", "would", "could", "should", "may",
	"might", "must", "shall", "can", "need", "this", "that", "these", "those",
	"it", "its", "i", "you", "he", "she", "we", "they", "me", "him", "her", "us",
	"them", "my", "your", "his", "our", "their", "what", "which", "who", "whom",
	"when", "where", "why", "how", "all", "each", "every", "both", "few", "more",
	"most", "other", "some", "such", "no", "nor", "not", "only", "own", "same",
	"so", "than", "too", "very", "just", "also", "now", "here", "there",
)

func makeSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// ExtractKeywords returns up to limit lowercase keywords of text, most
// frequent first. Ties keep first-occurrence order.
func ExtractKeywords(text string, limit int) []string {
	counts := make(map[string]int)
	var order []string
	for _, w := range wordPattern.FindAllString(text, -1) {
		w = strings.ToLower(w)
		if _, stop := stopWords[w]; stop {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	slices.SortStableFunc(order, func(a, b string) int {
		return counts[b] - counts[a]
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}
