package conversation

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// similarityScore combines three fuzzy string measures on a 0-100
// scale and returns their maximum, the same "best of several ratios"
// strategy fuzzywuzzy-style matchers use to tolerate both misspellings
// and word-order differences between a spoken name and the one on
// file.
func similarityScore(spoken, onFile string) float64 {
	a := strings.ToLower(strings.TrimSpace(spoken))
	b := strings.ToLower(strings.TrimSpace(onFile))
	if a == "" || b == "" {
		return 0
	}

	scores := []float64{
		fullRatio(a, b),
		partialRatio(a, b),
		tokenSortRatio(a, b),
	}

	best := scores[0]
	for _, s := range scores[1:] {
		if s > best {
			best = s
		}
	}
	return best
}

// fullRatio scores the two strings as a whole using Jaro-Winkler
// similarity, scaled from matchr's 0-1 range to 0-100.
func fullRatio(a, b string) float64 {
	return matchr.JaroWinkler(a, b, false) * 100
}

// partialRatio scores the best-aligned substring of the longer string
// against the shorter one, so "Jon" matches well inside "Jonathan".
func partialRatio(a, b string) float64 {
	shorter, longer := a, b
	if len(a) > len(b) {
		shorter, longer = b, a
	}
	if len(shorter) == 0 {
		return 0
	}
	if len(shorter) >= len(longer) {
		return fullRatio(a, b)
	}

	best := 0.0
	windowLen := len(shorter)
	for i := 0; i+windowLen <= len(longer); i++ {
		window := longer[i : i+windowLen]
		if s := fullRatio(shorter, window); s > best {
			best = s
		}
	}
	return best
}

// tokenSortRatio scores the two strings after independently sorting
// each one's whitespace-separated tokens, so word order (e.g. "Smith
// John" spoken vs "John Smith" on file) does not depress the score.
func tokenSortRatio(a, b string) float64 {
	return fullRatio(sortedTokens(a), sortedTokens(b))
}

func sortedTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
