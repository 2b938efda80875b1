package queue

import "strings"

// minDuplicateTokens guards tiny texts where overlap ratios are meaningless.
const minDuplicateTokens = 5

// tokenSet lowercases and splits text into its distinct word tokens.
func tokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]")
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}

// overlapRatio is the share of candidate tokens also present in existing.
func overlapRatio(candidate, existing map[string]struct{}) float64 {
	if len(candidate) == 0 {
		return 0
	}
	shared := 0
	for tok := range candidate {
		if _, ok := existing[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(candidate))
}

// isDuplicate reports whether text overlaps any prior body at or above the
// threshold.
func isDuplicate(text string, priors []string, threshold float64) bool {
	if threshold <= 0 || threshold > 1 {
		return false
	}
	candidate := tokenSet(text)
	if len(candidate) < minDuplicateTokens {
		return false
	}
	for _, prior := range priors {
		if overlapRatio(candidate, tokenSet(prior)) >= threshold {
			return true
		}
	}
	return false
}
