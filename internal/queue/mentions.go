package queue

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]{2,})`)

// CanonicalizeMentions rewrites @handle tokens to the canonical stored
// casing. resolve looks a handle up case-insensitively and returns the
// canonical name. Unresolvable mentions are left untouched. Handles may end
// in punctuation that belongs to the sentence, so a trimmed candidate is
// tried when the raw capture does not resolve.
func CanonicalizeMentions(text string, resolve func(handle string) (string, bool)) string {
	return mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		raw := m[1:]
		for _, candidate := range []string{raw, strings.TrimRight(raw, "._-")} {
			if len(candidate) < 2 {
				continue
			}
			if canonical, ok := resolve(candidate); ok {
				return "@" + canonical + raw[len(candidate):]
			}
		}
		return m
	})
}
