// Package sanitize cleans user-submitted chat text.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the longest message, in characters, that is stored.
const MaxMessageLength = 1000

// scriptBlock matches a whole <script>...</script> element, shortest first.
// Best effort only; this is not an HTML parser.
var scriptBlock = regexp.MustCompile(`(?is)<script\b.*?</script\s*>`)

// Message strips script blocks, trims surrounding whitespace and caps the
// result at MaxMessageLength characters. Applying it twice gives the same
// result as applying it once.
func Message(raw string) string {
	s := raw
	// stripping can splice a new block together, so repeat until stable
	for {
		next := scriptBlock.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}

	s = strings.TrimSpace(s)
	s = Truncate(s, MaxMessageLength)
	return strings.TrimSpace(s)
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
