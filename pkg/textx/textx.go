// Package textx provides small text utilities used across the runner.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims
// surrounding whitespace. Page snippets scraped by browser drivers often
// carry NULs and escape sequences that would pollute terminals and logs.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// CollapseSpaces folds runs of whitespace into single spaces. Useful for
// matching signature phrases against scraped page text.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
