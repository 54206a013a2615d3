package utils

import (
	"strings"
	"unicode"
)

// SanitizeString drops control characters other than newline and tab and
// trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateString cuts s to at most maxRunes runes, ending in "..." when cut.
func TruncateString(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(r[:maxRunes])
	}
	return string(r[:maxRunes-3]) + "..."
}

// MaskSensitive keeps the first visible characters of a secret.
func MaskSensitive(s string, visible int) string {
	if len(s) <= visible {
		return strings.Repeat("*", len(s))
	}
	return s[:visible] + strings.Repeat("*", len(s)-visible)
}
