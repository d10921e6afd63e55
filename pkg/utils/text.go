package utils

import (
	"unicode/utf8"
)

// EstimateTokens approximates a BPE token count at four bytes per token,
// which is close enough for prompt budgeting of English prose.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TruncateUTF8 cuts s to at most limit bytes without splitting a rune.
func TruncateUTF8(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
