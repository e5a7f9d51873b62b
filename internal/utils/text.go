package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CollapseSpace replaces every run of whitespace with a single space and trims the ends.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateWords shortens s to at most max runes, cutting at the last word
// boundary when one exists past the halfway mark.
func TruncateWords(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)[:max]
	cut := string(runes)
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRightFunc(cut, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

// ToValidUTF8 drops invalid byte sequences and NUL bytes.
func ToValidUTF8(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.ReplaceAll(s, "\x00", "")
}
