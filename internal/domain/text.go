package domain

import "strings"

// TruncationMarker ends text cut by Truncate.
const TruncationMarker = "…"

// Excerpt collapses whitespace runs to single spaces, trims, and caps the
// result at max runes.
func Excerpt(s string, max int) string {
	return Truncate(strings.Join(strings.Fields(s), " "), max)
}

// Truncate caps s at max runes. Cut text ends with TruncationMarker, which
// counts toward max.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return TruncationMarker
	}
	return strings.TrimRight(string(runes[:max-1]), " ") + TruncationMarker
}
