package domain

import (
	"testing"
	"unicode/utf8"
)

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"collapses whitespace", "  a \n\t b   c ", 100, "a b c"},
		{"fits exactly", "abcde", 5, "abcde"},
		{"cut with marker", "abcdefgh", 5, "abcd…"},
		{"multibyte", "héllo wörld", 6, "héllo…"},
		{"zero cap", "abc", 0, ""},
		{"one rune cap", "abc", 1, "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Excerpt(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("Excerpt(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if tt.max > 0 && utf8.RuneCountInString(got) > tt.max {
				t.Errorf("result has %d runes, cap %d", utf8.RuneCountInString(got), tt.max)
			}
		})
	}
}

func TestTruncateKeepsShortText(t *testing.T) {
	if got := Truncate("  spaced  ", 20); got != "  spaced  " {
		t.Errorf("Truncate should not normalize, got %q", got)
	}
}
