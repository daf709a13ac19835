package usecase

import (
	"regexp"
	"strings"
)

// pageQuestion matches "what page am I on" and its close variants. "waht"
// is accepted because it is the most common misspelling in practice.
var pageQuestion = regexp.MustCompile(
	`^(?:(?:what|waht|which)(?:'s| is)?(?: the| this)? (?:page|site|website|tab|url)(?: is (?:this|open)| am i (?:on|at|looking at))?|where am i)$`,
)

// IsPageQuestion reports whether text asks which page is open.
func IsPageQuestion(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '?', '!', '.', ',':
			return -1
		case '’':
			return '\''
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	return pageQuestion.MatchString(s)
}
