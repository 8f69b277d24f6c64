package latex

import (
	"regexp"
	"strings"
)

// "\ frac" -> "\frac" for commands models commonly split; a lone "\ " is a
// legitimate control space and is left alone otherwise
var spacedCommand = regexp.MustCompile(`(^|[^\\])\\[ \t]+(frac|dfrac|sqrt|sum|prod|int|oint|lim|left|right|begin|end|cdot|times|infty|alpha|beta|gamma|delta|theta|lambda|mu|pi|sigma|omega|partial|nabla|mathbf|mathrm|text)\b`)

// FixCommonIssues repairs mistakes vision models make often: whitespace
// between a backslash and a command name, and unpaired \left / \right.
func FixCommonIssues(s string) string {
	s = spacedCommand.ReplaceAllString(s, `$1\$2`)

	left, right := countLeftRight(tokenize(s))
	switch {
	case left > right:
		s += strings.Repeat(`\right.`, left-right)
	case right > left:
		s = strings.Repeat(`\left.`, right-left) + s
	}
	return s
}
