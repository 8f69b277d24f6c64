package latex

import (
	"regexp"
	"strings"
)

var (
	// First fenced block; an optional language tag ends at a newline, or is a
	// known TeX tag followed by spaces on the same line
	fencedBlock = regexp.MustCompile("(?s)```(?:[A-Za-z0-9_+-]*[ \t]*\r?\n|[ \t]*(?i:latex|tex|math)[ \t]+)?(.*?)```")
	fenceLine   = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_+-]*[ \t]*$")
	whitespace  = regexp.MustCompile(`\s+`)
)

// maxPasses bounds the fixed-point loop in Clean; real output settles in two
const maxPasses = 8

type delimiterPair struct {
	open, close string
}

// Longest first so $$ is not read as two $
var mathDelimiters = []delimiterPair{
	{"$$", "$$"},
	{`\[`, `\]`},
	{`\(`, `\)`},
	{"$", "$"},
}

// Clean turns raw model output into a bare LaTeX body.
// The rules run in order and are repeated until the text stops changing, so
// Clean(Clean(x)) == Clean(x).
func Clean(raw string) string {
	out := raw
	for i := 0; i < maxPasses; i++ {
		next := cleanOnce(out)
		if next == out {
			return next
		}
		out = next
	}
	return out
}

func cleanOnce(s string) string {
	s = extractFencedBlock(s)
	s = stripFences(s)
	s = stripMathDelimiters(s)
	s = collapseWhitespace(s)
	return strings.TrimSpace(s)
}

// extractFencedBlock drops prose around the first fenced code block
func extractFencedBlock(s string) string {
	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// stripFences removes stray fence lines, unpaired fences and inline-code backticks
func stripFences(s string) string {
	s = fenceLine.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		s = strings.TrimSpace(strings.Trim(s, "`"))
	}
	return s
}

// stripMathDelimiters unwraps $$..$$, \[..\], \(..\) and $..$ while they
// enclose the whole text
func stripMathDelimiters(s string) string {
	for {
		s = strings.TrimSpace(s)
		inner, ok := unwrapMath(s)
		if !ok {
			return s
		}
		s = inner
	}
}

func unwrapMath(s string) (string, bool) {
	for _, d := range mathDelimiters {
		if len(s) < len(d.open)+len(d.close) {
			continue
		}
		if !strings.HasPrefix(s, d.open) || !strings.HasSuffix(s, d.close) {
			continue
		}
		closeAt := len(s) - len(d.close)
		inner := s[len(d.open):closeAt]
		// \$ at the end is a literal dollar, not a delimiter
		if d.close[0] == '$' && closeAt > 0 && s[closeAt-1] == '\\' {
			continue
		}
		if strings.Contains(inner, d.open) || strings.Contains(inner, d.close) {
			continue
		}
		return inner, true
	}
	return "", false
}

// collapseWhitespace drops TeX comments and folds runs of whitespace to one space
func collapseWhitespace(s string) string {
	return whitespace.ReplaceAllString(stripComments(s), " ")
}

// stripComments removes a TeX comment: an unescaped % that opens the text or
// follows whitespace, up to the end of the line. A % glued to a token, as in
// "50% of x", is prose and stays.
func stripComments(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
		case c == '%' && (i == 0 || isSpace(s[i-1])):
			for i+1 < len(s) && s[i+1] != '\n' {
				i++
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
