package latex

type tokenKind int

const (
	tokChar    tokenKind = iota // any plain byte
	tokCommand                  // \name
	tokSymbol                   // \{ \} \\ \, and other control symbols
)

type token struct {
	kind tokenKind
	text string // command name without the backslash, the symbol, or the byte
	pos  int
	end  int
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// tokenize splits s into commands, control symbols and plain bytes.
// Unescaped % starts a comment that runs to the end of the line.
func tokenize(s string) []token {
	tokens := make([]token, 0, len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && isLetter(s[i+1]):
			j := i + 1
			for j < len(s) && isLetter(s[j]) {
				j++
			}
			tokens = append(tokens, token{kind: tokCommand, text: s[i+1 : j], pos: i, end: j})
			i = j
		case c == '\\' && i+1 < len(s):
			tokens = append(tokens, token{kind: tokSymbol, text: s[i+1 : i+2], pos: i, end: i + 2})
			i += 2
		case c == '%':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		default:
			tokens = append(tokens, token{kind: tokChar, text: s[i : i+1], pos: i, end: i + 1})
			i++
		}
	}
	return tokens
}

// isChar reports whether t is the plain byte c
func (t token) isChar(c byte) bool {
	return t.kind == tokChar && t.text[0] == c
}

// isCommand reports whether t is \name
func (t token) isCommand(name string) bool {
	return t.kind == tokCommand && t.text == name
}

// skipSpaces returns the index of the first non-space token at or after i
func skipSpaces(tokens []token, i int) int {
	for i < len(tokens) && tokens[i].kind == tokChar && isSpace(tokens[i].text[0]) {
		i++
	}
	return i
}

// groupText reads a {name} group starting at tokens[i] (after spaces) and
// returns its literal content and the index after the closing brace
func groupText(s string, tokens []token, i int) (string, int, bool) {
	i = skipSpaces(tokens, i)
	if i >= len(tokens) || !tokens[i].isChar('{') {
		return "", i, false
	}
	start := tokens[i].end
	depth := 1
	for j := i + 1; j < len(tokens); j++ {
		switch {
		case tokens[j].isChar('{'):
			depth++
		case tokens[j].isChar('}'):
			depth--
			if depth == 0 {
				return s[start:tokens[j].pos], j + 1, true
			}
		}
	}
	return "", len(tokens), false
}
