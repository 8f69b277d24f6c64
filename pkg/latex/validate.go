package latex

import (
	"fmt"
	"strings"

	"github.com/menta2k/latex-ocr/pkg/types"
)

// Issue codes reported by Validate
const (
	IssueEmpty               = "empty-result"
	IssueUnbalancedBrace     = "unbalanced-brace"
	IssueEnvironmentMismatch = "environment-mismatch"
	IssueUnclosedEnvironment = "unclosed-environment"
	IssueUnexpectedEnd       = "unexpected-end"
	IssueUnbalancedLeftRight = "unbalanced-left-right"
	IssueIncompleteCommand   = "incomplete-command"
)

// Validate runs the structural checks on cleaned LaTeX. It never fails; the
// verdict is advisory and the caller decides what to do with it.
func Validate(s string) types.ValidationVerdict {
	return check(s, false)
}

// ValidateStrict also flags commands that are missing their arguments
func ValidateStrict(s string) types.ValidationVerdict {
	return check(s, true)
}

func check(s string, strict bool) types.ValidationVerdict {
	if strings.TrimSpace(s) == "" {
		return types.ValidationVerdict{
			Valid: false,
			Issues: []types.ValidationIssue{{
				Code:    IssueEmpty,
				Message: "cleaned LaTeX is empty",
			}},
		}
	}

	tokens := tokenize(s)

	var issues []types.ValidationIssue
	issues = append(issues, checkBraces(tokens)...)
	issues = append(issues, checkEnvironments(s, tokens)...)
	issues = append(issues, checkLeftRight(tokens)...)
	if strict {
		issues = append(issues, checkCommands(tokens)...)
	}

	return types.ValidationVerdict{
		Valid:  len(issues) == 0,
		Issues: issues,
	}
}

// checkBraces scans left to right with a counter that must never go negative
// and must end at zero. Escaped \{ and \} are not group braces.
func checkBraces(tokens []token) []types.ValidationIssue {
	var issues []types.ValidationIssue
	var open []int

	for _, t := range tokens {
		switch {
		case t.isChar('{'):
			open = append(open, t.pos)
		case t.isChar('}'):
			if len(open) == 0 {
				issues = append(issues, types.ValidationIssue{
					Code:     IssueUnbalancedBrace,
					Message:  fmt.Sprintf("unmatched '}' at position %d", t.pos),
					Position: t.pos,
				})
				continue
			}
			open = open[:len(open)-1]
		}
	}

	if len(open) > 0 {
		issues = append(issues, types.ValidationIssue{
			Code:     IssueUnbalancedBrace,
			Message:  fmt.Sprintf("%d unclosed '{', first at position %d", len(open), open[0]),
			Position: open[0],
		})
	}
	return issues
}

type openEnv struct {
	name string
	pos  int
}

// checkEnvironments pairs \begin{X} with \end{X} using a stack
func checkEnvironments(s string, tokens []token) []types.ValidationIssue {
	var issues []types.ValidationIssue
	var stack []openEnv

	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if !t.isCommand("begin") && !t.isCommand("end") {
			continue
		}
		name, next, ok := groupText(s, tokens, i+1)
		if !ok {
			issues = append(issues, types.ValidationIssue{
				Code:     IssueIncompleteCommand,
				Message:  fmt.Sprintf("\\%s at position %d has no environment name", t.text, t.pos),
				Position: t.pos,
			})
			continue
		}
		name = strings.TrimSpace(name)
		i = next - 1

		if t.text == "begin" {
			stack = append(stack, openEnv{name: name, pos: t.pos})
			continue
		}

		if len(stack) == 0 {
			issues = append(issues, types.ValidationIssue{
				Code:     IssueUnexpectedEnd,
				Message:  fmt.Sprintf("\\end{%s} at position %d has no matching \\begin", name, t.pos),
				Position: t.pos,
			})
			continue
		}

		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.name != name {
			issues = append(issues, types.ValidationIssue{
				Code: IssueEnvironmentMismatch,
				Message: fmt.Sprintf("\\begin{%s} at position %d is closed by \\end{%s} at position %d",
					top.name, top.pos, name, t.pos),
				Position: t.pos,
			})
		}
	}

	for _, env := range stack {
		issues = append(issues, types.ValidationIssue{
			Code:     IssueUnclosedEnvironment,
			Message:  fmt.Sprintf("\\begin{%s} at position %d is never closed", env.name, env.pos),
			Position: env.pos,
		})
	}
	return issues
}

// checkLeftRight compares \left and \right counts; \leftarrow and friends are other commands
func checkLeftRight(tokens []token) []types.ValidationIssue {
	left, right := countLeftRight(tokens)
	if left == right {
		return nil
	}
	return []types.ValidationIssue{{
		Code:     IssueUnbalancedLeftRight,
		Message:  fmt.Sprintf("%d \\left but %d \\right", left, right),
		Position: -1,
	}}
}

func countLeftRight(tokens []token) (left, right int) {
	for _, t := range tokens {
		switch {
		case t.isCommand("left"):
			left++
		case t.isCommand("right"):
			right++
		}
	}
	return left, right
}

// commandArity lists commands whose missing arguments are worth reporting
var commandArity = map[string]int{
	"frac":  2,
	"dfrac": 2,
	"tfrac": 2,
	"binom": 2,
	"sqrt":  1,
}

func checkCommands(tokens []token) []types.ValidationIssue {
	var issues []types.ValidationIssue
	for i, t := range tokens {
		if t.kind != tokCommand {
			continue
		}
		if t.text == "left" || t.text == "right" {
			if !hasDelimiter(tokens, i+1) {
				issues = append(issues, incomplete(t))
			}
			continue
		}
		arity, ok := commandArity[t.text]
		if !ok {
			continue
		}
		j := i + 1
		if t.text == "sqrt" {
			j = skipOptionalArg(tokens, j)
		}
		for n := 0; n < arity; n++ {
			next, ok := argument(tokens, j)
			if !ok {
				issues = append(issues, incomplete(t))
				break
			}
			j = next
		}
	}
	return issues
}

func incomplete(t token) types.ValidationIssue {
	return types.ValidationIssue{
		Code:     IssueIncompleteCommand,
		Message:  fmt.Sprintf("command '\\%s' at position %d appears to be incomplete", t.text, t.pos),
		Position: t.pos,
	}
}

// hasDelimiter reports whether a \left or \right at i-1 is followed by a delimiter
func hasDelimiter(tokens []token, i int) bool {
	i = skipSpaces(tokens, i)
	if i >= len(tokens) {
		return false
	}
	t := tokens[i]
	if t.kind == tokChar {
		return !isLetter(t.text[0]) && t.text[0] != '{' && t.text[0] != '}'
	}
	return true
}

// argument returns the index after one macro argument starting at i: a brace
// group, a command, or a single character
func argument(tokens []token, i int) (int, bool) {
	i = skipSpaces(tokens, i)
	if i >= len(tokens) {
		return i, false
	}
	t := tokens[i]
	if t.kind != tokChar {
		return i + 1, true
	}
	switch t.text[0] {
	case '{':
		depth := 0
		for j := i; j < len(tokens); j++ {
			switch {
			case tokens[j].isChar('{'):
				depth++
			case tokens[j].isChar('}'):
				depth--
				if depth == 0 {
					return j + 1, true
				}
			}
		}
		return len(tokens), false
	case '}', '&', '^', '_':
		return i, false
	}
	return i + 1, true
}

// skipOptionalArg skips a [..] argument when present
func skipOptionalArg(tokens []token, i int) int {
	j := skipSpaces(tokens, i)
	if j >= len(tokens) || !tokens[j].isChar('[') {
		return i
	}
	for k := j + 1; k < len(tokens); k++ {
		if tokens[k].isChar(']') {
			return k + 1
		}
	}
	return i
}
