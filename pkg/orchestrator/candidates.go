package orchestrator

import (
	"errors"
	"strings"
)

// ErrNoCandidates is returned when a candidate list would be empty
var ErrNoCandidates = errors.New("no candidate models configured")

// CandidateList is the ordered, immutable list of models to try: the primary
// first, then the fallbacks in configured order
type CandidateList struct {
	models []string
}

// NewCandidateList builds a list from a primary model and its fallbacks.
// Names are trimmed, blanks are dropped and repeats keep their first position.
func NewCandidateList(primary string, fallbacks []string) (CandidateList, error) {
	seen := make(map[string]struct{}, len(fallbacks)+1)
	models := make([]string, 0, len(fallbacks)+1)

	for _, name := range append([]string{primary}, fallbacks...) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		models = append(models, name)
	}

	if len(models) == 0 {
		return CandidateList{}, ErrNoCandidates
	}
	return CandidateList{models: models}, nil
}

// ParseCandidateList reads a comma separated list, primary first
func ParseCandidateList(s string) (CandidateList, error) {
	parts := strings.Split(s, ",")
	return NewCandidateList(parts[0], parts[1:])
}

// Models returns a copy of the candidates in order
func (c CandidateList) Models() []string {
	out := make([]string, len(c.models))
	copy(out, c.models)
	return out
}

// Len returns the number of candidates
func (c CandidateList) Len() int {
	return len(c.models)
}

// Primary returns the first candidate, or "" for the zero list
func (c CandidateList) Primary() string {
	if len(c.models) == 0 {
		return ""
	}
	return c.models[0]
}

// Fallbacks returns the candidates after the primary
func (c CandidateList) Fallbacks() []string {
	if len(c.models) < 2 {
		return nil
	}
	out := make([]string, len(c.models)-1)
	copy(out, c.models[1:])
	return out
}

// PrimaryOnly returns a list holding just the primary model
func (c CandidateList) PrimaryOnly() CandidateList {
	if len(c.models) < 2 {
		return c
	}
	return CandidateList{models: c.models[:1:1]}
}

func (c CandidateList) String() string {
	return strings.Join(c.models, ",")
}
