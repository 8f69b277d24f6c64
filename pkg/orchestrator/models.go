package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/menta2k/latex-ocr/pkg/client"
)

// ModelStatus reports which configured candidates the backend can serve
type ModelStatus struct {
	PrimaryModel    string          `json:"primary_model"`
	FallbackModels  []string        `json:"fallback_models"`
	AvailableModels []string        `json:"available_models"`
	Status          map[string]bool `json:"status"`
}

// AllAvailable reports whether every candidate is present on the backend
func (s *ModelStatus) AllAvailable() bool {
	for _, ok := range s.Status {
		if !ok {
			return false
		}
	}
	return true
}

// CheckModels asks the backend for its models and marks each candidate as
// present or missing. A name without a tag matches the ":latest" tag.
func CheckModels(ctx context.Context, vc client.VisionClient, candidates CandidateList) (*ModelStatus, error) {
	available, err := vc.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list backend models: %w", err)
	}

	status := &ModelStatus{
		PrimaryModel:    candidates.Primary(),
		FallbackModels:  candidates.Fallbacks(),
		AvailableModels: available,
		Status:          make(map[string]bool, candidates.Len()),
	}
	if status.FallbackModels == nil {
		status.FallbackModels = []string{}
	}
	for _, model := range candidates.Models() {
		status.Status[model] = modelAvailable(model, available)
	}
	return status, nil
}

func modelAvailable(model string, available []string) bool {
	for _, name := range available {
		if name == model {
			return true
		}
		if !strings.Contains(model, ":") && name == model+":latest" {
			return true
		}
	}
	return false
}
