package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/menta2k/latex-ocr/pkg/types"
)

// DefaultPrompt asks the model for the LaTeX body and nothing else
const DefaultPrompt = `Transcribe the mathematical expression in this image to LaTeX.
Output only the LaTeX code, with no explanation, no markdown and no surrounding text.`

// Infer issues a single bounded request for one model.
// Failures are returned as *BackendError. If the caller's context is done the
// context error is returned as-is so the caller can stop trying candidates.
func Infer(ctx context.Context, vc VisionClient, model, prompt, imgB64 string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	text, err := vc.SimpleQuery(callCtx, model, prompt, imgB64)
	if err != nil {
		// Caller gave up: not a backend failure
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", NewBackendError(types.ErrTimeout, model, fmt.Errorf("no response within %s: %w", timeout, err))
		}
		var be *BackendError
		if errors.As(err, &be) {
			if be.Model == "" {
				be.Model = model
			}
			return "", be
		}
		return "", NewBackendError(Classify(err), model, err)
	}

	if strings.TrimSpace(text) == "" {
		return "", NewBackendError(types.ErrMalformedResponse, model, errors.New("empty response"))
	}
	return text, nil
}
