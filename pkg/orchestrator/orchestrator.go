package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/latex-ocr/pkg/client"
	"github.com/menta2k/latex-ocr/pkg/latex"
	"github.com/menta2k/latex-ocr/pkg/processing"
	"github.com/menta2k/latex-ocr/pkg/types"
)

// DefaultTimeout bounds one backend call
const DefaultTimeout = 120 * time.Second

// Config is fixed at construction and read-only afterwards
type Config struct {
	Candidates CandidateList
	// Timeout applies to each candidate separately
	Timeout    time.Duration
	Prompt     string
	Processing processing.Config
}

// Orchestrator walks the candidate list until one model answers
type Orchestrator struct {
	client    client.VisionClient
	config    Config
	processor *processing.Processor
	logger    logrus.FieldLogger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger; the default discards everything
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator over one backend client
func New(vc client.VisionClient, config Config, opts ...Option) (*Orchestrator, error) {
	if vc == nil {
		return nil, errors.New("vision client is required")
	}
	if config.Candidates.Len() == 0 {
		return nil, ErrNoCandidates
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(config.Prompt) == "" {
		config.Prompt = client.DefaultPrompt
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	o := &Orchestrator{
		client:    vc,
		config:    config,
		processor: processing.NewProcessorWithConfig(config.Processing),
		logger:    quiet,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Candidates returns the configured candidate list
func (o *Orchestrator) Candidates() CandidateList {
	return o.config.Candidates
}

// Client returns the backend client the orchestrator drives
func (o *Orchestrator) Client() client.VisionClient {
	return o.client
}

// Extract runs the configured candidates against img
func (o *Orchestrator) Extract(ctx context.Context, img *types.ImageInput, opts types.Options) (*types.OcrResult, error) {
	return o.ExtractWith(ctx, img, o.config.Candidates, opts)
}

// ExtractWith tries candidates strictly in order, one call at a time, and
// stops at the first success. Every failed candidate is recorded in the
// result's attempts. Exhausting the list is not an error: the result comes
// back with Success false. If ctx is cancelled no result is returned.
func (o *Orchestrator) ExtractWith(ctx context.Context, img *types.ImageInput, candidates CandidateList, opts types.Options) (*types.OcrResult, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if candidates.Len() == 0 {
		return nil, ErrNoCandidates
	}
	if opts.PrimaryOnly {
		candidates = candidates.PrimaryOnly()
	}

	start := time.Now()
	result := &types.OcrResult{RequestID: RequestIDFromContext(ctx)}
	log := o.logger.WithFields(logrus.Fields{
		"request_id": result.RequestID,
		"filename":   img.Filename,
	})

	// Encoded once and shared by every candidate
	imgB64, err := o.processor.PrepareImageForModel(img)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare image: %w", err)
	}

	for i, model := range candidates.Models() {
		attemptLog := log.WithFields(logrus.Fields{"model": model, "attempt": i + 1})
		attemptLog.Debug("Trying candidate model")

		attempt := types.InferenceAttempt{Model: model, StartedAt: time.Now()}
		text, err := client.Infer(ctx, o.client, model, o.config.Prompt, imgB64, o.config.Timeout)
		attempt.FinishedAt = time.Now()
		attempt.Duration = attempt.FinishedAt.Sub(attempt.StartedAt)
		attempt.DurationMs = types.Milliseconds(attempt.Duration)

		if err != nil {
			if ctx.Err() != nil {
				attemptLog.WithError(ctx.Err()).Info("Request cancelled")
				return nil, ctx.Err()
			}
			attempt.ErrorKind = client.KindOf(err)
			attempt.Error = err.Error()
			result.Attempts = append(result.Attempts, attempt)
			attemptLog.WithFields(logrus.Fields{
				"error_kind":  attempt.ErrorKind,
				"duration_ms": attempt.DurationMs,
			}).WithError(err).Warn("Candidate model failed")
			continue
		}

		attempt.Success = true
		result.Attempts = append(result.Attempts, attempt)
		o.complete(result, model, text, opts)
		result.Duration = time.Since(start)
		result.ProcessingTimeMs = types.Milliseconds(result.Duration)

		attemptLog.WithField("duration_ms", result.ProcessingTimeMs).Info("LaTeX extracted")
		return result, nil
	}

	result.Error = ExhaustionSummary(result.Attempts)
	result.Duration = time.Since(start)
	result.ProcessingTimeMs = types.Milliseconds(result.Duration)
	log.WithFields(logrus.Fields{
		"attempts":    len(result.Attempts),
		"duration_ms": result.ProcessingTimeMs,
	}).Error("All candidate models failed")
	return result, nil
}

// complete fills a successful result from the raw model reply
func (o *Orchestrator) complete(result *types.OcrResult, model, raw string, opts types.Options) {
	result.Success = true
	result.ModelUsed = model
	result.RawText = raw

	if !opts.ValidateLatex {
		result.Latex = &raw
		return
	}

	cleaned := latex.Clean(raw)
	if opts.AutoFix {
		cleaned = latex.FixCommonIssues(cleaned)
	}

	var verdict types.ValidationVerdict
	if opts.StrictValidation {
		verdict = latex.ValidateStrict(cleaned)
	} else {
		verdict = latex.Validate(cleaned)
	}
	result.Latex = &cleaned
	result.Validation = &verdict
}

// ExhaustionSummary explains in one line why every attempt failed
func ExhaustionSummary(attempts []types.InferenceAttempt) string {
	if len(attempts) == 0 {
		return "no candidate models were tried"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Model, a.ErrorKind))
	}
	return fmt.Sprintf("all %d candidate models failed (%s)", len(attempts), strings.Join(parts, "; "))
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request id that Extract copies into the result
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the attached request id or a fresh one
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
