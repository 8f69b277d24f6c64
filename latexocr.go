// Package latexocr extracts LaTeX from images of mathematical expressions
// using vision models served by Ollama, llama.cpp or Gemini.
//
// An upload passes through three stages:
//
//  1. The image gate (pkg/imagegate) rejects files that are too large, have an
//     unsupported extension or cannot be decoded.
//  2. The orchestrator (pkg/orchestrator) sends the image to the configured
//     candidate models in order until one answers, recording every attempt.
//  3. The normalizer (pkg/latex) strips prose, code fences and math
//     delimiters from the reply and checks the result for structural problems.
//
// Basic usage:
//
//	vc, err := latexocr.NewVisionClient("ollama", "http://localhost:11434", "")
//	if err != nil {
//		log.Fatal(err)
//	}
//	candidates, _ := orchestrator.NewCandidateList("llava:7b", []string{"bakllava"})
//	ex, err := latexocr.New(vc, imagegate.DefaultConfig(), orchestrator.Config{
//		Candidates: candidates,
//		Timeout:    2 * time.Minute,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	result, err := ex.ExtractFile(ctx, "formula.png", types.DefaultOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	if !result.Success {
//		log.Fatalf("extraction failed: %s", result.Error)
//	}
//	fmt.Println(result.LatexOrEmpty())
//
// A failed extraction is not an error: check result.Success and inspect
// result.Attempts to see which models were tried and why each one failed.
package latexocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/latex-ocr/internal/config"
	"github.com/menta2k/latex-ocr/internal/logging"
	"github.com/menta2k/latex-ocr/internal/store"
	"github.com/menta2k/latex-ocr/pkg/client"
	"github.com/menta2k/latex-ocr/pkg/gemini"
	"github.com/menta2k/latex-ocr/pkg/imagegate"
	"github.com/menta2k/latex-ocr/pkg/llamacpp"
	"github.com/menta2k/latex-ocr/pkg/ollama"
	"github.com/menta2k/latex-ocr/pkg/orchestrator"
	"github.com/menta2k/latex-ocr/pkg/processing"
	"github.com/menta2k/latex-ocr/pkg/types"
)

// Version of the latex-ocr library
const Version = "1.0.0"

// Cache stores successful results between requests
type Cache interface {
	Find(ctx context.Context, key string) (*types.OcrResult, error)
	Upsert(ctx context.Context, key string, result *types.OcrResult) error
}

// Extractor ties the gate, the orchestrator and an optional cache together
type Extractor struct {
	gate         *imagegate.Gate
	orchestrator *orchestrator.Orchestrator
	processor    *processing.Processor
	cache        Cache
	logger       logrus.FieldLogger
	backend      string
}

// Option configures an Extractor
type Option func(*Extractor)

// WithCache enables result caching
func WithCache(cache Cache) Option {
	return func(e *Extractor) {
		e.cache = cache
	}
}

// WithLogger sets the logger used by the extractor and its orchestrator
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBackendName labels the backend in health reports
func WithBackendName(name string) Option {
	return func(e *Extractor) {
		e.backend = name
	}
}

// New creates an Extractor over one backend client
func New(vc client.VisionClient, gateConfig imagegate.Config, orchConfig orchestrator.Config, opts ...Option) (*Extractor, error) {
	e := &Extractor{
		gate:      imagegate.NewWithConfig(gateConfig),
		processor: processing.NewProcessorWithConfig(orchConfig.Processing),
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}

	orch, err := orchestrator.New(vc, orchConfig, orchestrator.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.orchestrator = orch
	return e, nil
}

// NewVisionClient creates the backend client for kind (ollama, llamacpp or gemini)
func NewVisionClient(kind, url, apiKey string) (client.VisionClient, error) {
	switch strings.ToLower(kind) {
	case config.BackendOllama, "":
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case config.BackendLlamaCpp:
		c, err := llamacpp.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	case config.BackendGemini:
		c, err := gemini.NewClient(apiKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'ollama', 'llamacpp' or 'gemini')", kind)
	}
}

// NewFromConfig builds the backend client and the extractor from application
// configuration. A cache is attached only when one is passed in opts.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	vc, err := NewVisionClient(cfg.Backend.Kind, cfg.Backend.URL, cfg.Backend.APIKey)
	if err != nil {
		return nil, err
	}
	orchConfig, err := cfg.OrchestratorConfig()
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithBackendName(cfg.Backend.Kind)}, opts...)
	return New(vc, cfg.GateConfig(), orchConfig, opts...)
}

// Gate returns the image gate
func (e *Extractor) Gate() *imagegate.Gate {
	return e.gate
}

// Orchestrator returns the fallback orchestrator
func (e *Extractor) Orchestrator() *orchestrator.Orchestrator {
	return e.orchestrator
}

// ExtractImage runs an image that already passed the gate. Cached results
// are returned with Cached set and a fresh request id.
func (e *Extractor) ExtractImage(ctx context.Context, img *types.ImageInput, opts types.Options) (*types.OcrResult, error) {
	candidates := e.orchestrator.Candidates()
	if opts.PrimaryOnly {
		candidates = candidates.PrimaryOnly()
	}

	var key string
	if e.cache != nil && len(img.Data) > 0 {
		key = store.Key(img.Data, candidates.String(), opts)
		cached, err := e.cache.Find(ctx, key)
		switch {
		case err == nil && cached != nil:
			hit := *cached
			hit.RequestID = orchestrator.RequestIDFromContext(ctx)
			hit.Cached = true
			e.logger.WithFields(logrus.Fields{
				"request_id": hit.RequestID,
				"filename":   img.Filename,
				"model":      hit.ModelUsed,
			}).Debug("Returning cached result")
			return &hit, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			e.logger.WithError(err).WithField("filename", img.Filename).Warn("Failed to read result cache")
		}
	}

	result, err := e.orchestrator.ExtractWith(ctx, img, candidates, opts)
	if err != nil {
		return nil, err
	}

	if key != "" && result.Success {
		if err := e.cache.Upsert(ctx, key, result); err != nil {
			e.logger.WithError(err).WithField("request_id", result.RequestID).Warn("Failed to cache result")
		}
	}
	return result, nil
}

// ExtractBytes validates raw upload bytes and extracts LaTeX from them
func (e *Extractor) ExtractBytes(ctx context.Context, data []byte, filename string, opts types.Options) (*types.OcrResult, error) {
	img, err := e.gate.Validate(data, filename)
	if err != nil {
		return nil, err
	}
	return e.ExtractImage(ctx, img, opts)
}

// ExtractFile reads an image from disk and extracts LaTeX from it
func (e *Extractor) ExtractFile(ctx context.Context, path string, opts types.Options) (*types.OcrResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer f.Close()

	var size int64 = -1
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	img, err := e.gate.ValidateReader(f, filepath.Base(path), size)
	if err != nil {
		return nil, err
	}
	return e.ExtractImage(ctx, img, opts)
}

// ExtractSource accepts a file path or an http(s) URL
func (e *Extractor) ExtractSource(ctx context.Context, source string, opts types.Options) (*types.OcrResult, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return e.ExtractFile(ctx, source, opts)
	}
	data, filename, err := e.processor.LoadSource(ctx, source)
	if err != nil {
		return nil, err
	}
	return e.ExtractBytes(ctx, data, filename, opts)
}

// CheckModels reports which candidates the backend can serve
func (e *Extractor) CheckModels(ctx context.Context) (*orchestrator.ModelStatus, error) {
	return orchestrator.CheckModels(ctx, e.orchestrator.Client(), e.orchestrator.Candidates())
}

// Health summarises backend reachability
type Health struct {
	Status  string                    `json:"status"`
	Version string                    `json:"version"`
	Backend string                    `json:"backend,omitempty"`
	Models  *orchestrator.ModelStatus `json:"models,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// Health reports "healthy" when the backend lists its models, "degraded" otherwise
func (e *Extractor) Health(ctx context.Context) Health {
	h := Health{Status: "healthy", Version: Version, Backend: e.backend}

	if p, ok := e.orchestrator.Client().(client.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.Status = "degraded"
			h.Error = err.Error()
			return h
		}
	}

	models, err := e.CheckModels(ctx)
	if err != nil {
		h.Status = "degraded"
		h.Error = err.Error()
		return h
	}
	h.Models = models
	return h
}

// IsInvalidImage reports whether err is an image gate rejection and returns it
func IsInvalidImage(err error) (*imagegate.InvalidImageError, bool) {
	var invalid *imagegate.InvalidImageError
	if errors.As(err, &invalid) {
		return invalid, true
	}
	return nil, false
}
