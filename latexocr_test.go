package latexocr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/menta2k/latex-ocr/internal/store"
	"github.com/menta2k/latex-ocr/pkg/imagegate"
	"github.com/menta2k/latex-ocr/pkg/orchestrator"
	"github.com/menta2k/latex-ocr/pkg/types"
)

type fakeClient struct {
	mu     sync.Mutex
	reply  map[string]string
	calls  int
	models []string
}

func (f *fakeClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if r, ok := f.reply[model]; ok {
		return r, nil
	}
	return "", errors.New(`model "` + model + `" not found, try pulling it first`)
}

func (f *fakeClient) ListModels(ctx context.Context) ([]string, error) {
	return f.models, nil
}

type memoryCache struct {
	mu      sync.Mutex
	results map[string]*types.OcrResult
}

func (m *memoryCache) Find(ctx context.Context, key string) (*types.OcrResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *memoryCache) Upsert(ctx context.Context, key string, result *types.OcrResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key] = result
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.Set(w/2, h/2, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newExtractor(t *testing.T, fc *fakeClient, opts ...Option) *Extractor {
	t.Helper()
	candidates, err := orchestrator.NewCandidateList("llava:7b", []string{"bakllava"})
	if err != nil {
		t.Fatal(err)
	}
	ex, err := New(fc, imagegate.DefaultConfig(), orchestrator.Config{
		Candidates: candidates,
		Timeout:    time.Second,
	}, opts...)
	if err != nil {
		t.Fatalf("Failed to create extractor: %v", err)
	}
	return ex
}

func TestExtractBytes(t *testing.T) {
	fc := &fakeClient{reply: map[string]string{"bakllava": "Here is the result:\n```latex\n\\frac{a}{b}\n```"}}
	ex := newExtractor(t, fc)

	result, err := ex.ExtractBytes(context.Background(), pngBytes(t, 120, 80), "eq.png", types.DefaultOptions())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %s", result.Error)
	}
	if result.LatexOrEmpty() != `\frac{a}{b}` {
		t.Errorf("Expected \\frac{a}{b}, got %q", result.LatexOrEmpty())
	}
	if result.ModelUsed != "bakllava" {
		t.Errorf("Expected bakllava, got %s", result.ModelUsed)
	}
	if len(result.Attempts) != 2 || result.Attempts[0].ErrorKind != types.ErrModelNotFound {
		t.Errorf("Expected model_not_found then success, got %+v", result.Attempts)
	}
}

func TestExtractBytesRejectsBeforeBackend(t *testing.T) {
	fc := &fakeClient{}
	ex := newExtractor(t, fc)

	_, err := ex.ExtractBytes(context.Background(), []byte("GIF89a not really"), "eq.gif", types.DefaultOptions())
	invalid, ok := IsInvalidImage(err)
	if !ok {
		t.Fatalf("Expected InvalidImageError, got %v", err)
	}
	if invalid.Reason != imagegate.ReasonUnsupportedExtension {
		t.Errorf("Expected unsupported-extension, got %s", invalid.Reason)
	}
	if fc.calls != 0 {
		t.Errorf("Expected no backend calls, got %d", fc.calls)
	}
}

func TestExtractFile(t *testing.T) {
	fc := &fakeClient{reply: map[string]string{"llava:7b": "$E=mc^2$"}}
	ex := newExtractor(t, fc)

	path := filepath.Join(t.TempDir(), "energy.png")
	if err := os.WriteFile(path, pngBytes(t, 64, 64), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := ex.ExtractSource(context.Background(), path, types.DefaultOptions())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.LatexOrEmpty() != "E=mc^2" {
		t.Errorf("Expected E=mc^2, got %q", result.LatexOrEmpty())
	}
}

func TestExtractUsesCache(t *testing.T) {
	fc := &fakeClient{reply: map[string]string{"llava:7b": "x+1"}}
	cache := &memoryCache{results: map[string]*types.OcrResult{}}
	ex := newExtractor(t, fc, WithCache(cache))
	data := pngBytes(t, 64, 64)

	first, err := ex.ExtractBytes(context.Background(), data, "a.png", types.DefaultOptions())
	if err != nil || !first.Success {
		t.Fatalf("Unexpected first result %+v, %v", first, err)
	}
	second, err := ex.ExtractBytes(context.Background(), data, "a.png", types.DefaultOptions())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !second.Cached {
		t.Error("Expected second result to come from the cache")
	}
	if second.RequestID == first.RequestID {
		t.Error("Expected a fresh request id for the cached result")
	}
	if fc.calls != 1 {
		t.Errorf("Expected one backend call, got %d", fc.calls)
	}

	// Different options are a different key
	opts := types.DefaultOptions()
	opts.StrictValidation = true
	if _, err := ex.ExtractBytes(context.Background(), data, "a.png", opts); err != nil {
		t.Fatal(err)
	}
	if fc.calls != 2 {
		t.Errorf("Expected a second backend call for new options, got %d", fc.calls)
	}
}

// sharedCache hands out the stored pointer itself
type sharedCache struct {
	result *types.OcrResult
	err    error
}

func (c *sharedCache) Find(ctx context.Context, key string) (*types.OcrResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.result == nil {
		return nil, store.ErrNotFound
	}
	return c.result, nil
}

func (c *sharedCache) Upsert(ctx context.Context, key string, result *types.OcrResult) error {
	if c.err != nil {
		return c.err
	}
	c.result = result
	return nil
}

func TestExtractCacheHitDoesNotMutateStoredResult(t *testing.T) {
	fc := &fakeClient{reply: map[string]string{"llava:7b": "x+1"}}
	cache := &sharedCache{}
	ex := newExtractor(t, fc, WithCache(cache))
	data := pngBytes(t, 64, 64)

	first, err := ex.ExtractBytes(context.Background(), data, "a.png", types.DefaultOptions())
	if err != nil || !first.Success {
		t.Fatalf("Unexpected first result %+v, %v", first, err)
	}
	firstID := first.RequestID

	second, err := ex.ExtractBytes(context.Background(), data, "a.png", types.DefaultOptions())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if second == cache.result {
		t.Fatal("Expected a copy of the cached result")
	}
	if !second.Cached {
		t.Error("Expected Cached on the returned result")
	}
	if cache.result.Cached || cache.result.RequestID != firstID {
		t.Errorf("Expected stored result untouched, got cached=%v request_id=%s", cache.result.Cached, cache.result.RequestID)
	}
	if first.Cached || first.RequestID != firstID {
		t.Error("Expected the first result untouched")
	}
}

func TestExtractCacheErrorFallsThrough(t *testing.T) {
	fc := &fakeClient{reply: map[string]string{"llava:7b": "x+1"}}
	logger, hook := logtest.NewNullLogger()
	ex := newExtractor(t, fc, WithCache(&sharedCache{err: errors.New("connection reset")}), WithLogger(logger))

	result, err := ex.ExtractBytes(context.Background(), pngBytes(t, 64, 64), "a.png", types.DefaultOptions())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.Success || result.Cached {
		t.Errorf("Expected a fresh successful result, got %+v", result)
	}
	if fc.calls != 1 {
		t.Errorf("Expected one backend call, got %d", fc.calls)
	}

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Failed to read result cache" {
			warned = true
		}
	}
	if !warned {
		t.Error("Expected a warning for the cache read failure")
	}
}

func TestHealth(t *testing.T) {
	fc := &fakeClient{models: []string{"llava:7b"}}
	ex := newExtractor(t, fc, WithBackendName("ollama"))

	h := ex.Health(context.Background())
	if h.Status != "healthy" {
		t.Errorf("Expected healthy, got %s (%s)", h.Status, h.Error)
	}
	if h.Models == nil || !h.Models.Status["llava:7b"] || h.Models.Status["bakllava"] {
		t.Errorf("Unexpected model status %+v", h.Models)
	}
	if h.Version != Version {
		t.Errorf("Expected version %s, got %s", Version, h.Version)
	}
}

func TestNewVisionClient(t *testing.T) {
	for _, kind := range []string{"ollama", "llamacpp", ""} {
		if _, err := NewVisionClient(kind, "", ""); err != nil {
			t.Errorf("%q: unexpected error %v", kind, err)
		}
	}
	if _, err := NewVisionClient("gemini", "", ""); err == nil {
		t.Error("Expected gemini without key to fail")
	}
	if _, err := NewVisionClient("openai", "", ""); err == nil {
		t.Error("Expected unknown backend to fail")
	}
}
