package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	latexocr "github.com/menta2k/latex-ocr"
	"github.com/menta2k/latex-ocr/internal/config"
	"github.com/menta2k/latex-ocr/internal/logging"
	"github.com/menta2k/latex-ocr/pkg/imagegate"
	"github.com/menta2k/latex-ocr/pkg/orchestrator"
)

type stubClient struct {
	replies map[string]string
}

func (c *stubClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	if r, ok := c.replies[model]; ok {
		return r, nil
	}
	return "", &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
}

func (c *stubClient) ListModels(ctx context.Context) ([]string, error) {
	return []string{"llava:7b"}, nil
}

func newTestServer(t *testing.T, replies map[string]string, mutate func(*config.ServerConfig, *imagegate.Config)) *httptest.Server {
	t.Helper()
	candidates, err := orchestrator.NewCandidateList("llava:7b", []string{"bakllava"})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default().Server
	cfg.APIKeys = []string{"test-key-123"}
	gateCfg := imagegate.DefaultConfig()
	if mutate != nil {
		mutate(&cfg, &gateCfg)
	}

	ex, err := latexocr.New(&stubClient{replies: replies}, gateCfg, orchestrator.Config{
		Candidates: candidates,
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(New(ex, cfg, logging.Discard()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func pngData(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type upload struct {
	name string
	data []byte
}

func multipartRequest(t *testing.T, url, field string, files ...upload) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile(field, f.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer test-key-123")
	return req
}

func doJSON(t *testing.T, req *http.Request, out any) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("Failed to decode %s: %v", data, err)
		}
	}
	return resp
}

func TestRootAndHealth(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	var root map[string]any
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	if resp := doJSON(t, req, &root); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for /, got %d", resp.StatusCode)
	}
	if root["version"] != latexocr.Version {
		t.Errorf("Expected version %s, got %v", latexocr.Version, root["version"])
	}

	var health map[string]any
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/health", nil)
	resp := doJSON(t, req, &health)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", health["status"])
	}
	if health["primary_model"] != "llava:7b" {
		t.Errorf("Expected primary_model llava:7b, got %v", health["primary_model"])
	}
	if resp.Header.Get("X-Request-ID") == "" || resp.Header.Get("X-Process-Time-Ms") == "" {
		t.Error("Expected X-Request-ID and X-Process-Time-Ms headers")
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/models", nil)
	if resp := doJSON(t, req, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer wrong")
	if resp := doJSON(t, req, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", resp.StatusCode)
	}

	var status orchestrator.ModelStatus
	req.Header.Set("Authorization", "Bearer test-key-123")
	if resp := doJSON(t, req, &status); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", resp.StatusCode)
	}
	if !status.Status["llava:7b"] || status.Status["bakllava"] {
		t.Errorf("Unexpected model status %+v", status)
	}
}

func TestOCRSuccess(t *testing.T) {
	ts := newTestServer(t, map[string]string{"bakllava": "$$\\sqrt{2}$$"}, nil)

	req := multipartRequest(t, ts.URL+"/api/v1/ocr/latex?return_metadata=true", "file", upload{"eq.png", pngData(t, 100, 60)})
	var body struct {
		Success   bool   `json:"success"`
		Latex     string `json:"latex"`
		ModelUsed string `json:"model_used"`
		Attempts  []struct {
			Model     string `json:"model"`
			ErrorKind string `json:"error_kind"`
		} `json:"attempts"`
		Metadata struct {
			Filename  string `json:"filename"`
			ImageInfo struct {
				Width int `json:"width"`
			} `json:"image_info"`
		} `json:"metadata"`
	}
	resp := doJSON(t, req, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !body.Success || body.Latex != `\sqrt{2}` || body.ModelUsed != "bakllava" {
		t.Errorf("Unexpected body %+v", body)
	}
	if len(body.Attempts) != 2 || body.Attempts[0].ErrorKind != "connection_refused" {
		t.Errorf("Expected connection_refused then success, got %+v", body.Attempts)
	}
	if body.Metadata.Filename != "eq.png" || body.Metadata.ImageInfo.Width != 100 {
		t.Errorf("Unexpected metadata %+v", body.Metadata)
	}
}

func TestOCRExhausted(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	req := multipartRequest(t, ts.URL+"/api/v1/ocr/latex", "file", upload{"eq.png", pngData(t, 100, 60)})
	var body struct {
		Success  bool              `json:"success"`
		Latex    *string           `json:"latex"`
		Error    string            `json:"error"`
		Attempts []json.RawMessage `json:"attempts"`
	}
	resp := doJSON(t, req, &body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
	if body.Success || body.Latex != nil || len(body.Attempts) != 2 || body.Error == "" {
		t.Errorf("Unexpected exhaustion body %+v", body)
	}
}

func TestOCRWithoutFallback(t *testing.T) {
	ts := newTestServer(t, map[string]string{"bakllava": "x"}, nil)

	req := multipartRequest(t, ts.URL+"/api/v1/ocr/latex?use_fallback=false", "file", upload{"eq.png", pngData(t, 100, 60)})
	var body struct {
		Success  bool `json:"success"`
		Attempts []struct {
			Model string `json:"model"`
		} `json:"attempts"`
	}
	resp := doJSON(t, req, &body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
	if body.Success || len(body.Attempts) != 1 || body.Attempts[0].Model != "llava:7b" {
		t.Errorf("Expected a single attempt on the primary, got %+v", body)
	}
}

func TestOCRGateRejections(t *testing.T) {
	ts := newTestServer(t, map[string]string{"llava:7b": "x"}, func(_ *config.ServerConfig, g *imagegate.Config) {
		g.MaxBytes = 2048
	})

	cases := []struct {
		name string
		file upload
		code int
		want string
	}{
		{"extension", upload{"eq.txt", []byte("hello")}, http.StatusBadRequest, imagegate.ReasonUnsupportedExtension},
		{"undecodable", upload{"eq.png", []byte("not a png")}, http.StatusBadRequest, imagegate.ReasonUndecodable},
		{"too large", upload{"eq.png", bytes.Repeat([]byte{1}, 4096)}, http.StatusRequestEntityTooLarge, imagegate.ReasonTooLarge},
	}
	for _, tc := range cases {
		req := multipartRequest(t, ts.URL+"/api/v1/ocr/latex", "file", tc.file)
		var body errorResponse
		resp := doJSON(t, req, &body)
		if resp.StatusCode != tc.code {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.code, resp.StatusCode)
		}
		if body.ErrorCode != tc.want {
			t.Errorf("%s: expected error_code %s, got %s", tc.name, tc.want, body.ErrorCode)
		}
	}
}

func TestBatch(t *testing.T) {
	ts := newTestServer(t, map[string]string{"llava:7b": "a+b"}, nil)

	req := multipartRequest(t, ts.URL+"/api/v1/ocr/latex/batch", "files",
		upload{"one.png", pngData(t, 64, 64)},
		upload{"two.png", pngData(t, 80, 64)},
		upload{"three.png", pngData(t, 64, 90)},
	)
	var body batchResponse
	resp := doJSON(t, req, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body.Total != 3 || body.Successful != 3 || !body.Success {
		t.Errorf("Unexpected batch totals %+v", body)
	}
	for i, item := range body.Results {
		if item.Index != i || item.OcrResult == nil || item.LatexOrEmpty() != "a+b" {
			t.Errorf("Unexpected item %d: %+v", i, item)
		}
	}
}

func TestBatchRejectsWholeBatch(t *testing.T) {
	ts := newTestServer(t, map[string]string{"llava:7b": "a"}, nil)

	req := multipartRequest(t, ts.URL+"/api/v1/ocr/latex/batch", "files",
		upload{"ok.png", pngData(t, 64, 64)},
		upload{"bad.bmp", []byte("BM")},
	)
	var body errorResponse
	resp := doJSON(t, req, &body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	if body.Index == nil || *body.Index != 1 || body.Filename != "bad.bmp" {
		t.Errorf("Expected the failing file to be named, got %+v", body)
	}
}

func TestBatchTooLarge(t *testing.T) {
	ts := newTestServer(t, nil, func(c *config.ServerConfig, _ *imagegate.Config) {
		c.MaxBatchSize = 1
	})

	req := multipartRequest(t, ts.URL+"/api/v1/ocr/latex/batch", "files",
		upload{"a.png", pngData(t, 64, 64)},
		upload{"b.png", pngData(t, 64, 64)},
	)
	if resp := doJSON(t, req, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversized batch, got %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, func(c *config.ServerConfig, _ *imagegate.Config) {
		c.RateLimitPerMinute = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/models", nil)
		req.Header.Set("Authorization", "Bearer test-key-123")
		codes = append(codes, doJSON(t, req, nil).StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 200, 200, 429, got %v", codes)
	}
}

func TestValidKey(t *testing.T) {
	s := New(nil, config.ServerConfig{APIKeys: []string{"a", "b"}}, logging.Discard())
	if !s.validKey("b") {
		t.Error("Expected b to be accepted")
	}
	if s.validKey("c") || s.validKey("") {
		t.Error("Expected unknown and empty keys to be rejected")
	}
}
