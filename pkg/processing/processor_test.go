package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/latex-ocr/pkg/types"
)

func input(t *testing.T, w, h int, format string) *types.ImageInput {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return &types.ImageInput{
		Data:     buf.Bytes(),
		Filename: "eq.png",
		Format:   format,
		Size:     int64(buf.Len()),
		Width:    w,
		Height:   h,
		Image:    img,
	}
}

func decodeB64(t *testing.T, s string) image.Image {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("Invalid base64: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Payload is not an image: %v", err)
	}
	return img
}

func TestPrepareImagePassThrough(t *testing.T) {
	p := NewProcessor()
	in := input(t, 300, 100, "png")

	got, err := p.PrepareImageForModel(in)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != base64.StdEncoding.EncodeToString(in.Data) {
		t.Error("Expected original bytes to be sent unchanged")
	}
}

func TestPrepareImageResizes(t *testing.T) {
	p := NewProcessorWithConfig(Config{MaxDimension: 100, Quality: 90})

	wide, err := p.PrepareImageForModel(input(t, 400, 200, "png"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b := decodeB64(t, wide).Bounds()
	if b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("Expected 100x50, got %dx%d", b.Dx(), b.Dy())
	}

	tall, err := p.PrepareImageForModel(input(t, 200, 400, "png"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b = decodeB64(t, tall).Bounds()
	if b.Dx() != 50 || b.Dy() != 100 {
		t.Errorf("Expected 50x100, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestPrepareImageReencodesOtherFormats(t *testing.T) {
	p := NewProcessor()
	in := input(t, 60, 60, "webp")
	in.Data = []byte("RIFF....WEBP")

	got, err := p.PrepareImageForModel(in)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	data, _ := base64.StdEncoding.DecodeString(got)
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Error("Expected webp input to be sent as PNG")
	}

	if _, err := p.PrepareImageForModel(nil); err == nil {
		t.Error("Expected error for nil input")
	}
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		raw, contentType, want string
	}{
		{"https://example.com/img/eq.png", "image/png", "eq.png"},
		{"https://example.com/render?id=1", "image/jpeg", "download.jpg"},
		{"https://example.com/", "image/webp; charset=binary", "download.webp"},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		if got := filenameFromURL(u, tt.contentType); got != tt.want {
			t.Errorf("filenameFromURL(%s): expected %s, got %s", tt.raw, tt.want, got)
		}
	}
}

func TestLoadURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/eq.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(bytes.Repeat([]byte{1}, 64))
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	p := NewProcessorWithConfig(Config{MaxDownloadBytes: 16})
	ctx := context.Background()

	data, name, err := p.LoadURL(ctx, ts.URL+"/eq.png")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if name != "eq.png" {
		t.Errorf("Expected eq.png, got %s", name)
	}
	// one byte over the limit so the gate can report it
	if len(data) != 17 {
		t.Errorf("Expected 17 bytes, got %d", len(data))
	}

	if _, _, err := p.LoadURL(ctx, ts.URL+"/page"); err == nil {
		t.Error("Expected error for non-image content type")
	}
	if _, _, err := p.LoadURL(ctx, ts.URL+"/missing"); err == nil {
		t.Error("Expected error for 404")
	}
	if _, _, err := p.LoadURL(ctx, "ftp://example.com/a.png"); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}

func TestLoadSourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formula.png")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, name, err := NewProcessor().LoadSource(context.Background(), path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(data) != "data" || name != "formula.png" {
		t.Errorf("Unexpected result %q %s", data, name)
	}
}
