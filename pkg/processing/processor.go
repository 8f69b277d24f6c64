package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/latex-ocr/pkg/types"
)

// Config controls how images are encoded for the backend
type Config struct {
	// MaxDimension bounds the long side sent to the model, 0 keeps the original
	MaxDimension int
	// Quality is the JPEG quality used when an image has to be re-encoded
	Quality int
	// MaxDownloadBytes bounds URL downloads, 0 means unlimited
	MaxDownloadBytes int64
}

// DefaultConfig matches what vision models handle comfortably
func DefaultConfig() Config {
	return Config{
		MaxDimension:     2048,
		Quality:          90,
		MaxDownloadBytes: 10 * 1024 * 1024,
	}
}

// Processor prepares images for transport and loads them from files or URLs
type Processor struct {
	config     Config
	httpClient *http.Client
}

// NewProcessor creates a processor with default configuration
func NewProcessor() *Processor {
	return NewProcessorWithConfig(DefaultConfig())
}

// NewProcessorWithConfig creates a processor with custom configuration
func NewProcessorWithConfig(config Config) *Processor {
	return &Processor{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PrepareImageForModel returns the base64 payload sent to the backend.
// JPEG and PNG within the size limit are sent byte-for-byte; anything else is
// re-encoded, downscaling first when the long side exceeds MaxDimension.
func (p *Processor) PrepareImageForModel(in *types.ImageInput) (string, error) {
	if in == nil {
		return "", errors.New("nil image")
	}

	needsResize := p.config.MaxDimension > 0 &&
		(in.Width > p.config.MaxDimension || in.Height > p.config.MaxDimension)
	passThrough := in.Format == "jpeg" || in.Format == "png"

	if !needsResize && passThrough && len(in.Data) > 0 {
		return base64.StdEncoding.EncodeToString(in.Data), nil
	}

	img := in.Image
	if img == nil {
		decoded, _, err := image.Decode(bytes.NewReader(in.Data))
		if err != nil {
			return "", fmt.Errorf("failed to decode image: %w", err)
		}
		img = decoded
	}

	if needsResize {
		img = p.resize(img)
	}

	var buf bytes.Buffer
	switch in.Format {
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality()}); err != nil {
			return "", fmt.Errorf("failed to encode jpeg: %w", err)
		}
	default:
		// Formats the backends may not read (webp, gif, bmp) go out as PNG
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("failed to encode png: %w", err)
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (p *Processor) resize(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() >= b.Dy() {
		return imaging.Resize(img, p.config.MaxDimension, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, p.config.MaxDimension, imaging.Lanczos)
}

func (p *Processor) quality() int {
	if p.config.Quality < 1 || p.config.Quality > 100 {
		return 90
	}
	return p.config.Quality
}

// LoadSource reads image bytes from a file path or an http(s) URL and returns
// them with a filename suitable for extension checks
func (p *Processor) LoadSource(ctx context.Context, source string) ([]byte, string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadURL(ctx, source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image file: %w", err)
	}
	return data, filepath.Base(source), nil
}

// LoadURL downloads an image
func (p *Processor) LoadURL(ctx context.Context, imageURL string) ([]byte, string, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "latex-ocr/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	var body io.Reader = resp.Body
	if p.config.MaxDownloadBytes > 0 {
		body = io.LimitReader(resp.Body, p.config.MaxDownloadBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}

	return data, filenameFromURL(parsedURL, contentType), nil
}

// filenameFromURL names a download after its path, or after its content type
// when the path carries no extension
func filenameFromURL(u *url.URL, contentType string) string {
	name := path.Base(u.Path)
	if name != "." && name != "/" && path.Ext(name) != "" {
		return name
	}
	ext := strings.TrimPrefix(strings.SplitN(contentType, ";", 2)[0], "image/")
	if ext == "jpeg" {
		ext = "jpg"
	}
	return "download." + ext
}
