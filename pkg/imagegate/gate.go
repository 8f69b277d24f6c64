package imagegate

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/latex-ocr/pkg/types"
)

// Rejection reasons
const (
	ReasonMissingFilename      = "missing-filename"
	ReasonEmpty                = "empty"
	ReasonTooLarge             = "too-large"
	ReasonUnsupportedExtension = "unsupported-extension"
	ReasonUndecodable          = "undecodable"
	ReasonUnsupportedFormat    = "unsupported-format"
	ReasonTooSmall             = "too-small"
	ReasonDimensionsTooLarge   = "dimensions-too-large"
)

// InvalidImageError is a terminal rejection of an uploaded image
type InvalidImageError struct {
	Reason string
	Detail string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Detail == "" {
		return "invalid image: " + e.Reason
	}
	return fmt.Sprintf("invalid image: %s: %s", e.Reason, e.Detail)
}

func (e *InvalidImageError) Unwrap() error {
	return e.Err
}

func invalid(reason, detail string, err error) *InvalidImageError {
	return &InvalidImageError{Reason: reason, Detail: detail, Err: err}
}

// Config holds the gate's limits
type Config struct {
	MaxBytes          int64
	AllowedExtensions []string
	MinDimension      int
	MaxDimension      int
}

// DefaultConfig accepts images up to 10 MB in the common upload formats
func DefaultConfig() Config {
	return Config{
		MaxBytes:          10 * 1024 * 1024,
		AllowedExtensions: []string{"jpg", "jpeg", "png", "webp"},
		MinDimension:      50,
		MaxDimension:      8192,
	}
}

// Gate validates uploads before they are sent to a backend
type Gate struct {
	config     Config
	extensions map[string]struct{}
	formats    map[string]struct{}
}

// New creates a Gate with default configuration
func New() *Gate {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Gate with custom configuration
func NewWithConfig(config Config) *Gate {
	g := &Gate{
		config:     config,
		extensions: make(map[string]struct{}),
		formats:    make(map[string]struct{}),
	}
	for _, ext := range config.AllowedExtensions {
		ext = normalizeExtension(ext)
		if ext == "" {
			continue
		}
		g.extensions[ext] = struct{}{}
		g.formats[formatForExtension(ext)] = struct{}{}
	}
	return g
}

// Config returns the gate's limits
func (g *Gate) Config() Config {
	return g.config
}

// ValidateReader reads at most MaxBytes+1 bytes from r and validates them.
// A declaredSize above the limit is rejected without reading; pass -1 when unknown.
func (g *Gate) ValidateReader(r io.Reader, filename string, declaredSize int64) (*types.ImageInput, error) {
	if err := g.checkFilename(filename); err != nil {
		return nil, err
	}
	if g.config.MaxBytes > 0 && declaredSize > g.config.MaxBytes {
		return nil, g.tooLarge(declaredSize)
	}

	limit := g.config.MaxBytes
	if limit <= 0 {
		limit = DefaultConfig().MaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, invalid(ReasonUndecodable, "failed to read upload", err)
	}
	return g.Validate(data, filename)
}

// Validate checks size, extension and decodability of an uploaded image
func (g *Gate) Validate(data []byte, filename string) (*types.ImageInput, error) {
	if err := g.checkFilename(filename); err != nil {
		return nil, err
	}

	size := int64(len(data))
	if size == 0 {
		return nil, invalid(ReasonEmpty, "no image data", nil)
	}
	// Reject before decoding to bound the work done on oversized uploads
	if g.config.MaxBytes > 0 && size > g.config.MaxBytes {
		return nil, g.tooLarge(size)
	}

	img, format, err := decodeImage(data)
	if err != nil {
		return nil, invalid(ReasonUndecodable, err.Error(), err)
	}

	if !g.isFormatSupported(format) {
		return nil, invalid(ReasonUnsupportedFormat,
			fmt.Sprintf("content is %s, which is not allowed", format), nil)
	}

	bounds := img.Bounds()
	if err := g.ValidateDimensions(bounds.Dx(), bounds.Dy()); err != nil {
		return nil, err
	}

	return &types.ImageInput{
		Data:     data,
		Filename: filename,
		Format:   format,
		Size:     size,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Image:    img,
	}, nil
}

// ValidateDimensions checks decoded pixel dimensions against the configured bounds
func (g *Gate) ValidateDimensions(width, height int) error {
	if g.config.MinDimension > 0 && (width < g.config.MinDimension || height < g.config.MinDimension) {
		return invalid(ReasonTooSmall, fmt.Sprintf("image too small: %dx%d (minimum: %d)",
			width, height, g.config.MinDimension), nil)
	}
	if g.config.MaxDimension > 0 && (width > g.config.MaxDimension || height > g.config.MaxDimension) {
		return invalid(ReasonDimensionsTooLarge, fmt.Sprintf("image too large: %dx%d (maximum: %d)",
			width, height, g.config.MaxDimension), nil)
	}
	return nil
}

func (g *Gate) checkFilename(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return invalid(ReasonMissingFilename, "filename is required", nil)
	}
	ext := normalizeExtension(filepath.Ext(filename))
	if _, ok := g.extensions[ext]; !ok {
		return invalid(ReasonUnsupportedExtension, fmt.Sprintf("invalid file type %q, allowed: %s",
			ext, strings.Join(g.config.AllowedExtensions, ", ")), nil)
	}
	return nil
}

func (g *Gate) tooLarge(size int64) error {
	return invalid(ReasonTooLarge, fmt.Sprintf("file too large (%.2fMB), maximum size: %.2fMB",
		float64(size)/(1024*1024), float64(g.config.MaxBytes)/(1024*1024)), nil)
}

func (g *Gate) isFormatSupported(format string) bool {
	_, ok := g.formats[strings.ToLower(format)]
	return ok
}

// decodeImage decodes with the registered decoders, falling back to libwebp
func decodeImage(data []byte) (image.Image, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		// imaging applies EXIF orientation so phone photos reach the model upright
		img, derr := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if derr == nil {
			return img, format, nil
		}
		err = derr
	}

	if img, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return img, "webp", nil
	}

	return nil, "", fmt.Errorf("image: unknown or unsupported format: %w", err)
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

func formatForExtension(ext string) string {
	switch ext {
	case "jpg", "jpeg", "jpe":
		return "jpeg"
	case "tif":
		return "tiff"
	default:
		return ext
	}
}
