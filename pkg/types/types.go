package types

import (
	"image"
	"time"
)

// ImageInput is an uploaded image that passed the gate and may be sent to a backend
type ImageInput struct {
	Data     []byte      `json:"-"`
	Filename string      `json:"filename"`
	Format   string      `json:"format"`
	Size     int64       `json:"size"`
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	Image    image.Image `json:"-"`
}

// ImageInfo is the metadata view of an ImageInput
type ImageInfo struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Format     string  `json:"format"`
	Megapixels float64 `json:"megapixels"`
	SizeBytes  int64   `json:"size_bytes"`
}

// Info returns image metadata suitable for responses
func (in *ImageInput) Info() ImageInfo {
	mp := float64(in.Width*in.Height) / 1_000_000
	return ImageInfo{
		Width:      in.Width,
		Height:     in.Height,
		Format:     in.Format,
		Megapixels: float64(int(mp*100+0.5)) / 100,
		SizeBytes:  in.Size,
	}
}

// ErrorKind classifies why a single backend attempt failed
type ErrorKind string

const (
	ErrConnectionRefused ErrorKind = "connection_refused"
	ErrModelNotFound     ErrorKind = "model_not_found"
	ErrTimeout           ErrorKind = "timeout"
	ErrMalformedResponse ErrorKind = "malformed_response"
)

// InferenceAttempt records one timed call to one candidate model
type InferenceAttempt struct {
	Model      string        `json:"model"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"-"`
	DurationMs float64       `json:"duration_ms"`
	Success    bool          `json:"success"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ValidationIssue is one advisory finding about cleaned LaTeX
type ValidationIssue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Position int    `json:"position"`
}

// ValidationVerdict is the outcome of structural checks on cleaned LaTeX
type ValidationVerdict struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// HasIssue reports whether an issue with the given code was recorded
func (v ValidationVerdict) HasIssue(code string) bool {
	for _, issue := range v.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// OcrResult is the outcome of one top-level extraction
type OcrResult struct {
	RequestID        string             `json:"request_id,omitempty"`
	Success          bool               `json:"success"`
	Latex            *string            `json:"latex"`
	RawText          string             `json:"raw_text,omitempty"`
	ModelUsed        string             `json:"model_used,omitempty"`
	Duration         time.Duration      `json:"-"`
	ProcessingTimeMs float64            `json:"processing_time_ms"`
	Validation       *ValidationVerdict `json:"validation,omitempty"`
	Attempts         []InferenceAttempt `json:"attempts,omitempty"`
	Error            string             `json:"error,omitempty"`
	Cached           bool               `json:"cached,omitempty"`
}

// LatexOrEmpty returns the extracted LaTeX or "" when there is none
func (r *OcrResult) LatexOrEmpty() string {
	if r == nil || r.Latex == nil {
		return ""
	}
	return *r.Latex
}

// Options controls a single extraction. The zero value walks the whole
// candidate list.
type Options struct {
	ValidateLatex bool `json:"validate_latex"`
	// PrimaryOnly skips the fallback models
	PrimaryOnly      bool `json:"primary_only"`
	StrictValidation bool `json:"strict_validation"`
	// AutoFix applies latex.FixCommonIssues to the cleaned text before validating
	AutoFix bool `json:"auto_fix"`
}

// DefaultOptions cleans and validates output and walks the whole fallback chain
func DefaultOptions() Options {
	return Options{
		ValidateLatex: true,
	}
}

// Milliseconds converts a duration to fractional milliseconds
func Milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
