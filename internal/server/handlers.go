package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	latexocr "github.com/menta2k/latex-ocr"
	"github.com/menta2k/latex-ocr/internal/utils"
	"github.com/menta2k/latex-ocr/pkg/imagegate"
	"github.com/menta2k/latex-ocr/pkg/orchestrator"
	"github.com/menta2k/latex-ocr/pkg/types"
)

// multipart overhead allowed on top of the image size limit
const formOverhead = 1 << 20

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Index     *int   `json:"index,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

type metadata struct {
	Filename         string          `json:"filename"`
	ModelUsed        string          `json:"model_used,omitempty"`
	ImageInfo        types.ImageInfo `json:"image_info"`
	ValidationErrors []string        `json:"validation_errors"`
}

type ocrResponse struct {
	*types.OcrResult
	Metadata *metadata `json:"metadata,omitempty"`
}

type batchItem struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	*types.OcrResult
}

type batchResponse struct {
	Success               bool        `json:"success"`
	Total                 int         `json:"total"`
	Successful            int         `json:"successful"`
	Failed                int         `json:"failed"`
	TotalProcessingTimeMs float64     `json:"total_processing_time_ms"`
	Results               []batchItem `json:"results"`
}

type healthResponse struct {
	latexocr.Health
	PrimaryModel  string  `json:"primary_model"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorResponse{Success: false, Error: msg, ErrorCode: errCode})
}

// writeGateError maps an image rejection to 413 or 400
func writeGateError(w http.ResponseWriter, err error, index *int, filename string) {
	resp := errorResponse{Success: false, Error: err.Error(), ErrorCode: "invalid_image", Index: index, Filename: filename}
	code := http.StatusBadRequest
	var invalid *imagegate.InvalidImageError
	if errors.As(err, &invalid) {
		resp.ErrorCode = invalid.Reason
		if invalid.Reason == imagegate.ReasonTooLarge {
			code = http.StatusRequestEntityTooLarge
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "LaTeX OCR API",
		"version": latexocr.Version,
		"endpoints": map[string]string{
			"health": "/api/v1/health",
			"models": "/api/v1/models",
			"ocr":    "/api/v1/ocr/latex",
			"batch":  "/api/v1/ocr/latex/batch",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	writeJSON(w, http.StatusOK, healthResponse{
		Health:        s.extractor.Health(ctx),
		PrimaryModel:  s.extractor.Orchestrator().Candidates().Primary(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	status, err := s.extractor.CheckModels(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list models")
		writeError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.extractor.Gate().Config().MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+formOverhead)
	if err := r.ParseMultipartForm(maxBytes + formOverhead); err != nil {
		s.writeFormError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	fh := firstFile(r.MultipartForm, "file")
	if fh == nil {
		writeError(w, http.StatusBadRequest, "missing_file", "multipart field 'file' is required")
		return
	}

	img, err := s.openAndValidate(fh)
	if err != nil {
		writeGateError(w, err, nil, fh.Filename)
		return
	}

	opts := optionsFromQuery(r)
	result, err := s.extractor.ExtractImage(r.Context(), img, opts)
	if err != nil {
		s.writeExtractError(w, r, err)
		return
	}

	resp := ocrResponse{OcrResult: result}
	if queryBool(r, "return_metadata", false) {
		resp.Metadata = buildMetadata(img, result)
	}

	code := http.StatusOK
	if !result.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.extractor.Gate().Config().MaxBytes
	limit := int64(s.config.MaxBatchSize)*maxBytes + formOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		s.writeFormError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	switch {
	case len(files) == 0:
		writeError(w, http.StatusBadRequest, "missing_file", "multipart field 'files' is required")
		return
	case len(files) > s.config.MaxBatchSize:
		writeError(w, http.StatusBadRequest, "batch_too_large",
			fmt.Sprintf("batch has %d files, maximum is %d", len(files), s.config.MaxBatchSize))
		return
	}

	// Any rejected file rejects the whole batch before a backend is called
	images := make([]*types.ImageInput, len(files))
	for i, fh := range files {
		img, err := s.openAndValidate(fh)
		if err != nil {
			writeGateError(w, fmt.Errorf("file %d (%s): %w", i, fh.Filename, err), &i, fh.Filename)
			return
		}
		images[i] = img
	}

	opts := optionsFromQuery(r)
	start := time.Now()
	items := make([]batchItem, len(images))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.config.BatchConcurrency)
	for i, img := range images {
		g.Go(func() error {
			itemCtx := orchestrator.ContextWithRequestID(ctx, fmt.Sprintf("%s-%d", orchestrator.RequestIDFromContext(r.Context()), i))
			result, err := s.extractor.ExtractImage(itemCtx, img, opts)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				result = &types.OcrResult{Success: false, Error: err.Error()}
			}
			items[i] = batchItem{Index: i, Filename: img.Filename, OcrResult: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.writeExtractError(w, r, err)
		return
	}

	resp := batchResponse{Total: len(items), Results: items}
	for _, item := range items {
		if item.Success {
			resp.Successful++
		} else {
			resp.Failed++
		}
	}
	resp.Success = resp.Failed == 0
	resp.TotalProcessingTimeMs = types.Milliseconds(time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) openAndValidate(fh *multipart.FileHeader) (*types.ImageInput, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	img, err := s.extractor.Gate().ValidateReader(f, fh.Filename, fh.Size)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"filename": img.Filename,
		"size":     utils.FormatFileSize(img.Size),
		"width":    img.Width,
		"height":   img.Height,
	}).Debug("Upload accepted")
	return img, nil
}

func (s *Server) writeFormError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, imagegate.ReasonTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "bad_request", "expected multipart/form-data: "+err.Error())
}

func (s *Server) writeExtractError(w http.ResponseWriter, r *http.Request, err error) {
	log := s.logger.WithFields(logrus.Fields{
		"request_id": orchestrator.RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
	}).WithError(err)
	if r.Context().Err() != nil {
		log.Info("Request cancelled by client")
		writeError(w, http.StatusServiceUnavailable, "cancelled", "request cancelled")
		return
	}
	log.Error("OCR processing failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "OCR processing failed: "+err.Error())
}

func firstFile(form *multipart.Form, field string) *multipart.FileHeader {
	if form == nil || len(form.File[field]) == 0 {
		return nil
	}
	return form.File[field][0]
}

func optionsFromQuery(r *http.Request) types.Options {
	defaults := types.DefaultOptions()
	return types.Options{
		ValidateLatex:    queryBool(r, "validate_latex", defaults.ValidateLatex),
		PrimaryOnly:      !queryBool(r, "use_fallback", !defaults.PrimaryOnly),
		StrictValidation: queryBool(r, "strict", defaults.StrictValidation),
		AutoFix:          queryBool(r, "fix", defaults.AutoFix),
	}
}

func queryBool(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func buildMetadata(img *types.ImageInput, result *types.OcrResult) *metadata {
	md := &metadata{
		Filename:         img.Filename,
		ModelUsed:        result.ModelUsed,
		ImageInfo:        img.Info(),
		ValidationErrors: []string{},
	}
	if result.Validation != nil {
		for _, issue := range result.Validation.Issues {
			md.ValidationErrors = append(md.ValidationErrors, issue.Message)
		}
	}
	return md
}
