package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	latexocr "github.com/menta2k/latex-ocr"
	"github.com/menta2k/latex-ocr/internal/config"
)

// Server exposes an Extractor over HTTP
type Server struct {
	extractor *latexocr.Extractor
	config    config.ServerConfig
	keys      [][sha256.Size]byte
	limiter   *keyLimiter
	logger    logrus.FieldLogger
	started   time.Time
}

// New creates the HTTP service. With no API keys configured the protected
// routes are open.
func New(extractor *latexocr.Extractor, cfg config.ServerConfig, logger logrus.FieldLogger) *Server {
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 10
	}
	if cfg.BatchConcurrency < 1 {
		cfg.BatchConcurrency = 1
	}
	if cfg.RateLimitPerMinute < 1 {
		cfg.RateLimitPerMinute = 10
	}

	s := &Server{
		extractor: extractor,
		config:    cfg,
		limiter:   newKeyLimiter(cfg.RateLimitPerMinute),
		logger:    logger,
		started:   time.Now(),
	}
	for _, k := range cfg.APIKeys {
		if k != "" {
			s.keys = append(s.keys, sha256.Sum256([]byte(k)))
		}
	}
	return s
}

// Handler returns the routed handler wrapped in the request middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/models", s.protect(http.HandlerFunc(s.handleModels)))
	mux.Handle("POST /api/v1/ocr/latex", s.protect(http.HandlerFunc(s.handleOCR)))
	mux.Handle("POST /api/v1/ocr/latex/batch", s.protect(http.HandlerFunc(s.handleBatch)))
	return s.withRequestLog(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
