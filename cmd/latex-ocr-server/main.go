package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	latexocr "github.com/menta2k/latex-ocr"
	"github.com/menta2k/latex-ocr/internal/config"
	"github.com/menta2k/latex-ocr/internal/logging"
	"github.com/menta2k/latex-ocr/internal/server"
	"github.com/menta2k/latex-ocr/internal/store"
)

func main() {
	configPath := flag.String("config", "", "config file (json or yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []latexocr.Option{latexocr.WithLogger(logger)}

	if cfg.Store.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()

		repo := store.NewResultRepo(db, cfg.MaxAge())
		if err := repo.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to migrate database")
		}
		if n, err := repo.Purge(ctx); err != nil {
			logger.WithError(err).Warn("Failed to purge expired results")
		} else if n > 0 {
			logger.WithField("count", n).Info("Purged expired results")
		}
		opts = append(opts, latexocr.WithCache(repo))
		logger.Info("Result cache enabled")
	}

	extractor, err := latexocr.NewFromConfig(cfg, opts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create extractor")
	}

	logModels(ctx, extractor, logger)
	if len(cfg.Server.APIKeys) == 0 {
		logger.Warn("No API keys configured, OCR endpoints are open")
	}

	srv := server.New(extractor, cfg.Server, logger)
	if err := srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
		logger.WithError(err).Fatal("HTTP server failed")
	}
	logger.Info("HTTP server stopped")
}

// logModels reports which candidate models the backend has; missing models
// are not fatal since they may be pulled later
func logModels(ctx context.Context, extractor *latexocr.Extractor, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status, err := extractor.CheckModels(ctx)
	if err != nil {
		logger.WithError(err).Warn("Backend not reachable at startup")
		return
	}
	for model, ok := range status.Status {
		entry := logger.WithField("model", model)
		if ok {
			entry.Info("Model available")
		} else {
			entry.Warn("Model not available")
		}
	}
}
