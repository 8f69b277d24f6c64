package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	latexocr "github.com/menta2k/latex-ocr"
	"github.com/menta2k/latex-ocr/internal/config"
	"github.com/menta2k/latex-ocr/internal/logging"
	"github.com/menta2k/latex-ocr/internal/utils"
	"github.com/menta2k/latex-ocr/pkg/types"
)

func main() {
	var in, outDir, configPath, writeConfig string
	var backend, url, model, fallback string
	var timeout int
	var noValidate, noFallback, strict, fix, writeJSON bool
	var logLevel string

	flag.StringVar(&in, "in", "", "input image path, directory or URL (jpg/png/webp)")
	flag.StringVar(&outDir, "out", "", "output directory for .tex/.json files (default: print to stdout)")
	flag.StringVar(&configPath, "config", "", "config file (json or yaml, default: "+config.GetConfigPath()+" when present)")
	flag.StringVar(&writeConfig, "write-config", "", "write the effective configuration to this path and exit")

	flag.StringVar(&backend, "backend", "", "backend to use: ollama, llamacpp or gemini")
	flag.StringVar(&url, "url", "", "backend server URL")
	flag.StringVar(&model, "model", "", "primary model name")
	flag.StringVar(&fallback, "fallback", "", "comma-separated fallback models")
	flag.IntVar(&timeout, "timeout", 0, "per-model timeout in seconds")

	flag.BoolVar(&noValidate, "no-validate", false, "return raw model output without cleaning or validation")
	flag.BoolVar(&noFallback, "no-fallback", false, "try the primary model only")
	flag.BoolVar(&strict, "strict", false, "use strict LaTeX validation")
	flag.BoolVar(&fix, "fix", false, "repair common LaTeX mistakes before validation")
	flag.BoolVar(&writeJSON, "json", false, "write the full result as JSON next to the .tex file")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if backend != "" {
		cfg.Backend.Kind = backend
	}
	if url != "" {
		cfg.Backend.URL = url
	}
	if model != "" {
		cfg.Backend.Model = model
	}
	if fallback != "" {
		cfg.Backend.FallbackModels = strings.Split(fallback, ",")
	}
	if timeout > 0 {
		cfg.Backend.TimeoutSeconds = timeout
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if writeConfig != "" {
		if err := cfg.SaveToFile(writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "configuration written to %s\n", writeConfig)
		return
	}
	if in == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -in image.png|dir|URL [-backend ollama|llamacpp|gemini] [-model llava:7b] [-fallback a,b] [-out outdir]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	extractor, err := latexocr.NewFromConfig(cfg, latexocr.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create extractor")
	}

	opts := types.Options{
		ValidateLatex:    !noValidate,
		PrimaryOnly:      noFallback,
		StrictValidation: strict,
		AutoFix:          fix,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inputs := []string{in}
	if utils.DirExists(in) {
		inputs, err = utils.ListImageFiles(in, cfg.Image.AllowedExtensions)
		if err != nil {
			logger.WithError(err).Fatal("Failed to list input directory")
		}
		logger.WithFields(logrus.Fields{"path": in, "count": len(inputs)}).Info("Processing directory")
	}

	failed := 0
	for _, input := range inputs {
		if ctx.Err() != nil {
			break
		}
		if !process(ctx, extractor, logger, input, outDir, writeJSON, opts) {
			failed++
		}
	}

	if failed > 0 {
		logger.WithFields(logrus.Fields{"failed": failed, "total": len(inputs)}).Error("Some images could not be processed")
		os.Exit(1)
	}
}

func process(ctx context.Context, extractor *latexocr.Extractor, logger logrus.FieldLogger, input, outDir string, writeJSON bool, opts types.Options) bool {
	log := logger.WithField("filename", input)

	result, err := extractor.ExtractSource(ctx, input, opts)
	if err != nil {
		log.WithError(err).Error("Failed to process image")
		return false
	}
	if !result.Success {
		log.WithField("error", result.Error).Error("No candidate model produced LaTeX")
		return false
	}

	fields := logrus.Fields{
		"model":       result.ModelUsed,
		"duration_ms": result.ProcessingTimeMs,
	}
	if info, err := os.Stat(input); err == nil {
		fields["size"] = utils.FormatFileSize(info.Size())
	}
	log.WithFields(fields).Info("LaTeX extracted")

	if outDir == "" {
		fmt.Println(result.LatexOrEmpty())
		return true
	}

	texPath := utils.OutputPath(input, outDir, "tex")
	if err := utils.WriteFile(texPath, []byte(result.LatexOrEmpty()+"\n")); err != nil {
		log.WithError(err).Error("Failed to write output")
		return false
	}
	log.WithField("path", texPath).Info("Wrote LaTeX")

	if writeJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.WithError(err).Error("Failed to encode result")
			return false
		}
		jsonPath := utils.OutputPath(input, outDir, "json")
		if err := utils.WriteFile(jsonPath, data); err != nil {
			log.WithError(err).Error("Failed to write output")
			return false
		}
	}
	return true
}
