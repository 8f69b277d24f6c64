package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	latexocr "github.com/menta2k/latex-ocr"
	"github.com/menta2k/latex-ocr/internal/config"
	"github.com/menta2k/latex-ocr/internal/logging"
	"github.com/menta2k/latex-ocr/internal/store"
	"github.com/menta2k/latex-ocr/internal/telegram"
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

	if cfg.Telegram.Token == "" {
		logger.Fatal("Telegram token is empty: set TELEGRAM_BOT_TOKEN or telegram.token")
	}

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
		opts = append(opts, latexocr.WithCache(repo))
	}

	extractor, err := latexocr.NewFromConfig(cfg, opts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create extractor")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Telegram")
	}
	bot.Debug = cfg.Telegram.Debug

	router := telegram.NewRouter(bot, extractor, logger)
	router.Run(ctx, bot, cfg.Telegram.TimeoutSeconds)
	logger.Info("Telegram bot stopped")
}
