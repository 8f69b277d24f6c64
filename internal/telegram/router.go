package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	latexocr "github.com/menta2k/latex-ocr"
	"github.com/menta2k/latex-ocr/internal/utils"
	"github.com/menta2k/latex-ocr/pkg/types"
)

// BotAPI is the part of *tgbotapi.BotAPI the router uses
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Router answers photos and image documents with the extracted LaTeX
type Router struct {
	Bot       BotAPI
	Extractor *latexocr.Extractor
	Options   types.Options
	Logger    logrus.FieldLogger

	HTTPClient *http.Client
}

// NewRouter creates a router with default extraction options
func NewRouter(bot BotAPI, extractor *latexocr.Extractor, logger logrus.FieldLogger) *Router {
	return &Router{
		Bot:        bot,
		Extractor:  extractor,
		Options:    types.DefaultOptions(),
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Run long-polls for updates until ctx is cancelled
func (r *Router) Run(ctx context.Context, bot *tgbotapi.BotAPI, timeoutSeconds int) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeoutSeconds
	updates := bot.GetUpdatesChan(u)

	r.Logger.WithField("bot", bot.Self.UserName).Info("Telegram bot started")
	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			r.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate processes one update
func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil {
		return
	}
	cid := msg.Chat.ID

	if msg.IsCommand() {
		r.handleCommand(ctx, msg)
		return
	}

	switch {
	case len(msg.Photo) > 0:
		// largest size is last
		ph := msg.Photo[len(msg.Photo)-1]
		r.extract(ctx, cid, ph.FileID, fmt.Sprintf("photo_%d.jpg", msg.MessageID))
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		name := msg.Document.FileName
		if name == "" {
			name = "document." + strings.TrimPrefix(msg.Document.MimeType, "image/")
		}
		r.extract(ctx, cid, msg.Document.FileID, name)
	default:
		r.send(cid, "Send a photo of a formula and I will reply with its LaTeX.")
	}
}

func (r *Router) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		r.send(cid, "Send a photo (or an image file) of a mathematical expression and I will reply with its LaTeX.\nCommands: /models, /health")
	case "health":
		h := r.Extractor.Health(ctx)
		if h.Status == "healthy" {
			r.send(cid, "✅ OK")
		} else {
			r.send(cid, "⚠️ Backend unavailable: "+h.Error)
		}
	case "models":
		status, err := r.Extractor.CheckModels(ctx)
		if err != nil {
			r.send(cid, "⚠️ "+err.Error())
			return
		}
		var b strings.Builder
		b.WriteString("Candidate models:\n")
		for _, m := range r.Extractor.Orchestrator().Candidates().Models() {
			mark := "❌"
			if status.Status[m] {
				mark = "✅"
			}
			fmt.Fprintf(&b, "%s %s\n", mark, m)
		}
		r.send(cid, b.String())
	default:
		r.send(cid, "Unknown command")
	}
}

func (r *Router) extract(ctx context.Context, cid int64, fileID, filename string) {
	log := r.Logger.WithFields(logrus.Fields{"chat_id": cid, "filename": filename})

	url, err := r.Bot.GetFileDirectURL(fileID)
	if err != nil {
		log.WithError(err).Error("Failed to resolve Telegram file")
		r.send(cid, "⚠️ Could not fetch the image from Telegram.")
		return
	}

	data, err := r.download(ctx, url)
	if err != nil {
		log.WithError(err).Error("Failed to download Telegram file")
		r.send(cid, "⚠️ Could not fetch the image from Telegram.")
		return
	}

	if ext := path.Ext(filename); ext == "" {
		filename += ".jpg"
	}
	result, err := r.Extractor.ExtractBytes(ctx, data, utils.SanitizeFilename(filename), r.Options)
	if err != nil {
		if invalid, ok := latexocr.IsInvalidImage(err); ok {
			r.send(cid, "⚠️ "+invalid.Error())
			return
		}
		log.WithError(err).Error("OCR processing failed")
		r.send(cid, "⚠️ OCR processing failed.")
		return
	}

	log.WithFields(logrus.Fields{
		"request_id": result.RequestID,
		"success":    result.Success,
		"model":      result.ModelUsed,
		"size":       utils.FormatFileSize(int64(len(data))),
	}).Info("Telegram request processed")

	reply := tgbotapi.NewMessage(cid, FormatResult(result))
	reply.ParseMode = tgbotapi.ModeMarkdown
	if _, err := r.Bot.Send(reply); err != nil {
		// Markdown can be rejected for odd LaTeX; fall back to plain text
		r.send(cid, PlainResult(result))
	}
}

func (r *Router) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	// one byte over the limit lets the gate report too-large
	limit := r.Extractor.Gate().Config().MaxBytes + 1
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

func (r *Router) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := r.Bot.Send(msg); err != nil {
		r.Logger.WithError(err).WithField("chat_id", chatID).Warn("Failed to send Telegram message")
	}
}

// FormatResult renders a result as a Markdown reply
func FormatResult(result *types.OcrResult) string {
	if !result.Success {
		return failureText(result)
	}
	var b strings.Builder
	b.WriteString("```\n")
	b.WriteString(result.LatexOrEmpty())
	b.WriteString("\n```\n")
	fmt.Fprintf(&b, "Model: %s, %.0f ms", result.ModelUsed, result.ProcessingTimeMs)
	if result.Validation != nil && !result.Validation.Valid {
		b.WriteString("\n⚠️ Possible problems:")
		for _, issue := range result.Validation.Issues {
			b.WriteString("\n- ")
			b.WriteString(issue.Code)
		}
	}
	return b.String()
}

// PlainResult renders a result without any markup
func PlainResult(result *types.OcrResult) string {
	if !result.Success {
		return failureText(result)
	}
	return result.LatexOrEmpty()
}

func failureText(result *types.OcrResult) string {
	var b strings.Builder
	b.WriteString("Could not extract LaTeX. Models tried:")
	for i, a := range result.Attempts {
		fmt.Fprintf(&b, "\n%d) %s: %s (%.0f ms)", i+1, a.Model, a.ErrorKind, a.DurationMs)
	}
	if len(result.Attempts) == 0 && result.Error != "" {
		b.WriteString("\n")
		b.WriteString(result.Error)
	}
	return b.String()
}
