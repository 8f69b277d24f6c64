package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/latex-ocr/pkg/client"
	"github.com/menta2k/latex-ocr/pkg/types"
)

// DefaultURL is where a local Ollama listens
const DefaultURL = "http://localhost:11434"

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL string) (*Client, error) {
	if ollamaURL == "" {
		ollamaURL = DefaultURL
	}

	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q has no scheme or host", ollamaURL)
	}

	// Drop any path like /api/chat, the SDK adds its own
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	// Timeouts come from the caller's context, not the transport
	return &Client{client: api.NewClient(baseURL, &http.Client{})}, nil
}

// SimpleQuery sends the image and prompt to model and returns the model's raw text
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream: &streamFalse,
		// Transcription wants the most likely reading, not a creative one
		Options: map[string]any{
			"temperature": 0,
		},
	}

	var content strings.Builder
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", classifyError(model, err)
	}

	return content.String(), nil
}

// ListModels returns the names of models pulled on the server
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, classifyError("", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Ping checks that the server is reachable
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return classifyError("", err)
	}
	return nil
}

func classifyError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		kind := types.ErrMalformedResponse
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			kind = types.ErrModelNotFound
		case client.LooksLikeModelNotFound(statusErr.ErrorMessage):
			kind = types.ErrModelNotFound
		case statusErr.StatusCode == http.StatusBadGateway,
			statusErr.StatusCode == http.StatusServiceUnavailable:
			kind = types.ErrConnectionRefused
		}
		return client.NewBackendError(kind, model, fmt.Errorf("ollama chat error: %w", err))
	}

	return client.NewBackendError(client.Classify(err), model, fmt.Errorf("ollama chat error: %w", err))
}
