package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/menta2k/latex-ocr/pkg/client"
	"github.com/menta2k/latex-ocr/pkg/types"
)

// DefaultURL is where llama-server listens by default
const DefaultURL = "http://localhost:8080"

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func NewClient(serverURL string) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}

	return &Client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		// Deadlines come from the caller's context
		httpClient: &http.Client{},
	}, nil
}

// SimpleQuery sends the image and prompt to model and returns the model's raw text
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	content := []ContentPart{
		{
			Type: "text",
			Text: prompt,
		},
	}

	if imgB64 != "" {
		content = append(content, ContentPart{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL: "data:" + sniffMIME(imgB64) + ";base64," + imgB64,
			},
		})
	}

	req := ChatCompletionRequest{
		Model: model,
		Messages: []Message{
			{
				Role:    "user",
				Content: content,
			},
		},
		Temperature: 0,
		MaxTokens:   2048,
		Stream:      false,
	}

	respBody, err := c.sendRequest(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		return "", wrapError(model, err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", client.NewBackendError(types.ErrMalformedResponse, model, fmt.Errorf("failed to parse response: %w", err))
	}

	if len(resp.Choices) == 0 {
		return "", client.NewBackendError(types.ErrMalformedResponse, model, errors.New("no choices in response"))
	}

	// Extract text from the response (handle both string and array formats)
	switch content := resp.Choices[0].Message.Content.(type) {
	case string:
		return content, nil
	case []interface{}:
		for _, item := range content {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok && text != "" {
					return text, nil
				}
			}
		}
	}

	return "", client.NewBackendError(types.ErrMalformedResponse, model, errors.New("no text content in response"))
}

// ListModels returns the model ids the server advertises
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	body, err := c.sendRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, wrapError("", err)
	}
	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, client.NewBackendError(types.ErrMalformedResponse, "", fmt.Errorf("failed to parse model list: %w", err))
	}
	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// Ping checks the server's health endpoint
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.sendRequest(ctx, http.MethodGet, "/health", nil); err != nil {
		return wrapError("", err)
	}
	return nil
}

// statusError is a non-200 reply from the server
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) sendRequest(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{StatusCode: resp.StatusCode, Body: errorMessage(body)}
	}

	return body, nil
}

func wrapError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *statusError
	if errors.As(err, &se) {
		kind := types.ErrMalformedResponse
		switch {
		case se.StatusCode == http.StatusNotFound, client.LooksLikeModelNotFound(se.Body):
			kind = types.ErrModelNotFound
		case se.StatusCode == http.StatusServiceUnavailable, se.StatusCode == http.StatusBadGateway:
			// llama-server answers 503 while the model is still loading
			kind = types.ErrConnectionRefused
		}
		return client.NewBackendError(kind, model, err)
	}
	return client.NewBackendError(client.Classify(err), model, err)
}

// errorMessage pulls the OpenAI-style error message out of a body when present
func errorMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		return eb.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// sniffMIME guesses the data URL type from the first encoded bytes
func sniffMIME(imgB64 string) string {
	switch {
	case strings.HasPrefix(imgB64, "iVBOR"):
		return "image/png"
	case strings.HasPrefix(imgB64, "R0lGOD"):
		return "image/gif"
	case strings.HasPrefix(imgB64, "UklGR"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
