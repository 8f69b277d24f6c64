package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/menta2k/latex-ocr/pkg/client"
	"github.com/menta2k/latex-ocr/pkg/types"
)

// Client talks to Google's Gemini API. A genai client is opened per call,
// so the value itself holds no connections.
type Client struct {
	APIKey string
	opts   []option.ClientOption
}

// NewClient creates a Gemini client; extra options are passed to genai.NewClient
func NewClient(apiKey string, opts ...option.ClientOption) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: API key is empty")
	}
	return &Client{APIKey: apiKey, opts: opts}, nil
}

func (c *Client) open(ctx context.Context) (*genai.Client, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(c.APIKey)}, c.opts...)
	return genai.NewClient(ctx, opts...)
}

// SimpleQuery sends the image and prompt to model and returns the first text part
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}

	cl, err := c.open(ctx)
	if err != nil {
		return "", classifyError(model, err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(strings.TrimSpace(model))
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(0),
	}

	resp, err := m.GenerateContent(ctx,
		genai.Text(prompt),
		genai.ImageData(imageFormat(imgBytes), imgBytes),
	)
	if err != nil {
		return "", classifyError(model, err)
	}

	text := firstText(resp)
	if strings.TrimSpace(text) == "" {
		return "", client.NewBackendError(types.ErrMalformedResponse, model, errors.New("gemini: empty response"))
	}
	return text, nil
}

// ListModels returns the model names available to the API key, without the "models/" prefix
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	cl, err := c.open(ctx)
	if err != nil {
		return nil, classifyError("", err)
	}
	defer cl.Close()

	var names []string
	it := cl.ListModels(ctx)
	for {
		info, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyError("", err)
		}
		names = append(names, strings.TrimPrefix(info.Name, "models/"))
	}
	return names, nil
}

func classifyError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		kind := types.ErrMalformedResponse
		switch {
		case apiErr.Code == http.StatusNotFound:
			kind = types.ErrModelNotFound
		case apiErr.Code == http.StatusServiceUnavailable, apiErr.Code == http.StatusBadGateway:
			kind = types.ErrConnectionRefused
		}
		return client.NewBackendError(kind, model, fmt.Errorf("gemini: %w", err))
	}

	// genai talks gRPC, so most failures arrive as a status
	if st, ok := status.FromError(err); ok {
		kind := types.ErrMalformedResponse
		switch st.Code() {
		case codes.NotFound:
			kind = types.ErrModelNotFound
		case codes.Unavailable:
			kind = types.ErrConnectionRefused
		case codes.DeadlineExceeded:
			kind = types.ErrTimeout
		}
		return client.NewBackendError(kind, model, fmt.Errorf("gemini: %w", err))
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return client.NewBackendError(types.ErrMalformedResponse, model, fmt.Errorf("gemini: %w", err))
	}

	return client.NewBackendError(client.Classify(err), model, fmt.Errorf("gemini: %w", err))
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

// imageFormat returns the genai image subtype for the encoded bytes
func imageFormat(data []byte) string {
	mime := http.DetectContentType(data)
	if format, ok := strings.CutPrefix(mime, "image/"); ok {
		return format
	}
	return "jpeg"
}

func ptrFloat32(v float32) *float32 { return &v }
