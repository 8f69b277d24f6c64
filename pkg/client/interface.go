package client

import (
	"context"
)

// VisionClient sends one image and prompt to one named model on an inference backend.
// Implementations are stateless and safe for concurrent use.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Pinger is implemented by backends with a cheap liveness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}
