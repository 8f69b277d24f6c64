package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/menta2k/latex-ocr/pkg/types"
)

// BackendError is a failed attempt against one model
type BackendError struct {
	Kind  types.ErrorKind
	Model string
	Err   error
}

func (e *BackendError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("model %s: %s: %v", e.Model, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError builds a BackendError of the given kind
func NewBackendError(kind types.ErrorKind, model string, err error) *BackendError {
	return &BackendError{Kind: kind, Model: model, Err: err}
}

// KindOf returns the kind carried by err, or classifies it if it is not a BackendError
func KindOf(err error) types.ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return Classify(err)
}

// Classify maps transport-level failures onto an ErrorKind.
// Anything that is not recognisably a connection, timeout or missing-model failure
// is treated as a response the client could not use.
func Classify(err error) types.ErrorKind {
	if err == nil {
		return ""
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return types.ErrConnectionRefused
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return types.ErrConnectionRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.ErrConnectionRefused
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return types.ErrMalformedResponse
	}

	if LooksLikeModelNotFound(err.Error()) {
		return types.ErrModelNotFound
	}

	return types.ErrMalformedResponse
}

// LooksLikeModelNotFound recognises the "model not found" wording used by
// Ollama, llama.cpp and Gemini error bodies
func LooksLikeModelNotFound(msg string) bool {
	msg = strings.ToLower(msg)
	if !strings.Contains(msg, "model") {
		return false
	}
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "try pulling")
}
