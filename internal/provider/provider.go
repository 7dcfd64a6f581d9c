// Package provider defines the uniform adapter contract over the
// heterogeneous upstream protocols. Adapters differ only in endpoint and
// payload shape, never in this contract: adding a provider adds one
// variant without touching the orchestrator.
package provider

import (
	"context"
	"encoding/json"

	"github.com/routegate/routegate/internal/domain"
)

// Request is the upstream-facing request the orchestrator builds after
// admission: model resolved from the route, max tokens already clamped,
// API key already resolved from the route's key reference.
type Request struct {
	Model       string
	Messages    []domain.Message
	MaxTokens   int
	Temperature *float64
	APIKey      string
}

// CompletionResult is a buffered completion. Raw carries the
// provider-shaped payload returned to the caller; Text is the extracted
// assistant text used for structured-output coercion.
type CompletionResult struct {
	Raw   json.RawMessage
	Text  string
	Usage domain.Usage
}

// Sink receives a streamed completion. Chunk is called with raw
// provider-framed bytes, forwarded without reformatting so the caller's
// stream consumer sees native event framing. OnUsage fires when a usage
// object is observed mid-stream; providers typically emit it only on the
// final chunk.
type Sink interface {
	Chunk(p []byte) error
	OnUsage(u domain.Usage)
}

// Adapter is the uniform upstream contract. Stream never writes the
// downstream termination marker; that is the orchestrator's job.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, route domain.Route, req Request) (*CompletionResult, error)
	Stream(ctx context.Context, route domain.Route, req Request, sink Sink) error
}

// NewUpstreamError wraps a provider failure with its retryable hint.
// Timeouts and 5xx/429 responses are hints only; this layer never retries.
func NewUpstreamError(provider string, status int, err error) *domain.UpstreamError {
	return &domain.UpstreamError{
		Provider:  provider,
		Status:    status,
		Retryable: status == 0 || status == 429 || status >= 500,
		Err:       err,
	}
}
