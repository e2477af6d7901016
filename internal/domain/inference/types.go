package inference

import (
	"context"
	"io"

	"github.com/sashabaranov/go-openai"
)

// The public wire format is the OpenAI chat-completions shape; we reuse the
// SDK types rather than defining our own.
type (
	ChatRequest  = openai.ChatCompletionRequest
	ChatResponse = openai.ChatCompletionResponse
	Usage        = openai.Usage
)

// Client is the contract every provider integration satisfies. Each client
// translates provider-native failures into ClassifiedError before returning.
type Client interface {
	Name() string

	// Send performs a non-streaming completion against the provider-native
	// model id, honoring ctx for cancellation and timeout.
	Send(ctx context.Context, providerModelID string, req ChatRequest) (*ChatResponse, error)

	// SendStream returns the provider's SSE body. Failover is only possible
	// until the stream is acquired; after that, errors are terminal.
	SendStream(ctx context.Context, providerModelID string, req ChatRequest) (io.ReadCloser, error)

	// Probe is a cheap liveness check (a /models round trip), used by the
	// background health monitor.
	Probe(ctx context.Context) error
}
