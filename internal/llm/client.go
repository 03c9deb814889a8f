package llm

import "context"

// Client is the reasoning capability: given the history and the tool
// catalog it returns either text or tool calls.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream is Chat with text tokens delivered to callback as they
	// are generated. Cancelling ctx stops generation.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
