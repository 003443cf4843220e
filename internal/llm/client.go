// Package llm provides completion-service client implementations.
package llm

import "context"

// Client is the interface that all completion providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools carries the function declarations the model may invoke.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
