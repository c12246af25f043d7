package engine

import (
	"context"

	"inferd/pkg/types"
)

// Backend abstracts the model runtime used by the Engine.
type Backend interface {
	// Name identifies the backend kind (openai, llama).
	Name() string
	// Load performs the one-time, expensive initialization. The Engine calls
	// it exactly once.
	Load(ctx context.Context) error
	// Generate produces one completion for the given messages.
	Generate(ctx context.Context, messages []types.ChatMessage, opts SamplingOptions) (types.CompletionResult, error)
	// ConcurrencySafe reports whether the runtime multiplexes concurrent
	// Generate calls itself.
	ConcurrencySafe() bool
	// Close releases the loaded handle.
	Close() error
}

// SamplingOptions are passed through to the backend untouched.
type SamplingOptions struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// OptionsFromRequest applies request defaults.
func OptionsFromRequest(req types.ChatRequest) SamplingOptions {
	t, n, p := req.Sampling()
	return SamplingOptions{Temperature: t, MaxTokens: n, TopP: p}
}
