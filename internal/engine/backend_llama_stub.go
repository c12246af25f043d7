//go:build !llama

package engine

// This file provides a no-CGO stub for the llama backend. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.

import (
	"context"

	"inferd/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = false

type llamaBackend struct {
	cfg LlamaConfig
}

// NewLlamaBackend returns a backend whose Load fails: llama support is not
// compiled in.
func NewLlamaBackend(cfg LlamaConfig) Backend {
	return &llamaBackend{cfg: cfg}
}

func (b *llamaBackend) Name() string { return "llama" }

func (b *llamaBackend) ConcurrencySafe() bool { return false }

func (b *llamaBackend) Load(ctx context.Context) error {
	return ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (b *llamaBackend) Generate(ctx context.Context, messages []types.ChatMessage, opts SamplingOptions) (types.CompletionResult, error) {
	return types.CompletionResult{}, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (b *llamaBackend) Close() error { return nil }
