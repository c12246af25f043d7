//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

// llamaBackend owns one in-process model. The runtime keeps per-call state
// (token callback, KV cache), so it must sit behind the exclusive gate.
type llamaBackend struct {
	cfg LlamaConfig

	mu    sync.Mutex
	model *llama.LLama
}

// NewLlamaBackend constructs the in-process backend. The model loads in Load.
func NewLlamaBackend(cfg LlamaConfig) Backend {
	return &llamaBackend{cfg: cfg}
}

func (b *llamaBackend) Name() string { return "llama" }

func (b *llamaBackend) ConcurrencySafe() bool { return false }

func (b *llamaBackend) Load(ctx context.Context) error {
	if strings.TrimSpace(b.cfg.ModelPath) == "" {
		return errors.New("llama backend: model path is empty")
	}
	opts := []llama.ModelOption{llama.SetContext(zn(b.cfg.ContextSize, 4096))}
	if b.cfg.GPULayers > 0 {
		opts = append(opts, llama.SetGPULayers(b.cfg.GPULayers))
	}
	m, err := llama.New(b.cfg.ModelPath, opts...)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		m.Free()
		return err
	}
	b.mu.Lock()
	b.model = m
	b.mu.Unlock()
	return nil
}

func (b *llamaBackend) Generate(ctx context.Context, messages []types.ChatMessage, opts SamplingOptions) (types.CompletionResult, error) {
	b.mu.Lock()
	m := b.model
	b.mu.Unlock()
	if m == nil {
		return types.CompletionResult{}, errors.New("llama model not initialized")
	}
	prompt := RenderChatML(messages)

	completionTokens := 0
	m.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		completionTokens++
		return true
	})
	defer m.SetTokenCallback(nil)

	po := []llama.PredictOption{
		llama.SetTokens(max(1, opts.MaxTokens)),
		llama.SetThreads(max(1, b.cfg.Threads)),
		llama.SetTopP(float32(opts.TopP)),
		llama.SetTemperature(float32(opts.Temperature)),
		llama.SetStopWords(chatMLStop),
	}
	text, err := m.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return types.CompletionResult{}, ctx.Err()
		}
		return types.CompletionResult{}, err
	}
	promptTokens := 0
	if n, _, terr := m.TokenizeString(prompt, llama.SetThreads(max(1, b.cfg.Threads))); terr == nil {
		promptTokens = int(n)
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), chatMLStop)
	return types.NewCompletionResult(b.cfg.modelName(), text, promptTokens, completionTokens), nil
}

func (b *llamaBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model != nil {
		b.model.Free()
		b.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
