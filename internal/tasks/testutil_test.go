package tasks

import (
	"context"
	"sync"
	"time"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

// fakeClock is a settable clock for deterministic sweeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeGen is a scripted Generator.
type fakeGen struct {
	notReady bool
	fn       func(ctx context.Context, messages []types.ChatMessage, opts engine.SamplingOptions) (types.CompletionResult, error)

	mu    sync.Mutex
	calls []engine.SamplingOptions
}

func (g *fakeGen) Ready() bool { return !g.notReady }

func (g *fakeGen) Generate(ctx context.Context, messages []types.ChatMessage, opts engine.SamplingOptions) (types.CompletionResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, opts)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(ctx, messages, opts)
	}
	return types.NewCompletionResult("fake", "echo: "+messages[len(messages)-1].Content, 1, 2), nil
}

func chatReq(content string) types.ChatRequest {
	return types.ChatRequest{Messages: []types.ChatMessage{{Role: "user", Content: content}}}
}
