package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inferd/pkg/types"
)

// span records one backend Generate execution window.
type span struct {
	id         int
	start, end time.Time
}

// fakeBackend is an instrumented in-memory backend used for tests.
type fakeBackend struct {
	name     string
	safe     bool
	loadErr  error
	loadHook func()
	delay    time.Duration
	genErr   error
	panicMsg string
	onStart  func()

	mu     sync.Mutex
	loads  int
	spans  []span
	closed bool
	nextID int
}

func (f *fakeBackend) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeBackend) ConcurrencySafe() bool { return f.safe }

func (f *fakeBackend) Load(ctx context.Context) error {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	if f.loadHook != nil {
		f.loadHook()
	}
	return f.loadErr
}

func (f *fakeBackend) Generate(ctx context.Context, messages []types.ChatMessage, opts SamplingOptions) (types.CompletionResult, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	start := time.Now()
	if f.onStart != nil {
		f.onStart()
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return types.CompletionResult{}, ctx.Err()
		}
	}
	end := time.Now()
	f.mu.Lock()
	f.spans = append(f.spans, span{id: id, start: start, end: end})
	f.mu.Unlock()
	if f.genErr != nil {
		return types.CompletionResult{}, f.genErr
	}
	last := messages[len(messages)-1].Content
	return types.NewCompletionResult("fake-model", "echo: "+last, len(messages), opts.MaxTokens), nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) recorded() []span {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]span(nil), f.spans...)
}

func (f *fakeBackend) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// overlaps reports whether any two spans intersect.
func overlaps(spans []span) bool {
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			if a.start.Before(b.end) && b.start.Before(a.end) {
				return true
			}
		}
	}
	return false
}

func userMsg(s string) []types.ChatMessage {
	return []types.ChatMessage{{Role: "user", Content: s}}
}

func newReadyEngine(t *testing.T, b Backend, g Gate) *Engine {
	t.Helper()
	e, err := New(Config{Backend: b, Gate: g, Model: "fake-model"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Load(testCtx(t)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

var errBoom = errors.New("boom")
