package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/service"
	"inferd/internal/tasks"
	"inferd/pkg/types"
)

const apiKey = "e2e-key"

// scriptedBackend is a backend whose Load and Generate are released by the test.
type scriptedBackend struct {
	loadGate chan struct{}
	genGate  chan struct{}
	result   types.CompletionResult

	mu       sync.Mutex
	started  int
	finished []error
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		loadGate: make(chan struct{}),
		genGate:  make(chan struct{}),
		result:   types.NewCompletionResult("mock-model", "mock answer", 11, 22),
	}
}

func (b *scriptedBackend) Name() string          { return "scripted" }
func (b *scriptedBackend) ConcurrencySafe() bool { return false }
func (b *scriptedBackend) Close() error          { return nil }

func (b *scriptedBackend) Load(ctx context.Context) error {
	select {
	case <-b.loadGate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *scriptedBackend) Generate(ctx context.Context, _ []types.ChatMessage, _ engine.SamplingOptions) (types.CompletionResult, error) {
	b.mu.Lock()
	b.started++
	b.mu.Unlock()
	var err error
	select {
	case <-b.genGate:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.mu.Lock()
	b.finished = append(b.finished, err)
	b.mu.Unlock()
	if err != nil {
		return types.CompletionResult{}, err
	}
	return b.result, nil
}

// outcomes lists the error each finished Generate call returned.
func (b *scriptedBackend) outcomes() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.finished...)
}

func (b *scriptedBackend) generations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

type stack struct {
	srv     *httptest.Server
	engine  *engine.Engine
	reg     *tasks.Registry
	runner  *tasks.Runner
	backend *scriptedBackend
}

// newStack wires the real engine, registry, runner and HTTP layer around a
// scripted backend. Load runs in the background until the test releases it.
func newStack(t *testing.T) *stack {
	t.Helper()
	b := newScriptedBackend()
	e, err := engine.New(engine.Config{Backend: b, Model: "mock-model"})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	reg := tasks.NewRegistry(tasks.RegistryOptions{})
	runner := tasks.NewRunner(reg, e, tasks.RunnerConfig{})
	svc := service.New(e, reg, runner, time.Hour)
	srv := httptest.NewServer(httpapi.NewMux(svc, apiKey))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Load(ctx) }()
	t.Cleanup(func() {
		select {
		case <-b.genGate:
		default:
			close(b.genGate)
		}
		cancel()
		srv.Close()
		_ = runner.Wait(context.Background())
	})
	return &stack{srv: srv, engine: e, reg: reg, runner: runner, backend: b}
}

func (s *stack) markReady(t *testing.T) {
	t.Helper()
	close(s.backend.loadGate)
	deadline := time.Now().Add(2 * time.Second)
	for !s.engine.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("engine did not become ready")
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *stack) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func userRequest(content string) types.ChatRequest {
	return types.ChatRequest{Messages: []types.ChatMessage{{Role: "user", Content: content}}}
}
