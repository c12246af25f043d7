package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// OpenAIConfig configures the OpenAI-compatible HTTP backend.
type OpenAIConfig struct {
	// BaseURL of the model server, e.g. http://127.0.0.1:8000.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Model is sent in the request body and reported in results.
	Model string
	// RequestTimeout bounds one generate call (0 = none).
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	// LoadTimeout bounds the readiness wait in Load.
	LoadTimeout time.Duration
	// PollInterval between readiness probes.
	PollInterval time.Duration
	// Spawn, when set, starts the server binary during Load.
	Spawn  *ProcessSpec
	Logger zerolog.Logger
}

// openAIBackend talks to a vLLM or llama.cpp server through its
// OpenAI-compatible chat completions endpoint.
type openAIBackend struct {
	cfg        OpenAIConfig
	baseURL    string
	httpClient *http.Client

	mu   sync.Mutex
	proc *managedProcess
}

// NewOpenAIBackend constructs the HTTP backend. Nothing is contacted until Load.
func NewOpenAIBackend(cfg OpenAIConfig) Backend {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 30 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout=0: every request carries a context deadline instead.
	return &openAIBackend{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Transport: tr, Timeout: 0},
	}
}

func (b *openAIBackend) Name() string { return "openai" }

// ConcurrencySafe is true: vLLM and llama-server batch concurrent requests.
func (b *openAIBackend) ConcurrencySafe() bool { return true }

// Load optionally spawns the server and waits until it answers /v1/models.
func (b *openAIBackend) Load(ctx context.Context) error {
	if b.baseURL == "" {
		return errors.New("openai backend: base URL is empty")
	}
	var proc *managedProcess
	var exited <-chan struct{}
	if b.cfg.Spawn != nil {
		var err error
		if proc, err = startProcess(*b.cfg.Spawn, b.cfg.Logger); err != nil {
			return err
		}
		b.mu.Lock()
		b.proc = proc
		b.mu.Unlock()
		exited = proc.Exited()
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.LoadTimeout)
	defer cancel()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	attempts := 0
	for {
		attempts++
		if b.healthy(ctx) {
			b.cfg.Logger.Debug().Int("attempts", attempts).Str("url", b.baseURL).Msg("backend answered readiness probe")
			return nil
		}
		select {
		case <-exited:
			b.stopProcess()
			return proc.exitError()
		case <-ctx.Done():
			b.stopProcess()
			return fmt.Errorf("backend not ready at %s after %d probes: %w", b.baseURL, attempts, ctx.Err())
		case <-ticker.C:
		}
	}
}

// healthy probes GET /v1/models with a short deadline.
func (b *openAIBackend) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	b.authorize(req)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (b *openAIBackend) authorize(req *http.Request) {
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
}

// chatCompletionRequest is the OpenAI /v1/chat/completions payload.
type chatCompletionRequest struct {
	Model       string              `json:"model,omitempty"`
	Messages    []types.ChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	TopP        float64             `json:"top_p"`
	Stream      bool                `json:"stream"`
}

// chatCompletionResponse is the subset of the OpenAI response we read.
type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (b *openAIBackend) Generate(ctx context.Context, messages []types.ChatMessage, opts SamplingOptions) (types.CompletionResult, error) {
	if b.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()
	}
	body, err := json.Marshal(chatCompletionRequest{
		Model:       b.cfg.Model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		TopP:        opts.TopP,
	})
	if err != nil {
		return types.CompletionResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return types.CompletionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.CompletionResult{}, ctx.Err()
		}
		return types.CompletionResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.CompletionResult{}, backendHTTPError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.CompletionResult{}, fmt.Errorf("decode backend response: %w", err)
	}
	if len(out.Choices) == 0 {
		return types.CompletionResult{}, errors.New("backend returned no choices")
	}
	model := b.cfg.Model
	if model == "" {
		model = out.Model
	}
	return types.NewCompletionResult(model, out.Choices[0].Message.Content, out.Usage.PromptTokens, out.Usage.CompletionTokens), nil
}

func (b *openAIBackend) stopProcess() {
	b.mu.Lock()
	p := b.proc
	b.proc = nil
	b.mu.Unlock()
	if p != nil {
		_ = p.Stop()
	}
}

func (b *openAIBackend) Close() error {
	b.stopProcess()
	b.httpClient.CloseIdleConnections()
	return nil
}
