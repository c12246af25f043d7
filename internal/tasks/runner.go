package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

// ErrNotReady is returned by Submit while the engine has not finished loading.
var ErrNotReady = errors.New("model is still loading")

// Generator is the part of the engine the runner needs.
type Generator interface {
	Ready() bool
	Generate(ctx context.Context, messages []types.ChatMessage, opts engine.SamplingOptions) (types.CompletionResult, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Timeout bounds one async generation (0 = none).
	Timeout time.Duration
	Logger  zerolog.Logger
	// NewID defaults to uuid.NewString.
	NewID func() string
}

// Runner executes async tasks. Each submitted task runs on its own goroutine,
// detached from the caller, and performs exactly one terminal transition.
type Runner struct {
	reg     *Registry
	gen     Generator
	timeout time.Duration
	log     zerolog.Logger
	newID   func() string

	wg sync.WaitGroup
}

// NewRunner wires a runner to a registry and a generator.
func NewRunner(reg *Registry, gen Generator, cfg RunnerConfig) *Runner {
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Runner{reg: reg, gen: gen, timeout: cfg.Timeout, log: cfg.Logger, newID: newID}
}

// Submit creates a processing record and starts generation in the background.
// It returns the task id without waiting for the generation.
func (r *Runner) Submit(req types.ChatRequest) (string, error) {
	if !r.gen.Ready() {
		return "", ErrNotReady
	}
	if len(req.Messages) == 0 {
		return "", engine.ErrEmptyMessages
	}
	id := r.newID()
	if _, err := r.reg.Create(id); err != nil {
		return "", err
	}
	messages := append([]types.ChatMessage(nil), req.Messages...)
	opts := engine.OptionsFromRequest(req)

	r.wg.Add(1)
	tasksInflight.Inc()
	go r.run(id, messages, opts)
	r.log.Debug().Str("task", id).Int("messages", len(messages)).Msg("task submitted")
	return id, nil
}

func (r *Runner) run(id string, messages []types.ChatMessage, opts engine.SamplingOptions) {
	defer r.wg.Done()
	defer tasksInflight.Dec()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("task", id).Interface("panic", rec).Msg("task panicked")
			r.reg.SetFailed(id, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := r.gen.Generate(ctx, messages, opts)
	if err != nil {
		r.log.Error().Err(err).Str("task", id).Dur("took", time.Since(start)).Msg("task failed")
		r.reg.SetFailed(id, err.Error())
		return
	}
	if !r.reg.SetCompleted(id, res) {
		r.log.Debug().Str("task", id).Msg("task finished after expiry")
		return
	}
	r.log.Info().Str("task", id).Dur("took", time.Since(start)).Int("completion_tokens", res.Usage.CompletionTokens).Msg("task completed")
}

// Wait blocks until every submitted task has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
