package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inferd/internal/events"
	"inferd/pkg/types"
)

// State represents the engine lifecycle.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Config wires an Engine.
type Config struct {
	Backend Backend
	// Gate defaults to SelectGate("auto", Backend, 0, 0).
	Gate Gate
	// Model is the identifier reported in status output.
	Model     string
	Logger    zerolog.Logger
	Publisher events.Publisher
}

// Engine guards one backend: it runs the one-time load, tracks readiness and
// admits Generate calls through the gate.
type Engine struct {
	backend Backend
	gate    Gate
	model   string
	log     zerolog.Logger
	pub     events.Publisher
	tracer  trace.Tracer

	ready    atomic.Bool
	loadOnce sync.Once

	mu       sync.RWMutex
	state    State
	loadErr  error
	loadTook time.Duration
}

// Snapshot is a read-only projection of the engine state.
type Snapshot struct {
	State    State
	Backend  string
	Model    string
	Err      string
	LoadTook time.Duration
	Gate     GateStats
}

// New constructs an Engine in the loading state.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	g := cfg.Gate
	if g == nil {
		var err error
		if g, err = SelectGate("auto", cfg.Backend, 0, 0); err != nil {
			return nil, err
		}
	}
	if g.Strategy() == StrategyConcurrent && !cfg.Backend.ConcurrencySafe() {
		return nil, fmt.Errorf("engine: backend %q requires an exclusive gate", cfg.Backend.Name())
	}
	return &Engine{
		backend: cfg.Backend,
		gate:    g,
		model:   cfg.Model,
		log:     cfg.Logger,
		pub:     events.OrNoop(cfg.Publisher),
		tracer:  otel.Tracer("inferd/internal/engine"),
		state:   StateLoading,
	}, nil
}

// Ready is true once Load succeeded. It never reverts.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Load runs the backend's one-time initialization. Only the first call does
// any work; later calls return its outcome.
func (e *Engine) Load(ctx context.Context) error {
	e.loadOnce.Do(func() {
		e.pub.Publish(events.New(events.LoadStart, e.model, map[string]any{"backend": e.backend.Name()}))
		e.log.Info().Str("backend", e.backend.Name()).Str("model", e.model).Str("gate", e.gate.Strategy()).Msg("loading model")
		start := time.Now()
		err := e.safeLoad(ctx)
		took := time.Since(start)

		e.mu.Lock()
		e.loadTook = took
		if err != nil {
			e.state = StateError
			e.loadErr = err
		} else {
			e.state = StateReady
		}
		e.mu.Unlock()

		loadDuration.Set(took.Seconds())
		if err != nil {
			e.log.Error().Err(err).Dur("took", took).Msg("model load failed")
			e.pub.Publish(events.New(events.LoadFailed, e.model, map[string]any{"error": err.Error()}))
			return
		}
		e.ready.Store(true)
		engineReady.Set(1)
		e.log.Info().Dur("took", took).Str("model", e.model).Msg("model loaded")
		e.pub.Publish(events.New(events.LoadReady, e.model, map[string]any{"load_seconds": took.Seconds()}))
	})
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadErr
}

func (e *Engine) safeLoad(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{v: r}
		}
	}()
	return e.backend.Load(ctx)
}

// Generate produces one completion through the gate. It fails fast when the
// engine is not ready. Backend panics are returned as errors.
func (e *Engine) Generate(ctx context.Context, messages []types.ChatMessage, opts SamplingOptions) (types.CompletionResult, error) {
	if !e.Ready() {
		return types.CompletionResult{}, notReadyError{state: e.currentState()}
	}
	if len(messages) == 0 {
		return types.CompletionResult{}, ErrEmptyMessages
	}
	ctx, span := e.tracer.Start(ctx, "inferd.engine.generate", trace.WithAttributes(
		attribute.String("inferd.backend", e.backend.Name()),
		attribute.String("inferd.gate", e.gate.Strategy()),
		attribute.Int("inferd.messages", len(messages)),
		attribute.Int("inferd.max_tokens", opts.MaxTokens),
	))
	defer span.End()

	waitStart := time.Now()
	release, err := e.gate.Acquire(ctx)
	gateWaitDuration.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		outcome := "canceled"
		if IsTooBusy(err) {
			outcome = "rejected"
		}
		generateTotal.WithLabelValues(outcome).Inc()
		span.SetStatus(codes.Error, err.Error())
		return types.CompletionResult{}, err
	}
	defer release()

	// ctx only bounds the gate wait. Once started, a generation runs to
	// completion or to ctx's deadline, whether or not the caller is still there.
	gctx, cancel := withoutCancel(ctx)
	defer cancel()
	start := time.Now()
	res, err := e.safeGenerate(gctx, messages, opts)
	dur := time.Since(start).Seconds()
	if err != nil {
		generateTotal.WithLabelValues("error").Inc()
		generateDuration.WithLabelValues("error").Observe(dur)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.CompletionResult{}, err
	}
	generateTotal.WithLabelValues("ok").Inc()
	generateDuration.WithLabelValues("ok").Observe(dur)
	span.SetAttributes(
		attribute.Int("inferd.usage.prompt_tokens", res.Usage.PromptTokens),
		attribute.Int("inferd.usage.completion_tokens", res.Usage.CompletionTokens),
	)
	return res, nil
}

func (e *Engine) safeGenerate(ctx context.Context, messages []types.ChatMessage, opts SamplingOptions) (res types.CompletionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("backend generate panicked")
			err = panicError{v: r}
		}
	}()
	return e.backend.Generate(ctx, messages, opts)
}

// withoutCancel detaches ctx from its cancellation but keeps its values and
// deadline.
func withoutCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, dl)
	}
	return detached, func() {}
}

func (e *Engine) currentState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Snapshot returns a read-only view of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Snapshot{
		State:    e.state,
		Backend:  e.backend.Name(),
		Model:    e.model,
		LoadTook: e.loadTook,
		Gate:     e.gate.Stats(),
	}
	if e.loadErr != nil {
		s.Err = e.loadErr.Error()
	}
	return s
}

// Close releases the backend.
func (e *Engine) Close() error { return e.backend.Close() }
