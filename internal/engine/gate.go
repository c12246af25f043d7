package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate strategies.
const (
	StrategyExclusive  = "exclusive"
	StrategyConcurrent = "concurrent"
)

// Gate serializes (or bounds) access to the backend.
type Gate interface {
	// Acquire blocks until the caller may invoke the backend. The returned
	// release func must be called exactly once; extra calls are ignored.
	Acquire(ctx context.Context) (release func(), err error)
	Strategy() string
	Stats() GateStats
}

// GateStats is a point-in-time view of a gate.
type GateStats struct {
	Strategy string
	Limit    int
	Inflight int
	Waiting  int
	MaxQueue int
}

// semGate implements both strategies on a weighted semaphore. Waiters are
// served in arrival order. A nil sem means unbounded concurrency.
type semGate struct {
	strategy string
	limit    int
	maxQueue int
	sem      *semaphore.Weighted
	waiting  atomic.Int64
	inflight atomic.Int64
}

// NewExclusiveGate admits one Generate at a time in FIFO order. maxQueue > 0
// bounds the number of waiters; callers beyond it get a tooBusy error.
func NewExclusiveGate(maxQueue int) Gate {
	return newSemGate(StrategyExclusive, 1, maxQueue)
}

// NewConcurrentGate lets up to limit calls overlap (0 = unbounded) and relies
// on the backend's own scheduler.
func NewConcurrentGate(limit, maxQueue int) Gate {
	return newSemGate(StrategyConcurrent, limit, maxQueue)
}

func newSemGate(strategy string, limit, maxQueue int) *semGate {
	if limit < 0 {
		limit = 0
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	g := &semGate{strategy: strategy, limit: limit, maxQueue: maxQueue}
	if limit > 0 {
		g.sem = semaphore.NewWeighted(int64(limit))
	}
	return g
}

func (g *semGate) Strategy() string { return g.strategy }

func (g *semGate) Stats() GateStats {
	return GateStats{
		Strategy: g.strategy,
		Limit:    g.limit,
		Inflight: int(g.inflight.Load()),
		Waiting:  int(g.waiting.Load()),
		MaxQueue: g.maxQueue,
	}
}

func (g *semGate) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	if g.sem != nil && !g.sem.TryAcquire(1) {
		// TryAcquire never jumps ahead of queued waiters, so order holds.
		w := g.waiting.Add(1)
		if g.maxQueue > 0 && w > int64(g.maxQueue) {
			g.waiting.Add(-1)
			gateRejectedTotal.WithLabelValues(g.strategy).Inc()
			return func() {}, tooBusyError{waiting: int(w - 1)}
		}
		gateWaiting.Inc()
		err := g.sem.Acquire(ctx, 1)
		g.waiting.Add(-1)
		gateWaiting.Dec()
		if err != nil {
			return func() {}, err
		}
	}
	g.inflight.Add(1)
	gateInflight.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			g.inflight.Add(-1)
			gateInflight.Dec()
			if g.sem != nil {
				g.sem.Release(1)
			}
		})
	}, nil
}

// SelectGate builds the gate for a backend. mode is auto, exclusive or
// concurrent; auto picks exclusive unless the backend multiplexes internally.
// Overlapping calls against a backend that is not concurrency-safe are refused.
func SelectGate(mode string, b Backend, limit, maxQueue int) (Gate, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		if b.ConcurrencySafe() {
			return NewConcurrentGate(limit, maxQueue), nil
		}
		return NewExclusiveGate(maxQueue), nil
	case StrategyExclusive:
		return NewExclusiveGate(maxQueue), nil
	case StrategyConcurrent:
		if !b.ConcurrencySafe() {
			return nil, fmt.Errorf("backend %q is not safe for concurrent generate calls; use gate=exclusive", b.Name())
		}
		return NewConcurrentGate(limit, maxQueue), nil
	default:
		return nil, fmt.Errorf("unknown gate mode %q (want auto|exclusive|concurrent)", mode)
	}
}
