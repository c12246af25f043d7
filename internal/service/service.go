// Package service composes the engine and the task layer into the surface
// served by internal/httpapi.
package service

import (
	"context"
	"time"

	"inferd/internal/engine"
	"inferd/internal/tasks"
	"inferd/pkg/types"
)

// Service implements httpapi.Service.
type Service struct {
	engine  *engine.Engine
	reg     *tasks.Registry
	runner  *tasks.Runner
	ttl     time.Duration
	started time.Time
	now     func() time.Time
}

// New wires the service. ttl is only reported in Status; expiry itself is
// driven by the registry's sweeper.
func New(e *engine.Engine, reg *tasks.Registry, runner *tasks.Runner, ttl time.Duration) *Service {
	return &Service{engine: e, reg: reg, runner: runner, ttl: ttl, started: time.Now(), now: time.Now}
}

func (s *Service) Ready() bool { return s.engine.Ready() }

// Complete runs one synchronous completion through the engine's gate.
func (s *Service) Complete(ctx context.Context, req types.ChatRequest) (types.CompletionResult, error) {
	return s.engine.Generate(ctx, req.Messages, engine.OptionsFromRequest(req))
}

func (s *Service) SubmitTask(req types.ChatRequest) (string, error) { return s.runner.Submit(req) }

func (s *Service) Task(id string) (types.TaskResponse, bool) {
	rec, ok := s.reg.Get(id)
	if !ok {
		return types.TaskResponse{}, false
	}
	return rec.Response(), true
}

// Status reports engine state, gate occupancy and task counts.
func (s *Service) Status() types.StatusResponse {
	snap := s.engine.Snapshot()
	now := s.now()
	return types.StatusResponse{
		State:       string(snap.State),
		Ready:       s.engine.Ready(),
		Backend:     snap.Backend,
		Model:       snap.Model,
		Error:       snap.Err,
		LoadSeconds: snap.LoadTook.Seconds(),
		Gate: types.GateStatus{
			Strategy: snap.Gate.Strategy,
			Limit:    snap.Gate.Limit,
			Inflight: snap.Gate.Inflight,
			Waiting:  snap.Gate.Waiting,
			MaxQueue: snap.Gate.MaxQueue,
		},
		Tasks:          s.reg.Counts(),
		TaskTTLSeconds: int64(s.ttl / time.Second),
		UptimeSeconds:  int64(now.Sub(s.started) / time.Second),
		ServerTimeUnix: now.Unix(),
	}
}
