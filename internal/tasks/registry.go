// Package tasks holds the in-memory task registry and the runner that executes
// asynchronous completions against the engine.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/events"
	"inferd/pkg/types"
)

// Status is the lifecycle state of a task record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Record is a value snapshot of a task. Result is set only when completed and
// Error only when failed.
type Record struct {
	ID        string
	Status    Status
	Result    *types.CompletionResult
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Response projects the record onto the wire shape.
func (r Record) Response() types.TaskResponse {
	return types.TaskResponse{TaskID: r.ID, Status: string(r.Status), Result: r.Result, Error: r.Error}
}

// RegistryOptions configures a Registry. Zero values are usable.
type RegistryOptions struct {
	// Now is the clock used for createdAt and sweeps. Defaults to time.Now.
	Now       func() time.Time
	Logger    zerolog.Logger
	Publisher events.Publisher
}

// Registry is the process-wide, mutex-guarded task table.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	now func() time.Time
	log zerolog.Logger
	pub events.Publisher
}

// NewRegistry returns an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		records: make(map[string]*Record),
		now:     now,
		log:     opts.Logger,
		pub:     events.OrNoop(opts.Publisher),
	}
}

// Create inserts a processing record. The record is visible to Get as soon as
// Create returns. Ids must be unique for the lifetime of the registry.
func (r *Registry) Create(id string) (Record, error) {
	r.mu.Lock()
	if _, ok := r.records[id]; ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("task %s already exists", id)
	}
	now := r.now()
	rec := &Record{ID: id, Status: StatusProcessing, CreatedAt: now, UpdatedAt: now}
	r.records[id] = rec
	snap := *rec
	r.mu.Unlock()

	tasksCreated.Inc()
	r.pub.Publish(events.New(events.TaskCreated, id, nil))
	return snap, nil
}

// Get returns a snapshot of the record, or false when it is unknown or expired.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SetCompleted moves a processing record to completed. It returns false, and
// changes nothing, when the id is unknown or the record is already terminal.
func (r *Registry) SetCompleted(id string, result types.CompletionResult) bool {
	return r.finish(id, StatusCompleted, &result, "")
}

// SetFailed moves a processing record to failed. Same no-op rules as SetCompleted.
func (r *Registry) SetFailed(id, msg string) bool {
	return r.finish(id, StatusFailed, nil, msg)
}

func (r *Registry) finish(id string, status Status, result *types.CompletionResult, msg string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || rec.Status.Terminal() {
		r.mu.Unlock()
		if !ok {
			r.log.Debug().Str("task", id).Str("status", string(status)).Msg("terminal write for unknown or expired task ignored")
		}
		return false
	}
	rec.Status = status
	rec.Result = result
	rec.Error = msg
	rec.UpdatedAt = r.now()
	took := rec.UpdatedAt.Sub(rec.CreatedAt)
	r.mu.Unlock()

	tasksFinished.WithLabelValues(string(status)).Inc()
	taskDuration.WithLabelValues(string(status)).Observe(took.Seconds())
	name := events.TaskDone
	fields := map[string]any{"seconds": took.Seconds()}
	if status == StatusFailed {
		name = events.TaskFailed
		fields["error"] = msg
	}
	r.pub.Publish(events.New(name, id, fields))
	return true
}

// SweepExpired removes every record whose age exceeds ttl, whatever its state,
// and returns how many were removed. The whole sweep is one critical section.
func (r *Registry) SweepExpired(now time.Time, ttl time.Duration) int {
	var expired []string
	r.mu.Lock()
	for id, rec := range r.records {
		if now.Sub(rec.CreatedAt) > ttl {
			delete(r.records, id)
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		tasksExpired.Add(float64(len(expired)))
		for _, id := range expired {
			r.pub.Publish(events.New(events.TaskExpired, id, nil))
		}
	}
	return len(expired)
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Counts returns the number of live records per status.
func (r *Registry) Counts() types.TaskCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c types.TaskCounts
	for _, rec := range r.records {
		switch rec.Status {
		case StatusProcessing:
			c.Processing++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// RunSweeper sweeps expired records every interval until ctx is canceled.
func (r *Registry) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	r.log.Debug().Dur("interval", interval).Dur("ttl", ttl).Msg("task sweeper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Debug().Msg("task sweeper stopped")
			return
		case <-t.C:
			if n := r.SweepExpired(r.now(), ttl); n > 0 {
				r.log.Info().Int("removed", n).Int("remaining", r.Len()).Msg("expired tasks swept")
			}
		}
	}
}
