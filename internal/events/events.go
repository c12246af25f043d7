// Package events carries lifecycle notifications out of the engine and the
// task layer. Publishers must be cheap and non-blocking; Publish must not panic.
package events

import "time"

// Event names emitted by inferd.
const (
	LoadStart   = "engine.load_start"
	LoadReady   = "engine.load_ready"
	LoadFailed  = "engine.load_failed"
	TaskCreated = "task.created"
	TaskDone    = "task.completed"
	TaskFailed  = "task.failed"
	TaskExpired = "task.expired"
)

// Event is a lifecycle notification: a name, the subject it concerns
// (task id or model id) and optional fields.
type Event struct {
	Name    string         `json:"name"`
	Subject string         `json:"subject"`
	Time    time.Time      `json:"time"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// New stamps an event with the current time.
func New(name, subject string, fields map[string]any) Event {
	return Event{Name: name, Subject: subject, Time: time.Now().UTC(), Fields: fields}
}

// Publisher receives events.
type Publisher interface {
	Publish(Event)
}

// Noop drops events. It is the default everywhere a publisher is optional.
type Noop struct{}

func (Noop) Publish(Event) {}

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}
