// Package outcome defines run outcomes and the structured events the scheduler emits.
//
// Outcomes are produced once per run and handed to a Sink; nothing in the
// scheduler keeps them afterwards.
package outcome

import (
	"sync"
	"time"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusSkipped  Status = "skipped"
	StatusTimedOut Status = "timed_out"
)

// Outcome is the record of a single run.
type Outcome struct {
	TaskID     string
	RunID      string
	StartedAt  time.Time
	EndedAt    time.Time
	Status     Status
	ExitStatus int
	OutputRef  string
	Error      string
	Attempts   int
}

func (o Outcome) Duration() time.Duration {
	if o.EndedAt.Before(o.StartedAt) {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}

// Event is emitted for every run and for every skipped admission.
type Event struct {
	TaskID     string        `json:"task_id"`
	RunID      string        `json:"run_id,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Status     Status        `json:"status"`
	ExitStatus int           `json:"exit_status,omitempty"`
	OutputRef  string        `json:"output_ref,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// EventOf converts an outcome into its emitted form.
func EventOf(o Outcome) Event {
	return Event{
		TaskID:     o.TaskID,
		RunID:      o.RunID,
		StartedAt:  o.StartedAt,
		EndedAt:    o.EndedAt,
		Status:     o.Status,
		ExitStatus: o.ExitStatus,
		OutputRef:  o.OutputRef,
		Duration:   o.Duration(),
		Attempts:   o.Attempts,
		Error:      o.Error,
	}
}

// Skipped builds the event for an admission that did not run.
func Skipped(taskID string, at time.Time, reason string) Event {
	return Event{TaskID: taskID, StartedAt: at, EndedAt: at, Status: StatusSkipped, Reason: reason}
}

// Sink consumes events. Emit must not block for long; the scheduler calls it
// from the loop goroutine and from run goroutines.
type Sink interface {
	Emit(e Event)
}

type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range out {
			s.Emit(e)
		}
	})
}

// Recorder keeps every event in memory. Intended for tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByTask returns the events recorded for one task, optionally filtered by status.
func (r *Recorder) ByTask(taskID string, statuses ...Status) []Event {
	all := r.Events()
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if e.TaskID != taskID {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, e.Status) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func hasStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
