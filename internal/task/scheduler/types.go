package scheduler

import (
	"context"
	"time"

	"pewsched/internal/runtime/supervisor"
	"pewsched/internal/task/coordinator"
	"pewsched/internal/task/dispatch"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/unit"
)

const (
	DefaultTick        = time.Minute
	DefaultGracePeriod = 30 * time.Second
)

// Config controls the scheduler loop and its collaborators.
type Config struct {
	Location *time.Location
	// Tick is the evaluation granularity. Zero means one minute.
	Tick time.Duration
	// DefaultOverlap applies to tasks registered with OverlapDefault.
	// Zero (OverlapDefault) means OverlapSkip.
	DefaultOverlap registry.OverlapPolicy
	// Workers bounds concurrently executing runs. 0 = unbounded.
	Workers       int
	GracePeriod   time.Duration
	ReclaimGrace  time.Duration
	OverlapExpiry time.Duration
	Environment   string
	Maintenance   bool
	Retry         dispatch.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.DefaultOverlap == registry.OverlapDefault {
		c.DefaultOverlap = registry.OverlapSkip
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return c
}

// TaskSpec is what the task-loading collaborator hands to RegisterAll.
type TaskSpec struct {
	ID          string
	Schedule    string
	Unit        unit.Unit
	Constraints registry.Constraints
}

// Clock abstracts wall time so tests can drive ticks.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// LastFiredStore persists the last fire instant per task so a restart does
// not immediately re-fire a task that just ran.
type LastFiredStore interface {
	PutLastFired(ctx context.Context, taskID string, at time.Time) error
	LoadLastFired(ctx context.Context) (map[string]time.Time, error)
}

// TickObserver receives per-tick diagnostics (metrics).
type TickObserver interface {
	ObserveTick(at time.Time, due, admitted int, took time.Duration, err error)
}

// State of the loop.
type State string

const (
	StateNew     State = "new"
	StateIdle    State = "idle"
	StateTicking State = "ticking"
	StateStopped State = "stopped"
)

type TaskInfo struct {
	ID         string                `json:"id"`
	Schedule   string                `json:"schedule"`
	Kind       string                `json:"kind"`
	Unit       string                `json:"unit"`
	Overlap    string                `json:"overlap"`
	Background bool                  `json:"background"`
	Timeout    time.Duration         `json:"timeout,omitempty"`
	Next       time.Time             `json:"next,omitempty"`
	Run        coordinator.TaskState `json:"run"`
}

type Snapshot struct {
	State       State               `json:"state"`
	Timezone    string              `json:"timezone"`
	Tick        time.Duration       `json:"tick"`
	Ticks       uint64              `json:"ticks"`
	LastTickAt  time.Time           `json:"last_tick_at,omitempty"`
	Maintenance bool                `json:"maintenance"`
	Dispatch    dispatch.Stats      `json:"dispatch"`
	Loop        supervisor.Snapshot `json:"loop"`
	Tasks       []TaskInfo          `json:"tasks"`
}
