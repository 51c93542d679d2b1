// Package coordinator owns per-task run state and decides whether a due task
// may start.
//
// Every task has its own mutex; there is no global lock on the admission path.
// A Lease is the run lock: it is handed out by TryAcquire and given back
// exactly once through Release, ForceRelease or the expiry Sweep. Releasing a
// lease that was already reclaimed is a no-op, so a detached run finishing
// late can never unlock a newer run.
package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pewsched/internal/task/outcome"
	"pewsched/internal/task/registry"
	logx "pewsched/pkg/logx"
)

const DefaultOverlapExpiry = 24 * time.Hour

type Reason string

const (
	ReasonOverlap        Reason = "overlap"
	ReasonWhen           Reason = "when_predicate"
	ReasonSkip           Reason = "skip_predicate"
	ReasonPredicatePanic Reason = "predicate_panic"
	ReasonEnvironment    Reason = "environment"
	ReasonMaintenance    Reason = "maintenance"
	ReasonOutsideWindow  Reason = "outside_window"
	ReasonInsideWindow   Reason = "inside_excluded_window"
)

// Decision is the result of an admission attempt.
type Decision struct {
	Admitted bool
	Reason   Reason
}

// Lease identifies one acquired run lock.
type Lease struct {
	TaskID     string
	Gen        uint64
	AcquiredAt time.Time
}

func (l Lease) IsZero() bool { return l.TaskID == "" }

func (l Lease) String() string { return fmt.Sprintf("%s#%d", l.TaskID, l.Gen) }

type Config struct {
	Location    *time.Location
	Environment string
	Maintenance bool
	// OverlapExpiry applies to tasks that do not set their own. Zero means 24h.
	OverlapExpiry time.Duration
}

type heldLease struct {
	acquiredAt time.Time
	expiry     time.Duration
}

type taskState struct {
	mu        sync.Mutex
	lastFired time.Time
	gen       uint64
	active    map[uint64]heldLease
	heldSince time.Time

	lastStatus outcome.Status
	lastEnded  time.Time
}

func (s *taskState) recomputeHeld() {
	s.heldSince = time.Time{}
	for _, h := range s.active {
		if s.heldSince.IsZero() || h.acquiredAt.Before(s.heldSince) {
			s.heldSince = h.acquiredAt
		}
	}
}

// drop removes gen; it reports false if the lease was not held.
func (s *taskState) drop(gen uint64) bool {
	if _, ok := s.active[gen]; !ok {
		return false
	}
	delete(s.active, gen)
	s.recomputeHeld()
	return true
}

type Coordinator struct {
	log logx.Logger

	loc         *time.Location
	environment string
	expiry      time.Duration
	maintenance atomic.Bool

	mu    sync.Mutex
	tasks map[string]*taskState
}

func New(cfg Config, log logx.Logger) *Coordinator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.OverlapExpiry <= 0 {
		cfg.OverlapExpiry = DefaultOverlapExpiry
	}
	c := &Coordinator{
		log:         log.With(logx.String("comp", "coordinator")),
		loc:         cfg.Location,
		environment: cfg.Environment,
		expiry:      cfg.OverlapExpiry,
		tasks:       make(map[string]*taskState),
	}
	c.maintenance.Store(cfg.Maintenance)
	return c
}

func (c *Coordinator) state(id string) *taskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.tasks[id]
	if s == nil {
		s = &taskState{active: make(map[uint64]heldLease)}
		c.tasks[id] = s
	}
	return s
}

func (c *Coordinator) lookup(id string) *taskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks[id]
}

// TryAcquire runs the admission filters for def at now and, when all pass,
// takes the run lock. Filters run in this order and the first failure wins:
// overlap, then When/Skip predicates with environment and maintenance, then
// Between/UnlessBetween windows. A rejected attempt changes no state.
func (c *Coordinator) TryAcquire(def registry.Definition, now time.Time) (Lease, Decision) {
	st := c.state(def.ID)
	exclusive := def.Constraints.WithoutOverlapping()

	if exclusive {
		st.mu.Lock()
		busy := len(st.active) > 0
		st.mu.Unlock()
		if busy {
			return Lease{}, Decision{Reason: ReasonOverlap}
		}
	}

	if r, ok := c.filters(def, now); !ok {
		return Lease{}, Decision{Reason: r}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	// Another goroutine may have won the lock while predicates ran.
	if exclusive && len(st.active) > 0 {
		return Lease{}, Decision{Reason: ReasonOverlap}
	}
	st.gen++
	expiry := def.Constraints.OverlapExpiry
	if expiry <= 0 {
		expiry = c.expiry
	}
	st.active[st.gen] = heldLease{acquiredAt: now, expiry: expiry}
	st.recomputeHeld()
	if now.After(st.lastFired) {
		st.lastFired = now
	}
	return Lease{TaskID: def.ID, Gen: st.gen, AcquiredAt: now}, Decision{Admitted: true}
}

func (c *Coordinator) filters(def registry.Definition, now time.Time) (reason Reason, ok bool) {
	cons := def.Constraints

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("predicate panic", logx.String("task", def.ID), logx.Any("panic", r))
			reason, ok = ReasonPredicatePanic, false
		}
	}()

	for _, p := range cons.When {
		if p != nil && !p(now) {
			return ReasonWhen, false
		}
	}
	for _, p := range cons.Skip {
		if p != nil && p(now) {
			return ReasonSkip, false
		}
	}
	if !cons.AllowsEnvironment(c.environment) {
		return ReasonEnvironment, false
	}
	if c.maintenance.Load() && !cons.EvenInMaintenance {
		return ReasonMaintenance, false
	}

	local := now.In(c.loc)
	if cons.Between != nil && !cons.Between.Contains(local) {
		return ReasonOutsideWindow, false
	}
	if cons.UnlessBetween != nil && cons.UnlessBetween.Contains(local) {
		return ReasonInsideWindow, false
	}
	return "", true
}

// Release gives back a lease after its run completed. It reports whether the
// lease was still held; false means it had already been reclaimed.
func (c *Coordinator) Release(l Lease, o outcome.Outcome) bool {
	st := c.lookup(l.TaskID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.drop(l.Gen) {
		return false
	}
	st.lastStatus = o.Status
	st.lastEnded = o.EndedAt
	return true
}

// ForceRelease reclaims a lease whose run is abandoned (timeout, shutdown).
func (c *Coordinator) ForceRelease(l Lease) bool {
	st := c.lookup(l.TaskID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.drop(l.Gen) {
		return false
	}
	st.lastStatus = outcome.StatusTimedOut
	return true
}

// Sweep reclaims leases held longer than their overlap expiry and returns
// them. This is the crash-recovery path for runs that never reported back.
func (c *Coordinator) Sweep(now time.Time) []Lease {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	var out []Lease
	for _, id := range ids {
		st := c.lookup(id)
		st.mu.Lock()
		for gen, h := range st.active {
			if now.Sub(h.acquiredAt) >= h.expiry {
				delete(st.active, gen)
				out = append(out, Lease{TaskID: id, Gen: gen, AcquiredAt: h.acquiredAt})
			}
		}
		st.recomputeHeld()
		st.mu.Unlock()
	}
	for _, l := range out {
		c.log.Warn("stale run lock reclaimed", logx.String("task", l.TaskID), logx.Uint64("gen", l.Gen), logx.Time("held_since", l.AcquiredAt))
	}
	return out
}

// Restore seeds last-fired instants, typically loaded from storage at boot.
func (c *Coordinator) Restore(last map[string]time.Time) {
	for id, t := range last {
		if t.IsZero() {
			continue
		}
		st := c.state(id)
		st.mu.Lock()
		if t.After(st.lastFired) {
			st.lastFired = t
		}
		st.mu.Unlock()
	}
}

func (c *Coordinator) LastFired(id string) time.Time {
	st := c.lookup(id)
	if st == nil {
		return time.Time{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastFired
}

// Running returns the number of leases currently held for id.
func (c *Coordinator) Running(id string) int {
	st := c.lookup(id)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.active)
}

func (c *Coordinator) SetMaintenance(on bool) {
	if c.maintenance.Swap(on) != on {
		c.log.Info("maintenance mode changed", logx.Bool("on", on))
	}
}

func (c *Coordinator) Maintenance() bool { return c.maintenance.Load() }

// TaskState is a read-only view of one task's run state.
type TaskState struct {
	ID            string         `json:"id"`
	LastFiredAt   time.Time      `json:"last_fired_at,omitempty"`
	Running       int            `json:"running"`
	LockHeldSince time.Time      `json:"lock_held_since,omitempty"`
	LastStatus    outcome.Status `json:"last_status,omitempty"`
	LastEndedAt   time.Time      `json:"last_ended_at,omitempty"`
}

func (c *Coordinator) State(id string) TaskState {
	st := c.lookup(id)
	if st == nil {
		return TaskState{ID: id}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return TaskState{
		ID:            id,
		LastFiredAt:   st.lastFired,
		Running:       len(st.active),
		LockHeldSince: st.heldSince,
		LastStatus:    st.lastStatus,
		LastEndedAt:   st.lastEnded,
	}
}
