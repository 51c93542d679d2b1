package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"

	"pewsched/internal/task/recurrence"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/unit"
	logx "pewsched/pkg/logx"
)

// Register compiles spec's schedule in the configured location and adds it
// to the registry. Safe to call while the loop is running.
func (s *Service) Register(spec TaskSpec) error {
	expr, err := recurrence.New(spec.Schedule, s.cfg.Location)
	if err != nil {
		return errors.Wrapf(err, "task %q", spec.ID)
	}
	cons := spec.Constraints
	if cons.Overlap == registry.OverlapDefault {
		cons.Overlap = s.cfg.DefaultOverlap
	}
	return s.reg.Register(registry.Definition{
		ID:          spec.ID,
		Unit:        spec.Unit,
		Schedule:    spec.Schedule,
		Expr:        expr,
		Constraints: cons,
	})
}

// RegisterAll registers every valid spec. Invalid ones are skipped and
// reported together in the returned error; valid ones stay registered.
func (s *Service) RegisterAll(specs []TaskSpec) error {
	var errs []error
	for _, spec := range specs {
		if err := s.Register(spec); err != nil {
			s.log.Warn("task rejected", logx.String("task", spec.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		s.log.Debug("task registered", logx.String("task", spec.ID), logx.String("schedule", spec.Schedule))
	}
	return errors.Join(errs...)
}

func (s *Service) ListRegistered() []string { return s.reg.IDs() }

// Preview returns the next n fire instants of a registered task after from.
func (s *Service) Preview(id string, from time.Time, n int) ([]time.Time, bool) {
	def, ok := s.reg.Get(id)
	if !ok {
		return nil, false
	}
	return recurrence.Preview(def.Expr, from.In(s.cfg.Location), n), true
}

func (s *Service) Snapshot() Snapshot {
	now := s.clock.Now().In(s.cfg.Location)
	snap := Snapshot{
		State:       s.State(),
		Timezone:    s.cfg.Location.String(),
		Tick:        s.cfg.Tick,
		Ticks:       s.ticks.Load(),
		Maintenance: s.coord.Maintenance(),
		Dispatch:    s.disp.Stats(),
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	snap.Loop = sup.Snapshot()
	if ns := s.lastTick.Load(); ns != 0 {
		snap.LastTickAt = time.Unix(0, ns).In(s.cfg.Location)
	}
	defs := s.reg.All()
	snap.Tasks = make([]TaskInfo, 0, len(defs))
	for _, d := range defs {
		snap.Tasks = append(snap.Tasks, TaskInfo{
			ID:         d.ID,
			Schedule:   d.Schedule,
			Kind:       d.Expr.Kind().String(),
			Unit:       unit.Describe(d.Unit),
			Overlap:    d.Constraints.Overlap.String(),
			Background: d.Constraints.RunInBackground,
			Timeout:    d.Constraints.Timeout,
			Next:       d.Expr.Next(now),
			Run:        s.coord.State(d.ID),
		})
	}
	return snap
}
