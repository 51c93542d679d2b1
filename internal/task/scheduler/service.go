package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"pewsched/internal/runtime/supervisor"
	"pewsched/internal/task/coordinator"
	"pewsched/internal/task/dispatch"
	"pewsched/internal/task/outcome"
	"pewsched/internal/task/registry"
	logx "pewsched/pkg/logx"
)

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

// WithSink sets the event consumer. Default discards.
func WithSink(sink outcome.Sink) Option { return func(s *Service) { s.sink = sink } }

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithStore(st LastFiredStore) Option { return func(s *Service) { s.store = st } }

func WithTickObserver(o TickObserver) Option { return func(s *Service) { s.observer = o } }

// Service is one scheduler instance. Several can coexist in a process; each
// owns its registry and run state.
type Service struct {
	cfg      Config
	log      logx.Logger
	clock    Clock
	sink     outcome.Sink
	store    LastFiredStore
	observer TickObserver

	reg   *registry.Registry
	coord *coordinator.Coordinator
	disp  *dispatch.Dispatcher
	eval  *Evaluator
	skips *skipReporter

	mu        sync.Mutex
	state     State
	sup       *supervisor.Supervisor
	runCtx    context.Context
	runCancel context.CancelFunc
	stopCh    chan struct{}
	stopOnce  sync.Once

	ticks    atomic.Uint64
	lastTick atomic.Int64 // unix nanos
}

// New builds a scheduler over reg. A nil reg gets a fresh registry.
func New(cfg Config, reg *registry.Registry, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	if reg == nil {
		reg = registry.New()
	}
	s := &Service{
		cfg:    cfg,
		clock:  realClock{},
		sink:   outcome.Nop,
		reg:    reg,
		state:  StateNew,
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	// coordinator and dispatch tag their own comp.
	base := s.log
	s.log = base.With(logx.String("comp", "scheduler"))

	s.coord = coordinator.New(coordinator.Config{
		Location:      cfg.Location,
		Environment:   cfg.Environment,
		Maintenance:   cfg.Maintenance,
		OverlapExpiry: cfg.OverlapExpiry,
	}, base)
	s.disp = dispatch.New(dispatch.Config{
		Workers:      cfg.Workers,
		ReclaimGrace: cfg.ReclaimGrace,
		Retry:        cfg.Retry,
	}, s.coord, s.sink, base)
	s.eval = NewEvaluator(reg, s.coord.LastFired)
	s.skips = newSkipReporter(s.log)
	return s
}

func (s *Service) Registry() *registry.Registry { return s.reg }

func (s *Service) Coordinator() *coordinator.Coordinator { return s.coord }

func (s *Service) Evaluator() *Evaluator { return s.eval }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.state = st
	}
	s.mu.Unlock()
}

// Start restores persisted last-fired instants and launches the loop.
// Runs inherit ctx: cancelling it cancels every in-flight unit.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return ErrStopped
	case StateNew:
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.state = StateIdle
	s.mu.Unlock()

	if s.store != nil {
		last, err := s.store.LoadLastFired(ctx)
		if err != nil {
			s.log.Warn("last-fired state not restored", logx.Err(err))
		} else {
			s.coord.Restore(last)
			s.log.Debug("last-fired state restored", logx.Int("tasks", len(last)))
		}
	}

	s.sup.GoRestart("scheduler.loop", s.loop, supervisor.WithPublishFirstError(true))
	s.log.Info("service started",
		logx.String("tz", s.cfg.Location.String()),
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("tasks", s.reg.Len()),
		logx.Int("workers", s.cfg.Workers),
	)
	return nil
}

// nextBoundary returns the first tick boundary strictly after now.
func nextBoundary(now time.Time, tick time.Duration) time.Time {
	return now.Truncate(tick).Add(tick)
}

func (s *Service) loop(ctx context.Context) error {
	for {
		now := s.clock.Now()
		next := nextBoundary(now, s.cfg.Tick)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-s.clock.After(next.Sub(now)):
		}

		// Evaluate at the boundary, not at the wakeup instant: lastFired must
		// stay tick-aligned for interval rules.
		at := s.clock.Now().Truncate(s.cfg.Tick)
		if at.Before(next) {
			at = next
		}
		if err := s.Tick(s.runCtx, at); err != nil {
			// The tick is aborted; the next one starts from scratch.
			s.log.Error("tick aborted", logx.Time("at", at), logx.Err(err))
		}
	}
}

// Tick runs one evaluation cycle at now. The loop calls it on every boundary;
// tests call it directly to simulate time.
func (s *Service) Tick(ctx context.Context, now time.Time) (err error) {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	s.setState(StateTicking)
	s.ticks.Add(1)
	s.lastTick.Store(now.UnixNano())

	var due []registry.Definition
	admitted := 0
	defer func() {
		if r := recover(); r != nil {
			err = &EvaluatorInternalError{At: now, Panic: r}
		}
		s.setState(StateIdle)
		if s.observer != nil {
			s.observer.ObserveTick(now, len(due), admitted, time.Since(start), err)
		}
	}()

	s.coord.Sweep(now)

	due, err = s.eval.due(now)
	if err != nil {
		return err
	}

	for _, def := range due {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		lease, dec := s.coord.TryAcquire(def, now)
		if !dec.Admitted {
			s.skipped(def.ID, now, dec.Reason)
			continue
		}
		admitted++
		s.persistFired(ctx, def.ID, now)

		h := s.disp.Dispatch(ctx, def, lease)
		if def.Constraints.RunInBackground {
			continue
		}
		select {
		case <-h.Done():
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (s *Service) skipped(id string, now time.Time, reason coordinator.Reason) {
	ev := outcome.Skipped(id, now, string(reason))
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("event sink panic", logx.String("task", id), logx.Any("panic", r))
			}
		}()
		s.sink.Emit(ev)
	}()
	s.skips.report(id, reason)
}

func (s *Service) persistFired(ctx context.Context, id string, at time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.PutLastFired(ctx, id, at); err != nil {
		s.log.Warn("last-fired not persisted", logx.String("task", id), logx.Err(err))
	}
}

// Stop ends the loop and gives in-flight runs up to grace to finish. Runs
// still active afterwards are cancelled, their locks force-released and
// their outcomes recorded as TimedOut. A zero grace uses Config.GracePeriod.
func (s *Service) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = s.cfg.GracePeriod
	}

	s.mu.Lock()
	prev := s.state
	sup := s.sup
	runCancel := s.runCancel
	s.state = StateStopped
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if prev == StateNew || prev == StateStopped {
		return nil
	}

	began := time.Now()
	s.log.Info("stop requested", logx.Duration("grace", grace), logx.Int("in_flight", len(s.disp.Inflight())))

	var errs []error
	if sup != nil {
		sctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := sup.Stop(sctx); errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, errors.Wrap(err, "stop loop"))
		}
		cancel()
	}

	remaining := grace - time.Since(began)
	wctx, cancel := context.WithTimeout(context.Background(), max(remaining, 0))
	waitErr := s.disp.Wait(wctx)
	cancel()

	if runCancel != nil {
		runCancel()
	}
	if waitErr != nil {
		abandoned := s.disp.Abandon(dispatch.ReasonShutdown)
		if len(abandoned) > 0 {
			ids := make([]string, 0, len(abandoned))
			for _, h := range abandoned {
				ids = append(ids, h.TaskID)
			}
			s.log.Warn("runs abandoned after grace period", logx.Strings("tasks", ids))
		}
	}

	s.log.Info("service stopped", logx.Duration("took", time.Since(began)))
	return errors.Join(errs...)
}

// SetMaintenance toggles maintenance mode at runtime.
func (s *Service) SetMaintenance(on bool) { s.coord.SetMaintenance(on) }

// Wait blocks until every in-flight run is finalized or ctx is done.
func (s *Service) Wait(ctx context.Context) error { return s.disp.Wait(ctx) }
