// Package app wires configuration, storage, sinks, the scheduler and the ops
// server into one supervised process.
package app

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pewsched/internal/config"
	"pewsched/internal/eventbus"
	"pewsched/internal/observability/metrics"
	"pewsched/internal/observability/ops"
	"pewsched/internal/runtime/supervisor"
	"pewsched/internal/storage"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/scheduler"
	logx "pewsched/pkg/logx"
	"pewsched/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager

	// mu guards settings, which tracks what has been applied live.
	mu       sync.Mutex
	settings config.Settings

	sup *supervisor.Supervisor

	// sinkSup outlives sup so events emitted during shutdown still drain.
	sinkSup *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched   *scheduler.Service
	metrics *metrics.Metrics
	ops     *ops.Service
	sinks   sinks
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm, settings, err := LoadSettings(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, base := logx.New(settings.Logging)
	log := base.With(logx.String("comp", "app"))
	logRejected(log, settings.Rejected)

	store, err := openStore(ctx, settings, base)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New(true)
	sink, drains := buildSinks(settings, bus, store, m, base)

	opts := []scheduler.Option{
		scheduler.WithLogger(base),
		scheduler.WithSink(sink),
		scheduler.WithTickObserver(m),
	}
	if store != nil {
		opts = append(opts, scheduler.WithStore(store))
	}
	sched := scheduler.New(settings.Scheduler, registry.New(), opts...)
	// Each failure is already logged by RegisterAll; the others keep running.
	_ = sched.RegisterAll(settings.Tasks)

	m.Gauge("inflight_runs", "Runs currently executing.", func() float64 {
		return float64(sched.Snapshot().Dispatch.InFlight)
	})
	m.Gauge("maintenance", "1 while maintenance mode is on.", func() float64 {
		if sched.Coordinator().Maintenance() {
			return 1
		}
		return 0
	})
	m.Gauge("tasks", "Registered tasks.", func() float64 { return float64(sched.Registry().Len()) })
	m.Gauge("eventbus_dropped_total", "Events dropped by slow bus subscribers.", func() float64 { return float64(bus.Dropped()) })

	opsSvc := ops.New(opsConfig(settings.Ops), ops.Deps{
		Scheduler: sched,
		History:   store,
		Metrics:   m.Handler(),
		Bus:       bus,
	}, base)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		settings: settings,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sched:    sched,
		metrics:  m,
		ops:      opsSvc,
		sinks:    drains,
	}, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sinkSup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.logs.Logger().With(logx.String("comp", "sinks"))))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.logs.Logger())
	// Only process-wide problems reject a reload; bad tasks are dropped on apply.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	if a.sinks.store != nil {
		a.sinkSup.Go("sink.store", a.sinks.store.Run)
	}
	if a.sinks.amqp != nil {
		a.sinkSup.Go("sink.amqp", a.sinks.amqp.Run)
	}

	// Runs must survive cancellation of ctx; Stop gives them the grace period.
	if err := a.sched.Start(context.WithoutCancel(a.sup.Context())); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	a.ops.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug-level: frequent tasks would flood the log otherwise.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.healthy, func(err error) {
			a.log.Warn("watchdog ping withheld", logx.Err(err))
		})
	})
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		_, _ = systemd.Status(readyStatus(a.sched.Registry().Len()))
	}

	a.log.Info("app started", logx.Int("tasks", a.sched.Registry().Len()), logx.String("config", a.cfgPath))
	return nil
}

func readyStatus(tasks int) string {
	if tasks == 1 {
		return "scheduling 1 task"
	}
	return "scheduling " + strconv.Itoa(tasks) + " tasks"
}

// healthy fails when the scheduler loop is not running or has not ticked
// for three tick periods.
func (a *App) healthy() error {
	snap := a.sched.Snapshot()
	if snap.State == scheduler.StateStopped {
		return errors.New("scheduler stopped")
	}
	if snap.Loop.Counters.Active == 0 {
		return errors.New("scheduler loop not running")
	}
	if !snap.LastTickAt.IsZero() && time.Since(snap.LastTickAt) > 3*snap.Tick {
		return errors.Newf("no tick since %s", snap.LastTickAt.Format(time.RFC3339))
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.mu.Lock()
	grace := a.settings.Scheduler.GracePeriod
	a.mu.Unlock()
	if grace <= 0 {
		grace = scheduler.DefaultGracePeriod
	}

	_ = a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	schedErr := a.step(ctx, "scheduler", grace+2*time.Second, func(context.Context) error { return a.sched.Stop(grace) })

	a.sup.Cancel()
	_ = a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	_ = a.step(ctx, "sinks", 3*time.Second, func(c context.Context) error { return a.sinkSup.Stop(c) })
	storeErr := a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(schedErr, storeErr)
}

// step runs one shutdown step bounded by limit so one component can't stall
// the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}

// changedSections formats the section list for log lines.
func changedSections(sections []string) string {
	if len(sections) == 0 {
		return "none"
	}
	return strings.Join(sections, ",")
}

func logRejected(log logx.Logger, rejected []config.TaskError) {
	for _, te := range rejected {
		log.Error("task rejected", logx.String("task", te.ID), logx.Int("index", te.Index), logx.Err(te.Err))
	}
}
