// Package dispatch executes task units, contains their failures and reports
// exactly one outcome per accepted run.
//
// Every run is represented by a Handle. The handle owns the coordinator lease
// and gives it back when the run is finalized: on completion, on forced
// reclaim after a timeout, or when the scheduler abandons it at shutdown.
package dispatch

import (
	"context"
	"math/rand"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"pewsched/internal/task/coordinator"
	"pewsched/internal/task/outcome"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/unit"
	logx "pewsched/pkg/logx"
)

const (
	DefaultReclaimGrace = 5 * time.Second

	ReasonDeadline = "deadline"
	ReasonShutdown = "shutdown"
)

// Releaser is the part of the coordinator the dispatcher needs.
type Releaser interface {
	Release(l coordinator.Lease, o outcome.Outcome) bool
	ForceRelease(l coordinator.Lease) bool
}

type Config struct {
	// Workers bounds concurrently executing runs. 0 = unbounded.
	Workers int
	// ReclaimGrace is how long a unit may keep running after its deadline
	// (or cancellation) before the run is recorded TimedOut and detached.
	ReclaimGrace time.Duration
	Retry        RetryPolicy
}

type Dispatcher struct {
	cfg   Config
	locks Releaser
	sink  outcome.Sink
	log   logx.Logger
	sem   *semaphore

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	inflight map[*Handle]struct{}
}

func New(cfg Config, locks Releaser, sink outcome.Sink, log logx.Logger) *Dispatcher {
	if cfg.ReclaimGrace <= 0 {
		cfg.ReclaimGrace = DefaultReclaimGrace
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if sink == nil {
		sink = outcome.Nop
	}
	return &Dispatcher{
		cfg:      cfg,
		locks:    locks,
		sink:     sink,
		log:      log.With(logx.String("comp", "dispatch")),
		sem:      newSemaphore(cfg.Workers),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		inflight: make(map[*Handle]struct{}),
	}
}

// Dispatch starts def on its own goroutine and returns immediately. The lease
// must come from a successful TryAcquire; the handle releases it.
func (d *Dispatcher) Dispatch(ctx context.Context, def registry.Definition, lease coordinator.Lease) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := newHandle(def.ID, uuid.NewString(), lease, def.Constraints.RunInBackground, cancel)
	d.track(h)

	go func() {
		defer cancel()
		if !d.sem.acquire(runCtx) {
			now := time.Now()
			d.finalize(h, outcome.Outcome{
				TaskID: h.TaskID, RunID: h.RunID, StartedAt: now, EndedAt: now,
				Status: outcome.StatusSkipped, Error: "cancelled while waiting for a worker",
			}, false, ReasonShutdown)
			return
		}
		o, detached := d.execute(runCtx, h, def)
		d.sem.release()
		reason := ""
		if detached {
			reason = ReasonDeadline
			if ctx.Err() != nil {
				reason = ReasonShutdown
			}
		}
		d.finalize(h, o, detached, reason)
	}()
	return h
}

// Run dispatches def and waits for its outcome.
func (d *Dispatcher) Run(ctx context.Context, def registry.Definition, lease coordinator.Lease) outcome.Outcome {
	h := d.Dispatch(ctx, def, lease)
	<-h.Done()
	o, _ := h.Outcome()
	return o
}

type attempt struct {
	res unit.Result
	err error
}

// execute runs all attempts. detached reports that the unit did not return
// within ReclaimGrace after cancellation and was left running.
func (d *Dispatcher) execute(ctx context.Context, h *Handle, def registry.Definition) (outcome.Outcome, bool) {
	start := time.Now()
	h.markStarted(start)
	o := outcome.Outcome{TaskID: def.ID, RunID: h.RunID, StartedAt: start}

	runCtx := ctx
	if def.Constraints.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Constraints.Timeout)
		defer cancel()
	}

	d.log.Debug("task.started", logx.String("task", def.ID), logx.String("run", h.RunID), logx.Duration("queue_delay", start.Sub(h.Queued)))

	maxAttempts := 1 + max(def.Constraints.RetryMax, 0)
	var last attempt
	for n := 1; n <= maxAttempts; n++ {
		o.Attempts = n
		var detached bool
		last, detached = d.attempt(runCtx, def.Unit)
		if detached {
			o.EndedAt = time.Now()
			o.Status = outcome.StatusTimedOut
			o.ExitStatus = -1
			o.Error = "unit did not stop after cancellation; detached"
			return o, true
		}
		var pe *PanicError
		if errors.As(last.err, &pe) {
			d.log.Error("task.panic", logx.String("task", def.ID), logx.Any("panic", pe.Value), logx.Stack(string(pe.Stack)))
		}
		if last.err == nil && last.res.ExitStatus == 0 {
			break
		}
		if runCtx.Err() != nil || IsNoRetry(last.err) || n == maxAttempts {
			break
		}

		delay := d.backoff(n, last.err)
		d.log.Debug("task retry scheduled", logx.String("task", def.ID), logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(last.err))
		tmr := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			tmr.Stop()
		case <-tmr.C:
		}
		if runCtx.Err() != nil {
			break
		}
	}

	o.EndedAt = time.Now()
	o.ExitStatus = last.res.ExitStatus
	switch {
	case last.err == nil && last.res.ExitStatus == 0:
		o.Status = outcome.StatusSuccess
	case runCtx.Err() != nil:
		o.Status = outcome.StatusTimedOut
		o.Error = errorText(last.err, runCtx.Err())
	default:
		o.Status = outcome.StatusFailure
		o.Error = errorText(last.err, nil)
		if o.Error == "" {
			o.Error = "exit status " + strconv.Itoa(last.res.ExitStatus)
		}
	}

	if ref, err := writeOutput(def.Constraints.Output, def.ID, h.RunID, start, last.res.Output); err != nil {
		d.log.Warn("task output not written", logx.String("task", def.ID), logx.Err(err))
	} else {
		o.OutputRef = ref
	}
	return o, false
}

// attempt runs the unit once on its own goroutine so a unit that ignores
// cancellation cannot hold the dispatcher past ReclaimGrace.
func (d *Dispatcher) attempt(ctx context.Context, u unit.Unit) (attempt, bool) {
	ch := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attempt{res: unit.Result{ExitStatus: -1}, err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		res, err := u.Execute(ctx)
		ch <- attempt{res: res, err: err}
	}()

	select {
	case a := <-ch:
		return a, false
	case <-ctx.Done():
	}

	grace := time.NewTimer(d.cfg.ReclaimGrace)
	defer grace.Stop()
	select {
	case a := <-ch:
		return a, false
	case <-grace.C:
		return attempt{}, true
	}
}

func (d *Dispatcher) backoff(n int, err error) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.cfg.Retry.delay(n, err, d.rng)
}

// finalize records o for h if nobody did yet: release the lease, emit the
// event, then close Done.
func (d *Dispatcher) finalize(h *Handle, o outcome.Outcome, forced bool, reason string) bool {
	if !h.claim(o) {
		return false
	}
	if d.locks != nil {
		if forced {
			d.locks.ForceRelease(h.Lease)
		} else {
			d.locks.Release(h.Lease, o)
		}
	}
	d.untrack(h)

	ev := outcome.EventOf(o)
	ev.Reason = reason
	d.emit(ev)
	d.logOutcome(o, reason)
	close(h.done)
	return true
}

func (d *Dispatcher) emit(ev outcome.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event sink panic", logx.String("task", ev.TaskID), logx.Any("panic", r))
		}
	}()
	d.sink.Emit(ev)
}

func (d *Dispatcher) logOutcome(o outcome.Outcome, reason string) {
	fields := []logx.Field{
		logx.String("task", o.TaskID),
		logx.String("run", o.RunID),
		logx.String("status", string(o.Status)),
		logx.Duration("dur", o.Duration()),
		logx.Int("attempts", o.Attempts),
	}
	switch o.Status {
	case outcome.StatusSuccess:
		if o.Duration() >= 750*time.Millisecond {
			d.log.Info("task.completed", fields...)
		} else {
			d.log.Debug("task.completed", fields...)
		}
	case outcome.StatusSkipped:
		d.log.Debug("task.skipped", append(fields, logx.String("reason", reason))...)
	default:
		fields = append(fields, logx.String("err", o.Error), logx.Int("exit", o.ExitStatus))
		if reason != "" {
			fields = append(fields, logx.String("reason", reason))
		}
		d.log.Warn("task.failed", fields...)
	}
}

// Abandon finalizes every in-flight run as TimedOut, force-releasing its lease
// and cancelling its context. Runs that complete afterwards are ignored.
func (d *Dispatcher) Abandon(reason string) []*Handle {
	hs := d.Inflight()
	now := time.Now()
	out := make([]*Handle, 0, len(hs))
	for _, h := range hs {
		h.Cancel()
		o := outcome.Outcome{
			TaskID:     h.TaskID,
			RunID:      h.RunID,
			StartedAt:  h.startedAt(),
			EndedAt:    now,
			Status:     outcome.StatusTimedOut,
			ExitStatus: -1,
			Error:      errors.Wrap(ErrAbandoned, reason).Error(),
		}
		if d.finalize(h, o, true, reason) {
			out = append(out, h)
		}
	}
	return out
}

// Wait blocks until no run is in flight or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	for {
		hs := d.Inflight()
		if len(hs) == 0 {
			return nil
		}
		for _, h := range hs {
			select {
			case <-h.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Inflight returns the handles not yet finalized.
func (d *Dispatcher) Inflight() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Handle, 0, len(d.inflight))
	for h := range d.inflight {
		out = append(out, h)
	}
	return out
}

// Stats is a diagnostics view.
type Stats struct {
	InFlight    int `json:"in_flight"`
	Workers     int `json:"workers"`
	FreeWorkers int `json:"free_workers"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	n := len(d.inflight)
	d.mu.Unlock()
	return Stats{InFlight: n, Workers: d.cfg.Workers, FreeWorkers: d.sem.available()}
}

func (d *Dispatcher) track(h *Handle) {
	d.mu.Lock()
	d.inflight[h] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(h *Handle) {
	d.mu.Lock()
	delete(d.inflight, h)
	d.mu.Unlock()
}

func errorText(err, ctxErr error) string {
	switch {
	case err != nil:
		return err.Error()
	case ctxErr != nil:
		return ctxErr.Error()
	}
	return ""
}
