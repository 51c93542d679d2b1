package dispatch

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/task/coordinator"
	"pewsched/internal/task/outcome"
	"pewsched/internal/task/recurrence"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/unit"
	logx "pewsched/pkg/logx"
)

type fixture struct {
	coord *coordinator.Coordinator
	rec   *outcome.Recorder
	disp  *Dispatcher
}

func newFixture(cfg Config) *fixture {
	f := &fixture{coord: coordinator.New(coordinator.Config{}, logx.Nop()), rec: &outcome.Recorder{}}
	if cfg.Retry.Base == 0 {
		cfg.Retry = RetryPolicy{Base: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	f.disp = New(cfg, f.coord, f.rec, logx.Nop())
	return f
}

func (f *fixture) acquire(t *testing.T, d registry.Definition) coordinator.Lease {
	t.Helper()
	l, dec := f.coord.TryAcquire(d, time.Now())
	require.True(t, dec.Admitted, "reason=%s", dec.Reason)
	return l
}

func def(id string, u unit.Unit, cons registry.Constraints) registry.Definition {
	if cons.Overlap == registry.OverlapDefault {
		cons.Overlap = registry.OverlapSkip
	}
	return registry.Definition{ID: id, Unit: u, Expr: recurrence.MustNew("* * * * *", time.UTC), Constraints: cons}
}

func TestRun_Statuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		u      unit.Unit
		status outcome.Status
		errSub string
		exit   int
	}{
		{"success", unit.Func(func(context.Context) error { return nil }), outcome.StatusSuccess, "", 0},
		{"error", unit.Func(func(context.Context) error { return errors.New("boom") }), outcome.StatusFailure, "boom", 1},
		{"panic", unit.Func(func(context.Context) error { panic("kaboom") }), outcome.StatusFailure, "panic: kaboom", -1},
		{"exit status", unit.ResultFunc(func(context.Context) (unit.Result, error) { return unit.Result{ExitStatus: 2}, nil }), outcome.StatusFailure, "exit status 2", 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(Config{})
			d := def("t", tc.u, registry.Constraints{})
			o := f.disp.Run(context.Background(), d, f.acquire(t, d))

			assert.Equal(t, tc.status, o.Status)
			assert.Equal(t, tc.exit, o.ExitStatus)
			assert.Equal(t, 1, o.Attempts)
			assert.NotEmpty(t, o.RunID)
			assert.False(t, o.EndedAt.Before(o.StartedAt))
			if tc.errSub != "" {
				assert.Contains(t, o.Error, tc.errSub)
			}

			assert.Len(t, f.rec.Events(), 1)
			assert.Equal(t, 0, f.coord.Running("t"))
			assert.Empty(t, f.disp.Inflight())
		})
	}
}

func TestRun_CooperativeTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{ReclaimGrace: time.Second})
	d := def("slow", unit.Func(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), registry.Constraints{Timeout: 20 * time.Millisecond})

	o := f.disp.Run(context.Background(), d, f.acquire(t, d))
	assert.Equal(t, outcome.StatusTimedOut, o.Status)
	assert.Contains(t, o.Error, "deadline exceeded")

	evs := f.rec.Events()
	require.Len(t, evs, 1)
	assert.Empty(t, evs[0].Reason)
	assert.Equal(t, outcome.StatusTimedOut, f.coord.State("slow").LastStatus)
}

func TestRun_StuckUnitIsDetached(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var returned atomic.Bool
	f := newFixture(Config{ReclaimGrace: 20 * time.Millisecond})
	d := def("stuck", unit.Func(func(context.Context) error {
		<-release
		returned.Store(true)
		return nil
	}), registry.Constraints{Timeout: 20 * time.Millisecond})

	start := time.Now()
	o := f.disp.Run(context.Background(), d, f.acquire(t, d))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, outcome.StatusTimedOut, o.Status)
	assert.False(t, returned.Load())

	// The lock is reclaimed so the next tick can run the task again.
	assert.Equal(t, 0, f.coord.Running("stuck"))
	evs := f.rec.ByTask("stuck")
	require.Len(t, evs, 1)
	assert.Equal(t, ReasonDeadline, evs[0].Reason)

	close(release)
	require.Eventually(t, returned.Load, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.rec.ByTask("stuck"), 1)
}

func TestRun_Retries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	flaky := unit.Func(func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	f := newFixture(Config{})
	d := def("flaky", flaky, registry.Constraints{RetryMax: 3})
	o := f.disp.Run(context.Background(), d, f.acquire(t, d))
	assert.Equal(t, outcome.StatusSuccess, o.Status)
	assert.Equal(t, 3, o.Attempts)
	assert.Len(t, f.rec.Events(), 1)

	calls.Store(0)
	perm := unit.Func(func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad config"))
	})
	d = def("perm", perm, registry.Constraints{RetryMax: 3})
	o = f.disp.Run(context.Background(), d, f.acquire(t, d))
	assert.Equal(t, outcome.StatusFailure, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_OutputTarget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "job.log")
	u := unit.ResultFunc(func(context.Context) (unit.Result, error) {
		return unit.Result{Output: []byte("line\n")}, nil
	})

	f := newFixture(Config{})
	d := def("out", u, registry.Constraints{Output: registry.Output{Path: path, Append: true}})
	for i := 0; i < 2; i++ {
		o := f.disp.Run(context.Background(), d, f.acquire(t, d))
		assert.Equal(t, path, o.OutputRef)
	}
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "line\n"))
	assert.Equal(t, 2, strings.Count(string(b), "=== out run="))

	d = def("trunc", u, registry.Constraints{Output: registry.Output{Path: path}})
	f.disp.Run(context.Background(), d, f.acquire(t, d))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(b))
}

func TestDispatch_WorkerLimit(t *testing.T) {
	t.Parallel()

	var cur, peak atomic.Int32
	body := unit.Func(func(context.Context) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return nil
	})

	f := newFixture(Config{Workers: 2})
	var hs []*Handle
	for i := 0; i < 6; i++ {
		d := def(string(rune('a'+i)), body, registry.Constraints{RunInBackground: true})
		hs = append(hs, f.disp.Dispatch(context.Background(), d, f.acquire(t, d)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.disp.Wait(ctx))
	for _, h := range hs {
		o, ok := h.Outcome()
		require.True(t, ok)
		assert.Equal(t, outcome.StatusSuccess, o.Status)
		assert.True(t, h.Background)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, f.disp.Stats().FreeWorkers)
}

func TestAbandon(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newFixture(Config{ReclaimGrace: time.Hour})
	d := def("long", unit.Func(func(context.Context) error {
		<-release
		return nil
	}), registry.Constraints{RunInBackground: true})

	h := f.disp.Dispatch(context.Background(), d, f.acquire(t, d))
	require.Eventually(t, func() bool { return !h.startedAt().Equal(h.Queued) }, time.Second, time.Millisecond)

	got := f.disp.Abandon(ReasonShutdown)
	require.Len(t, got, 1)
	<-h.Done()

	o, ok := h.Outcome()
	require.True(t, ok)
	assert.Equal(t, outcome.StatusTimedOut, o.Status)
	assert.Contains(t, o.Error, "shutdown")
	assert.Equal(t, 0, f.coord.Running("long"))

	close(release)
	time.Sleep(20 * time.Millisecond)
	evs := f.rec.ByTask("long")
	require.Len(t, evs, 1)
	assert.Equal(t, ReasonShutdown, evs[0].Reason)
	assert.Empty(t, f.disp.Abandon("again"))
}

func TestWait_ContextDone(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{ReclaimGrace: 10 * time.Millisecond})
	block := make(chan struct{})
	defer close(block)
	d := def("w", unit.Func(func(context.Context) error { <-block; return nil }), registry.Constraints{})
	f.disp.Dispatch(context.Background(), d, f.acquire(t, d))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.disp.Wait(ctx), context.DeadlineExceeded)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Base: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.01}
	rng := rand.New(rand.NewSource(1))

	assert.InDelta(t, float64(100*time.Millisecond), float64(p.delay(1, nil, rng)), float64(2*time.Millisecond))
	assert.InDelta(t, float64(400*time.Millisecond), float64(p.delay(3, nil, rng)), float64(5*time.Millisecond))
	assert.LessOrEqual(t, p.delay(10, nil, rng), time.Second)

	hint := RetryAfter(errors.New("429"), 250*time.Millisecond)
	assert.InDelta(t, float64(250*time.Millisecond), float64(p.delay(1, hint, rng)), float64(3*time.Millisecond))
	assert.Equal(t, time.Second, p.delay(1, RetryAfter(errors.New("429"), time.Hour), nil))
}
