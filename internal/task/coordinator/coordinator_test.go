package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/task/outcome"
	"pewsched/internal/task/recurrence"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/unit"
	logx "pewsched/pkg/logx"
)

var t0 = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newDef(id string, cons registry.Constraints) registry.Definition {
	return registry.Definition{
		ID:          id,
		Unit:        unit.Func(func(context.Context) error { return nil }),
		Expr:        recurrence.MustNew("* * * * *", time.UTC),
		Constraints: cons,
	}
}

func newCoord(cfg Config) *Coordinator { return New(cfg, logx.Nop()) }

func TestTryAcquire_WithoutOverlapping(t *testing.T) {
	t.Parallel()

	c := newCoord(Config{})
	d := newDef("a", registry.Constraints{Overlap: registry.OverlapSkip})

	l1, dec := c.TryAcquire(d, t0)
	require.True(t, dec.Admitted)
	assert.Equal(t, 1, c.Running("a"))
	assert.Equal(t, t0, c.State("a").LockHeldSince)

	_, dec = c.TryAcquire(d, t0.Add(time.Minute))
	assert.False(t, dec.Admitted)
	assert.Equal(t, ReasonOverlap, dec.Reason)
	// A skip does not advance lastFiredAt.
	assert.Equal(t, t0, c.LastFired("a"))

	require.True(t, c.Release(l1, outcome.Outcome{Status: outcome.StatusSuccess, EndedAt: t0.Add(90 * time.Second)}))
	assert.Equal(t, 0, c.Running("a"))
	assert.True(t, c.State("a").LockHeldSince.IsZero())
	assert.Equal(t, outcome.StatusSuccess, c.State("a").LastStatus)

	_, dec = c.TryAcquire(d, t0.Add(2*time.Minute))
	assert.True(t, dec.Admitted)
}

func TestTryAcquire_AllowOverlap(t *testing.T) {
	t.Parallel()

	c := newCoord(Config{})
	d := newDef("a", registry.Constraints{Overlap: registry.OverlapAllow})

	l1, dec := c.TryAcquire(d, t0)
	require.True(t, dec.Admitted)
	l2, dec := c.TryAcquire(d, t0.Add(time.Minute))
	require.True(t, dec.Admitted)
	assert.NotEqual(t, l1.Gen, l2.Gen)
	assert.Equal(t, 2, c.Running("a"))
	assert.Equal(t, t0, c.State("a").LockHeldSince)

	c.Release(l1, outcome.Outcome{Status: outcome.StatusSuccess})
	assert.Equal(t, t0.Add(time.Minute), c.State("a").LockHeldSince)
}

func TestRelease_OnceOnly(t *testing.T) {
	t.Parallel()

	c := newCoord(Config{})
	d := newDef("a", registry.Constraints{Overlap: registry.OverlapSkip})

	l1, _ := c.TryAcquire(d, t0)
	require.True(t, c.ForceRelease(l1))

	l2, dec := c.TryAcquire(d, t0.Add(time.Minute))
	require.True(t, dec.Admitted)

	// The detached first run finishing late must not unlock the second.
	assert.False(t, c.Release(l1, outcome.Outcome{Status: outcome.StatusSuccess}))
	assert.Equal(t, 1, c.Running("a"))
	assert.True(t, c.Release(l2, outcome.Outcome{Status: outcome.StatusSuccess}))
	assert.False(t, c.Release(Lease{TaskID: "unknown", Gen: 1}, outcome.Outcome{}))
}

func TestFilterOrder(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	counting := func(result bool) registry.Predicate {
		return func(time.Time) bool { calls.Add(1); return result }
	}
	window, err := registry.ParseWindow("09:00", "17:00")
	require.NoError(t, err)
	night, err := registry.ParseWindow("22:00", "06:00")
	require.NoError(t, err)

	c := newCoord(Config{Environment: "staging"})

	// Overlap wins before predicates are even evaluated.
	busy := newDef("busy", registry.Constraints{Overlap: registry.OverlapSkip, When: []registry.Predicate{counting(false)}})
	c.state("busy").active[99] = heldLease{acquiredAt: t0, expiry: time.Hour}
	_, dec := c.TryAcquire(busy, t0)
	assert.Equal(t, ReasonOverlap, dec.Reason)
	assert.Equal(t, int32(0), calls.Load())

	cases := []struct {
		name string
		cons registry.Constraints
		at   time.Time
		want Reason
	}{
		{"when false", registry.Constraints{When: []registry.Predicate{counting(false)}, Between: &window}, t0.Add(-5 * time.Hour), ReasonWhen},
		{"skip true", registry.Constraints{Skip: []registry.Predicate{counting(true)}}, t0, ReasonSkip},
		{"environment", registry.Constraints{Environments: []string{"production"}, Between: &window}, t0.Add(-5 * time.Hour), ReasonEnvironment},
		{"outside window", registry.Constraints{Between: &window}, t0.Add(-5 * time.Hour), ReasonOutsideWindow},
		{"inside excluded window", registry.Constraints{UnlessBetween: &night}, t0.Add(13 * time.Hour), ReasonInsideWindow},
		{"panicking predicate", registry.Constraints{When: []registry.Predicate{func(time.Time) bool { panic("x") }}}, t0, ReasonPredicatePanic},
	}
	for _, tc := range cases {
		d := newDef(tc.name, tc.cons)
		_, dec := c.TryAcquire(d, tc.at)
		assert.False(t, dec.Admitted, tc.name)
		assert.Equal(t, tc.want, dec.Reason, tc.name)
		assert.Equal(t, 0, c.Running(tc.name), tc.name)
		assert.True(t, c.LastFired(tc.name).IsZero(), tc.name)
	}

	ok := newDef("ok", registry.Constraints{Environments: []string{"staging"}, Between: &window, UnlessBetween: &night, When: []registry.Predicate{counting(true)}})
	_, dec = c.TryAcquire(ok, t0)
	assert.True(t, dec.Admitted)
}

func TestMaintenance(t *testing.T) {
	t.Parallel()

	c := newCoord(Config{Maintenance: true})
	_, dec := c.TryAcquire(newDef("a", registry.Constraints{}), t0)
	assert.Equal(t, ReasonMaintenance, dec.Reason)

	_, dec = c.TryAcquire(newDef("b", registry.Constraints{EvenInMaintenance: true}), t0)
	assert.True(t, dec.Admitted)

	c.SetMaintenance(false)
	assert.False(t, c.Maintenance())
	_, dec = c.TryAcquire(newDef("a", registry.Constraints{}), t0)
	assert.True(t, dec.Admitted)
}

func TestWindowUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	window, err := registry.ParseWindow("09:00", "17:00")
	require.NoError(t, err)

	c := newCoord(Config{Location: loc})
	// 03:00 UTC is 10:00 local.
	_, dec := c.TryAcquire(newDef("a", registry.Constraints{Between: &window}), time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC))
	assert.True(t, dec.Admitted)
}

func TestSweep(t *testing.T) {
	t.Parallel()

	c := newCoord(Config{OverlapExpiry: time.Hour})
	d := newDef("a", registry.Constraints{Overlap: registry.OverlapSkip})
	short := newDef("b", registry.Constraints{Overlap: registry.OverlapSkip, OverlapExpiry: 10 * time.Minute})

	la, _ := c.TryAcquire(d, t0)
	_, _ = c.TryAcquire(short, t0)

	got := c.Sweep(t0.Add(30 * time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].TaskID)

	got = c.Sweep(t0.Add(time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, la, got[0])
	assert.False(t, c.Release(la, outcome.Outcome{}))

	_, dec := c.TryAcquire(d, t0.Add(61*time.Minute))
	assert.True(t, dec.Admitted)
}

func TestLastFiredMonotonicAndRestore(t *testing.T) {
	t.Parallel()

	c := newCoord(Config{})
	c.Restore(map[string]time.Time{"a": t0, "zero": {}})
	assert.Equal(t, t0, c.LastFired("a"))
	assert.True(t, c.LastFired("zero").IsZero())

	d := newDef("a", registry.Constraints{Overlap: registry.OverlapAllow})
	_, _ = c.TryAcquire(d, t0.Add(-time.Minute))
	assert.Equal(t, t0, c.LastFired("a"))

	c.Restore(map[string]time.Time{"a": t0.Add(-time.Hour)})
	assert.Equal(t, t0, c.LastFired("a"))
}

func TestTryAcquire_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	c := newCoord(Config{})
	d := newDef("a", registry.Constraints{Overlap: registry.OverlapSkip})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, dec := c.TryAcquire(d, t0); dec.Admitted {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
