package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_PanicIsRecorded(t *testing.T) {
	s := New(context.Background())
	s.Go0("boom", func(context.Context) { panic("x") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: x")

	snap := s.Snapshot()
	require.Len(t, snap.Loops, 1)
	assert.Equal(t, uint64(1), snap.Loops[0].Panics)
	assert.Zero(t, snap.Counters.Active)
}

func TestGo_CancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(context.Context) error { return errors.New("bad") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fails: bad")
}

func TestGoRestart_RestartsUntilStopped(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient")

	for _, l := range s.Snapshot().Loops {
		if l.Name == "loop" {
			assert.Equal(t, uint64(2), l.Restarts)
		}
	}
}

func TestGoRestart_GivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, s.Wait(ctx))
	assert.Equal(t, int32(3), runs.Load())
}

func TestStop_CleanExitIsNotAnError(t *testing.T) {
	s := New(context.Background())
	s.GoRestart("clean", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
