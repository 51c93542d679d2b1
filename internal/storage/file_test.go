package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/task/outcome"
	logx "pewsched/pkg/logx"
)

func openTestFile(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestOpen_Disabled(t *testing.T) {
	st, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestFileStore_LastFiredSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)

	st := openTestFile(t, dir)
	require.NoError(t, st.PutLastFired(ctx, "backup", t0))
	require.NoError(t, st.PutLastFired(ctx, "report", t0.Add(time.Minute)))
	// Older instants never move the value backwards.
	require.NoError(t, st.PutLastFired(ctx, "backup", t0.Add(-time.Hour)))
	require.NoError(t, st.Close())

	st = openTestFile(t, dir)
	defer st.Close()
	got, err := st.LoadLastFired(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got["backup"].Equal(t0))
	assert.True(t, got["report"].Equal(t0.Add(time.Minute)))
}

func TestFileStore_RecentRuns(t *testing.T) {
	st := openTestFile(t, t.TempDir())
	defer st.Close()
	ctx := context.Background()

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendRun(ctx, outcome.Event{TaskID: "a", RunID: string(rune('0' + i)), StartedAt: t0, EndedAt: t0, Status: outcome.StatusSuccess}))
	}
	require.NoError(t, st.AppendRun(ctx, outcome.Event{TaskID: "b", Status: outcome.StatusFailure}))

	runs, err := st.RecentRuns(ctx, "a", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "4", runs[0].RunID)
	assert.Equal(t, "2", runs[2].RunID)

	all, err := st.RecentRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "b", all[0].TaskID)
}

func TestFileStore_Closed(t *testing.T) {
	st := openTestFile(t, t.TempDir())
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.PutLastFired(context.Background(), "a", time.Now()), ErrClosed)
	assert.ErrorIs(t, st.AppendRun(context.Background(), outcome.Event{TaskID: "a"}), ErrClosed)
}
