package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/task/outcome"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestEmit_CountsRunsAndSkips(t *testing.T) {
	t.Parallel()
	m := New(false)
	end := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	m.Emit(outcome.Event{TaskID: "a", Status: outcome.StatusSuccess, Duration: time.Second, Attempts: 1, EndedAt: end})
	m.Emit(outcome.Event{TaskID: "a", Status: outcome.StatusFailure, Duration: 2 * time.Second, Attempts: 3, EndedAt: end})
	m.Emit(outcome.Skipped("a", end, "overlap"))
	m.Emit(outcome.Skipped("a", end, "overlap"))
	m.Emit(outcome.Skipped("b", end, ""))

	text := scrape(t, m)
	for _, want := range []string{
		`pewsched_runs_total{status="success",task="a"} 1`,
		`pewsched_runs_total{status="failure",task="a"} 1`,
		`pewsched_run_attempts_total{task="a"} 4`,
		`pewsched_skips_total{reason="overlap",task="a"} 2`,
		`pewsched_skips_total{reason="unknown",task="b"} 1`,
		`pewsched_run_duration_seconds_count{task="a"} 2`,
		`pewsched_last_run_timestamp_seconds{status="failure",task="a"} 1.7724456e+09`,
	} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, `pewsched_runs_total{status="skipped"`)
}

func TestObserveTick(t *testing.T) {
	t.Parallel()
	m := New(false)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.ObserveTick(at, 3, 2, time.Millisecond, nil)
	m.ObserveTick(at.Add(time.Minute), 1, 0, time.Millisecond, errors.New("boom"))

	text := scrape(t, m)
	for _, want := range []string{
		"pewsched_ticks_total 2",
		"pewsched_tick_errors_total 1",
		"pewsched_due_total 4",
		"pewsched_admitted_total 2",
		"pewsched_tick_duration_seconds_count 2",
	} {
		assert.Contains(t, text, want)
	}
}

func TestHandler_RuntimeAndGaugeFunc(t *testing.T) {
	t.Parallel()
	m := New(true)
	m.Gauge("inflight_runs", "Runs in flight.", func() float64 { return 7 })

	text := scrape(t, m)
	assert.Contains(t, text, "pewsched_inflight_runs 7")
	assert.Contains(t, text, "go_goroutines")
}
