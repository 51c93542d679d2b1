package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/task/recurrence"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/unit"
	logx "pewsched/pkg/logx"
)

const sampleYAML = `
environment: production
logging: {level: info, console: true}
scheduler:
  timezone: Asia/Jakarta
  tick: 30s
  default_overlap: allow
  workers: 4
  grace_period: 10s
storage: {driver: file, path: ./state/pewsched}
ops: {enabled: true, addr: "127.0.0.1:9090", pprof: true}
tasks:
  - id: backup
    schedule: daily at 02:00
    command: /usr/local/bin/backup --full "/var/lib/data dir"
    without_overlapping: true
    run_in_background: true
    timeout: 30m
    output: ./logs/backup.log
    append_output: true
    between: {from: "01:00", to: "05:00"}
  - id: ping
    schedule: "*/5 * * * *"
    http: {url: "http://127.0.0.1:8080/ping", method: POST, timeout: 5s}
    environments: [production, staging]
    retry_max: 2
  - id: nginx
    schedule: weekly
    systemd: {unit: nginx, action: reload}
`

func TestDecode_YAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("pewsched.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	require.Len(t, cfg.Tasks, 3)
	assert.Equal(t, "01:00", cfg.Tasks[0].Between.From)
	assert.Equal(t, "nginx", cfg.Tasks[2].Systemd.Unit)
	assert.Equal(t, "POST", cfg.Tasks[1].HTTP.Method)
}

func TestDecode_Strict(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		path string
		body string
	}{
		"unknown top-level": {"c.json", `{"logging":{},"scheduler":{},"tasks":[],"bogus":1}`},
		"unknown task key":  {"c.yaml", "tasks:\n  - id: a\n    schedule: daily\n    comand: x\n"},
		"unknown http key":  {"c.yaml", "tasks:\n  - id: a\n    schedule: daily\n    http: {url: x, verb: GET}\n"},
		"trailing data":     {"c.json", `{"tasks":[]} {}`},
		"bad yaml":          {"c.yml", "tasks: [\n"},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.path, []byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("pewsched.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	s, err := Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, "Asia/Jakarta", s.Scheduler.Location.String())
	assert.Equal(t, 30*time.Second, s.Scheduler.Tick)
	assert.Equal(t, registry.OverlapAllow, s.Scheduler.DefaultOverlap)
	assert.Equal(t, "production", s.Scheduler.Environment)
	assert.Equal(t, "file", s.Storage.Driver)
	assert.True(t, s.Ops.Enabled)

	require.Len(t, s.Tasks, 3)
	backup := s.Tasks[0]
	assert.Equal(t, registry.OverlapSkip, backup.Constraints.Overlap)
	assert.Equal(t, 30*time.Minute, backup.Constraints.Timeout)
	assert.True(t, backup.Constraints.Output.Append)
	require.NotNil(t, backup.Constraints.Between)
	assert.Equal(t, "01:00-05:00", backup.Constraints.Between.String())
	cmd, ok := backup.Unit.(*unit.Command)
	require.True(t, ok)
	assert.Equal(t, "exec: /usr/local/bin/backup --full \"/var/lib/data dir\"", unit.Describe(cmd))

	ping := s.Tasks[1]
	// Left as default: the scheduler applies default_overlap at registration.
	assert.Equal(t, registry.OverlapDefault, ping.Constraints.Overlap)
	assert.Equal(t, 2, ping.Constraints.RetryMax)
	h, ok := ping.Unit.(*unit.HTTP)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, h.Timeout)

	assert.Equal(t, "systemd: reload nginx.service", unit.Describe(s.Tasks[2].Unit))
}

func TestResolve_CollectsEveryError(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus", Tick: "10ms"},
		Ops:       OpsConfig{Enabled: true, Addr: "0.0.0.0:9090"},
		Tasks: []TaskConfig{
			{ID: "a", Schedule: "61 * * * *", Command: "true"},
			{ID: "b", Schedule: "daily", Command: "true", HTTP: &HTTPTaskConfig{URL: "http://x"}},
			{ID: "c", Schedule: "daily"},
			{ID: "d", Schedule: "daily", Command: "true", Overlap: "allow", WithoutOverlapping: true},
			{ID: "e", Schedule: "daily", Command: "true", Between: &WindowConfig{From: "10:00", To: "10:00"}},
			{ID: "ok", Schedule: "daily", Command: "true"},
			{ID: "ok", Schedule: "hourly", Command: "true"},
		},
	}
	s, err := Resolve(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"scheduler.timezone", "scheduler.tick", "not loopback"} {
		assert.Contains(t, msg, want)
	}
	assert.NotContains(t, msg, "task")

	require.Len(t, s.Rejected, 6)
	tasksMsg := s.TasksErr().Error()
	for _, want := range []string{
		`task "a"`, "command, http or systemd", "command, http or systemd is required",
		"conflicts", "between", `tasks[6]: task "ok" already registered`,
	} {
		assert.Contains(t, tasksMsg, want)
	}
	var dup *registry.DuplicateIDError
	assert.ErrorAs(t, s.TasksErr(), &dup)
	var malformed *recurrence.MalformedError
	assert.ErrorAs(t, s.Rejected[0].Err, &malformed)
	assert.Equal(t, "a", s.Rejected[0].ID)

	require.Len(t, s.Tasks, 1)
	assert.Equal(t, "ok", s.Tasks[0].ID)
}

func TestResolve_BadTaskDoesNotFailTheRest(t *testing.T) {
	t.Parallel()
	cfg := &Config{Tasks: []TaskConfig{
		{ID: "good", Schedule: "*/15 * * * *", Command: "true"},
		{ID: "bad", Schedule: "61 * * * *", Command: "true"},
	}}
	s, err := Resolve(cfg)
	require.NoError(t, err)
	require.Len(t, s.Tasks, 1)
	assert.Equal(t, "good", s.Tasks[0].ID)
	require.Len(t, s.Rejected, 1)
	assert.Equal(t, 1, s.Rejected[0].Index)
	assert.Contains(t, s.TasksErr().Error(), `task "bad"`)

	s, err = Resolve(&Config{Tasks: cfg.Tasks[:1]})
	require.NoError(t, err)
	assert.NoError(t, s.TasksErr())
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := map[string]time.Duration{
		"":       0,
		" 45s ":  45 * time.Second,
		"1h30m":  90 * time.Minute,
		"02:30":  2*time.Hour + 30*time.Minute,
		"00:05":  5 * time.Minute,
		"2d":     48 * time.Hour,
		"1d12h":  36 * time.Hour,
		"100:00": 100 * time.Hour,
	}
	for raw, want := range cases {
		got, err := ParseDurationField("x", raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, raw := range []string{"soon", "10:60", "2d-1h", "-5s", "d"} {
		_, err := ParseDurationField("scheduler.tick", raw)
		require.Error(t, err, raw)
		assert.Contains(t, err.Error(), "scheduler.tick", raw)
	}
	_, err := ParseDurationField("timeout", "soon")
	assert.Contains(t, errors.FlattenHints(err), "HH:MM")

	d, err := ParseDurationOrDefault("ops.idle_timeout", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLoopback("127.0.0.1:1"))
	assert.True(t, IsLoopback("localhost:1"))
	assert.True(t, IsLoopback("[::1]:1"))
	assert.False(t, IsLoopback(":9090"))
	assert.False(t, IsLoopback("0.0.0.0:9090"))
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Ops:   OpsConfig{Token: "secret"},
		Tasks: []TaskConfig{{ID: "a", Schedule: "daily"}, {ID: "b", Schedule: "hourly"}},
	}
	newCfg := &Config{
		Ops:   OpsConfig{Token: "other"},
		Tasks: []TaskConfig{{ID: "a", Schedule: "hourly"}, {ID: "c", Schedule: "hourly"}},
	}
	changed, attrs, tasks := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"ops", "tasks"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"c"}, tasks.Added)
	assert.Equal(t, []string{"b"}, tasks.Removed)
	assert.Equal(t, []string{"a"}, tasks.Changed)

	changed, _, tasks = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
	assert.True(t, tasks.Empty())
}

func TestManager_WatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pewsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks: []\n"), 0o600))

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		_, err := Resolve(cfg)
		return err
	})
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid: rejected, nothing published.
	require.NoError(t, os.WriteFile(path, []byte("scheduler: {timezone: Mars/Olympus}\ntasks:\n  - id: a\n    schedule: daily\n    command: 'true'\n"), 0o600))
	select {
	case <-ch:
		t.Fatal("invalid config was published")
	case <-time.After(700 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  - id: a\n    schedule: daily\n    command: 'true'\n"), 0o600))
	select {
	case cfg := <-ch:
		require.Len(t, cfg.Tasks, 1)
		assert.Equal(t, "a", m.Get().Tasks[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
}
