package config

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pewsched/internal/storage"
	"pewsched/internal/task/recurrence"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/scheduler"
	"pewsched/internal/task/unit"
	logx "pewsched/pkg/logx"
)

const (
	DefaultOpsAddr  = "127.0.0.1:9090"
	DefaultExchange = "pewsched.events"
)

// Settings is the typed, validated form of Config.
type Settings struct {
	Logging   logx.Config
	Scheduler scheduler.Config
	Storage   storage.Config
	Ops       OpsSettings
	AMQP      AMQPConfig
	Tasks     []scheduler.TaskSpec

	// Rejected lists tasks left out of Tasks. They never block the rest.
	Rejected []TaskError
}

// TaskError is a problem confined to one task entry.
type TaskError struct {
	Index int
	ID    string
	Err   error
}

func (e *TaskError) Error() string { return fmt.Sprintf("tasks[%d]: %v", e.Index, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// TasksErr joins every rejected task, or returns nil.
func (s Settings) TasksErr() error {
	errs := make([]error, 0, len(s.Rejected))
	for i := range s.Rejected {
		errs = append(errs, &s.Rejected[i])
	}
	return errors.Join(errs...)
}

type OpsSettings struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// Resolve validates cfg and converts it. Every problem is reported, not only
// the first one. The returned error covers process-wide settings only; a bad
// task lands in Settings.Rejected and the valid ones are still returned.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	out := Settings{
		Logging: logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		},
	}

	sc, err := resolveScheduler(cfg.Scheduler)
	add(err)
	sc.Environment = strings.TrimSpace(cfg.Environment)
	out.Scheduler = sc

	if cfg.Storage != nil {
		busy, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		add(err)
		out.Storage = storage.Config{
			Driver:       cfg.Storage.Driver,
			Path:         cfg.Storage.Path,
			DSN:          cfg.Storage.DSN,
			BusyTimeout:  busy,
			HistoryLimit: cfg.Storage.History,
		}
	}

	ops, err := resolveOps(cfg.Ops)
	add(err)
	out.Ops = ops

	out.AMQP = cfg.Sinks.AMQP
	if out.AMQP.Enabled {
		if strings.TrimSpace(out.AMQP.URL) == "" {
			add(errors.New("sinks.amqp.url is required when enabled"))
		}
		if strings.TrimSpace(out.AMQP.Exchange) == "" {
			out.AMQP.Exchange = DefaultExchange
		}
	}

	seen := map[string]bool{}
	for i, tc := range cfg.Tasks {
		spec, err := resolveTask(tc, sc.Location)
		if err != nil {
			out.Rejected = append(out.Rejected, TaskError{Index: i, ID: strings.TrimSpace(tc.ID), Err: err})
			continue
		}
		if seen[spec.ID] {
			out.Rejected = append(out.Rejected, TaskError{Index: i, ID: spec.ID, Err: &registry.DuplicateIDError{ID: spec.ID}})
			continue
		}
		seen[spec.ID] = true
		out.Tasks = append(out.Tasks, spec)
	}

	return out, errors.Join(errs...)
}

func resolveScheduler(c SchedulerConfig) (scheduler.Config, error) {
	var errs []error
	out := scheduler.Config{Workers: c.Workers, Maintenance: c.Maintenance}

	out.Location = time.UTC
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "scheduler.timezone %q", tz))
		} else {
			out.Location = loc
		}
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("scheduler.workers must be >= 0"))
	}

	var err error
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.tick", c.Tick, &out.Tick},
		{"scheduler.grace_period", c.GracePeriod, &out.GracePeriod},
		{"scheduler.reclaim_grace", c.ReclaimGrace, &out.ReclaimGrace},
		{"scheduler.overlap_expiry", c.OverlapExpiry, &out.OverlapExpiry},
		{"scheduler.retry_base", c.RetryBase, &out.Retry.Base},
		{"scheduler.retry_max_delay", c.RetryMaxDelay, &out.Retry.MaxDelay},
	}
	for _, d := range durations {
		if *d.dst, err = ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if out.Tick > 0 && out.Tick < time.Second {
		errs = append(errs, errors.New("scheduler.tick must be >= 1s"))
	}

	if s := strings.TrimSpace(c.DefaultOverlap); s != "" {
		p, err := registry.ParseOverlapPolicy(s)
		if err != nil {
			errs = append(errs, errors.Wrap(err, "scheduler.default_overlap"))
		}
		out.DefaultOverlap = p
	}
	return out, errors.Join(errs...)
}

func resolveOps(c OpsConfig) (OpsSettings, error) {
	out := OpsSettings{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
	}
	if out.Addr == "" {
		out.Addr = DefaultOpsAddr
	}
	var errs []error
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("ops.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	// Zero keeps /debug/pprof/profile (30s+) working.
	if out.WriteTimeout, err = ParseDurationField("ops.write_timeout", c.WriteTimeout); err != nil {
		errs = append(errs, err)
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("ops.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		errs = append(errs, err)
	}
	if out.Enabled && out.Token == "" && !out.AllowInsecure && !IsLoopback(out.Addr) {
		errs = append(errs, errors.WithHint(
			errors.Newf("ops.addr %q is not loopback", out.Addr),
			"set ops.token or ops.allow_insecure"))
	}
	return out, errors.Join(errs...)
}

// IsLoopback reports whether addr binds only to a loopback interface.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func resolveTask(tc TaskConfig, loc *time.Location) (scheduler.TaskSpec, error) {
	id := strings.TrimSpace(tc.ID)
	if id == "" {
		return scheduler.TaskSpec{}, errors.New("id is required")
	}
	wrap := func(err error) error { return errors.Wrapf(err, "task %q", id) }

	if _, err := recurrence.New(tc.Schedule, loc); err != nil {
		return scheduler.TaskSpec{}, wrap(err)
	}

	u, err := resolveUnit(tc)
	if err != nil {
		return scheduler.TaskSpec{}, wrap(err)
	}

	cons := registry.Constraints{
		RunInBackground:   tc.RunInBackground,
		Environments:      tc.Environments,
		EvenInMaintenance: tc.EvenInMaintenance,
		RetryMax:          tc.RetryMax,
		Output:            registry.Output{Path: strings.TrimSpace(tc.Output), Append: tc.AppendOutput},
	}
	if tc.RetryMax < 0 {
		return scheduler.TaskSpec{}, wrap(errors.New("retry_max must be >= 0"))
	}
	if s := strings.TrimSpace(tc.Overlap); s != "" {
		if cons.Overlap, err = registry.ParseOverlapPolicy(s); err != nil {
			return scheduler.TaskSpec{}, wrap(err)
		}
	}
	if tc.WithoutOverlapping {
		if cons.Overlap == registry.OverlapAllow {
			return scheduler.TaskSpec{}, wrap(errors.New("without_overlapping conflicts with overlap: allow"))
		}
		cons.Overlap = registry.OverlapSkip
	}
	if cons.OverlapExpiry, err = ParseDurationField("overlap_expiry", tc.OverlapExpiry); err != nil {
		return scheduler.TaskSpec{}, wrap(err)
	}
	if cons.Timeout, err = ParseDurationField("timeout", tc.Timeout); err != nil {
		return scheduler.TaskSpec{}, wrap(err)
	}
	if tc.Between != nil {
		w, err := registry.ParseWindow(tc.Between.From, tc.Between.To)
		if err != nil {
			return scheduler.TaskSpec{}, wrap(errors.Wrap(err, "between"))
		}
		cons.Between = &w
	}
	if tc.UnlessBetween != nil {
		w, err := registry.ParseWindow(tc.UnlessBetween.From, tc.UnlessBetween.To)
		if err != nil {
			return scheduler.TaskSpec{}, wrap(errors.Wrap(err, "unless_between"))
		}
		cons.UnlessBetween = &w
	}

	return scheduler.TaskSpec{ID: id, Schedule: tc.Schedule, Unit: u, Constraints: cons}, nil
}

func resolveUnit(tc TaskConfig) (unit.Unit, error) {
	hasCmd := strings.TrimSpace(tc.Command) != ""
	kinds := 0
	for _, set := range []bool{hasCmd, tc.HTTP != nil, tc.Systemd != nil} {
		if set {
			kinds++
		}
	}
	switch {
	case kinds > 1:
		return nil, errors.New("set either command, http or systemd, not several")
	case hasCmd:
		c, err := unit.NewCommand(tc.Command, tc.Shell)
		if err != nil {
			return nil, err
		}
		c.Dir = tc.Dir
		c.Env = envList(tc.Env)
		return c, nil
	case tc.HTTP != nil:
		if strings.TrimSpace(tc.HTTP.URL) == "" {
			return nil, errors.New("http.url is required")
		}
		timeout, err := ParseDurationField("http.timeout", tc.HTTP.Timeout)
		if err != nil {
			return nil, err
		}
		return &unit.HTTP{
			Method:  tc.HTTP.Method,
			URL:     tc.HTTP.URL,
			Headers: tc.HTTP.Headers,
			Body:    tc.HTTP.Body,
			Timeout: timeout,
		}, nil
	case tc.Systemd != nil:
		return unit.NewSystemd(tc.Systemd.Unit, tc.Systemd.Action)
	default:
		return nil, errors.New("command, http or systemd is required")
	}
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
