package app

import (
	"context"
	"slices"
	"time"

	"pewsched/internal/config"
	"pewsched/internal/eventbus"
	logx "pewsched/pkg/logx"
)

// restartSections cannot change on a running process.
var restartSections = []string{"environment", "storage", "sinks"}

// ReloadResult describes what a config reload changed at runtime.
type ReloadResult struct {
	Sections    []string `json:"sections"`
	Registered  []string `json:"registered,omitempty"`
	NeedRestart []string `json:"need_restart,omitempty"`
}

// applyConfig applies the hot-reloadable part of newCfg. The registry only
// grows: added tasks are registered, while removed or changed tasks keep
// their current definition until restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) ReloadResult {
	sections, attrs, tasks := config.SummarizeChange(oldCfg, newCfg)
	res := ReloadResult{Sections: sections}
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return res
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changedSections(sections))}, attrs...)...)

	// Already validated by the manager; a failure here means the file
	// changed between validation and apply.
	settings, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("config no longer valid; keeping previous", logx.Err(err))
		return res
	}

	a.logs.Apply(settings.Logging)

	a.mu.Lock()
	cur := a.settings
	a.mu.Unlock()

	if settings.Scheduler.Maintenance != cur.Scheduler.Maintenance {
		a.sched.SetMaintenance(settings.Scheduler.Maintenance)
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeMaintenance, Time: time.Now(), Data: settings.Scheduler.Maintenance})
		a.log.Info("maintenance mode changed", logx.Bool("enabled", settings.Scheduler.Maintenance))
	}
	if schedulerNeedsRestart(cur, settings) {
		res.NeedRestart = append(res.NeedRestart, "scheduler")
	}

	var rejected []config.TaskError
	for _, te := range settings.Rejected {
		if slices.Contains(tasks.Added, te.ID) {
			rejected = append(rejected, te)
		}
	}
	logRejected(a.log, rejected)

	for _, spec := range settings.Tasks {
		if !slices.Contains(tasks.Added, spec.ID) {
			continue
		}
		if err := a.sched.Register(spec); err != nil {
			a.log.Warn("task not added", logx.String("task", spec.ID), logx.Err(err))
			continue
		}
		res.Registered = append(res.Registered, spec.ID)
	}
	if len(tasks.Removed) > 0 || len(tasks.Changed) > 0 {
		a.log.Warn("task removals and edits take effect after restart",
			logx.Strings("removed", tasks.Removed),
			logx.Strings("changed", tasks.Changed),
		)
		res.NeedRestart = append(res.NeedRestart, "tasks")
	}

	for _, s := range restartSections {
		if slices.Contains(sections, s) {
			res.NeedRestart = append(res.NeedRestart, s)
		}
	}
	if len(res.NeedRestart) > 0 {
		a.log.Warn("restart required for some config changes to take effect", logx.Strings("sections", res.NeedRestart))
	}

	a.ops.Reconfigure(ctx, opsConfig(settings.Ops))

	// Carry forward only what was applied live.
	applied := cur
	applied.Logging = settings.Logging
	applied.Ops = settings.Ops
	applied.Scheduler.Maintenance = settings.Scheduler.Maintenance
	a.mu.Lock()
	a.settings = applied
	a.mu.Unlock()

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: res})
	a.log.Info("config reloaded",
		logx.String("changed", changedSections(sections)),
		logx.Strings("registered", res.Registered),
	)
	return res
}

// schedulerNeedsRestart reports scheduler settings other than maintenance
// that differ.
func schedulerNeedsRestart(cur, next config.Settings) bool {
	a, b := cur.Scheduler, next.Scheduler
	a.Maintenance, b.Maintenance = false, false
	if a.Location.String() != b.Location.String() {
		return true
	}
	a.Location, b.Location = nil, nil
	return a != b
}
