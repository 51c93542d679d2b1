package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewsched/pkg/logx"
)

// TaskChanges lists task ids by kind of change between two configs.
type TaskChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c TaskChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeChange returns the changed top-level sections, safe log fields
// (never secrets) and the per-task changes.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TaskChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if strings.TrimSpace(oldCfg.Environment) != strings.TrimSpace(newCfg.Environment) {
		changed = append(changed, "environment")
		attrs = append(attrs, logx.String("environment", newCfg.Environment))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Bool("scheduler.maintenance", newCfg.Scheduler.Maintenance),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if oldCfg.Sinks != newCfg.Sinks {
		changed = append(changed, "sinks")
		attrs = append(attrs, logx.Bool("sinks.amqp_enabled", newCfg.Sinks.AMQP.Enabled))
	}

	tasks := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if !tasks.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Strings("tasks.added", tasks.Added),
			logx.Strings("tasks.removed", tasks.Removed),
			logx.Strings("tasks.changed", tasks.Changed),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tasks
}

func diffTasks(oldT, newT []TaskConfig) TaskChanges {
	index := func(ts []TaskConfig) map[string]TaskConfig {
		m := make(map[string]TaskConfig, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.ID)] = t
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	var out TaskChanges
	for id, n := range nm {
		o, ok := om[id]
		switch {
		case !ok:
			out.Added = append(out.Added, id)
		case !reflect.DeepEqual(o, n):
			out.Changed = append(out.Changed, id)
		}
	}
	for id := range om {
		if _, ok := nm[id]; !ok {
			out.Removed = append(out.Removed, id)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}
