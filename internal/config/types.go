// Package config loads the pewsched configuration file (JSON or YAML),
// validates it strictly and watches it for changes.
package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "24h").
type Config struct {
	// Environment names this deployment; tasks may restrict themselves to a
	// set of environments.
	Environment string          `json:"environment,omitempty"`
	Logging     LoggingConfig   `json:"logging"`
	Scheduler   SchedulerConfig `json:"scheduler"`
	Storage     *StorageConfig  `json:"storage,omitempty"`
	Ops         OpsConfig       `json:"ops,omitempty"`
	Sinks       SinksConfig     `json:"sinks,omitempty"`
	Tasks       []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the loop and dispatch defaults.
//
// Defaults when omitted:
//   - timezone: UTC
//   - tick: 60s
//   - default_overlap: skip
//   - workers: 0 (unbounded)
//   - grace_period: 30s
//   - reclaim_grace: 5s
//   - overlap_expiry: 24h
type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	Tick           string `json:"tick,omitempty"`
	DefaultOverlap string `json:"default_overlap,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	GracePeriod    string `json:"grace_period,omitempty"`
	ReclaimGrace   string `json:"reclaim_grace,omitempty"`
	OverlapExpiry  string `json:"overlap_expiry,omitempty"`
	Maintenance    bool   `json:"maintenance,omitempty"`

	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StorageConfig controls last-fired persistence and run history.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./state/pewsched" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	History     int    `json:"history,omitempty"`
}

// OpsConfig controls the operations HTTP server (health, metrics, task
// snapshot, pprof).
//
// Prefer a loopback address. A non-loopback bind needs a token or an explicit
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:9090
	Token         string `json:"token,omitempty"` // bearer token; never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SinksConfig struct {
	AMQP AMQPConfig `json:"amqp,omitempty"`
}

// AMQPConfig publishes run events to a topic exchange with routing key
// "task.<status>".
type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"` // never logged
	Exchange string `json:"exchange,omitempty"`
	Buffer   int    `json:"buffer,omitempty"`
}

// TaskConfig declares one scheduled task. Exactly one of Command, HTTP or
// Systemd is set.
type TaskConfig struct {
	ID       string            `json:"id"`
	Schedule string            `json:"schedule"`
	Command  string            `json:"command,omitempty"`
	Shell    bool              `json:"shell,omitempty"`
	Dir      string            `json:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	HTTP     *HTTPTaskConfig   `json:"http,omitempty"`
	Systemd  *SystemdConfig    `json:"systemd,omitempty"`

	// Overlap is "allow" or "skip"; empty uses scheduler.default_overlap.
	Overlap            string `json:"overlap,omitempty"`
	WithoutOverlapping bool   `json:"without_overlapping,omitempty"`
	OverlapExpiry      string `json:"overlap_expiry,omitempty"`
	RunInBackground    bool   `json:"run_in_background,omitempty"`

	Environments      []string `json:"environments,omitempty"`
	EvenInMaintenance bool     `json:"even_in_maintenance,omitempty"`

	Between       *WindowConfig `json:"between,omitempty"`
	UnlessBetween *WindowConfig `json:"unless_between,omitempty"`

	Timeout      string `json:"timeout,omitempty"`
	Output       string `json:"output,omitempty"`
	AppendOutput bool   `json:"append_output,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
}

type HTTPTaskConfig struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// SystemdConfig runs a unit job. Action defaults to restart.
type SystemdConfig struct {
	Unit   string `json:"unit"`
	Action string `json:"action,omitempty"`
}

// WindowConfig is a daily "HH:MM" range.
type WindowConfig struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// UnmarshalJSON is strict so typos inside a task entry fail loudly.
func (t *TaskConfig) UnmarshalJSON(b []byte) error {
	type plain TaskConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*t = TaskConfig(p)
	return nil
}
