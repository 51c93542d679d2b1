// Package metrics exposes scheduler activity as Prometheus series.
//
// Metrics is both an outcome.Sink (runs, durations, skips) and a
// scheduler.TickObserver (tick latency, due and admitted counts). It uses
// its own registry so several instances can coexist in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pewsched/internal/task/outcome"
)

const namespace = "pewsched"

type Metrics struct {
	reg *prometheus.Registry

	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	attempts  *prometheus.CounterVec
	skips     *prometheus.CounterVec
	ticks     prometheus.Counter
	tickErrs  prometheus.Counter
	tickTook  prometheus.Histogram
	due       prometheus.Counter
	admitted  prometheus.Counter
	lastTick  prometheus.Gauge
	lastRunAt *prometheus.GaugeVec
}

// New builds the collectors. Go runtime and process collectors are included
// when withRuntime is set.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Finished runs by task and status.",
		}, []string{"task", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Run wall time by task.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"task"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "run_attempts_total",
			Help: "Unit invocations including retries.",
		}, []string{"task"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "skips_total",
			Help: "Due slots that did not run, by reason.",
		}, []string{"task", "reason"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total", Help: "Scheduler ticks evaluated.",
		}),
		tickErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tick_errors_total", Help: "Ticks aborted by an evaluator error.",
		}),
		tickTook: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Time spent evaluating one tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		due: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "due_total", Help: "Tasks found due.",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "admitted_total", Help: "Due tasks admitted for execution.",
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_tick_timestamp_seconds", Help: "Unix time of the last tick.",
		}),
		lastRunAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds",
			Help: "Unix time a task's last run ended, by status.",
		}, []string{"task", "status"}),
	}
	m.reg.MustRegister(m.runs, m.duration, m.attempts, m.skips, m.ticks, m.tickErrs,
		m.tickTook, m.due, m.admitted, m.lastTick, m.lastRunAt)
	if withRuntime {
		m.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Emit(ev outcome.Event) {
	if ev.Status == outcome.StatusSkipped {
		reason := ev.Reason
		if reason == "" {
			reason = "unknown"
		}
		m.skips.WithLabelValues(ev.TaskID, reason).Inc()
		return
	}
	m.runs.WithLabelValues(ev.TaskID, string(ev.Status)).Inc()
	m.duration.WithLabelValues(ev.TaskID).Observe(ev.Duration.Seconds())
	if ev.Attempts > 0 {
		m.attempts.WithLabelValues(ev.TaskID).Add(float64(ev.Attempts))
	}
	if !ev.EndedAt.IsZero() {
		m.lastRunAt.WithLabelValues(ev.TaskID, string(ev.Status)).Set(float64(ev.EndedAt.Unix()))
	}
}

func (m *Metrics) ObserveTick(at time.Time, due, admitted int, took time.Duration, err error) {
	m.ticks.Inc()
	m.tickTook.Observe(took.Seconds())
	m.due.Add(float64(due))
	m.admitted.Add(float64(admitted))
	m.lastTick.Set(float64(at.Unix()))
	if err != nil {
		m.tickErrs.Inc()
	}
}
