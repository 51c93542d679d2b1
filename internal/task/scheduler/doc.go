// Package scheduler drives the tick loop.
//
// On every tick the scheduler:
//   - sweeps run locks older than their overlap expiry
//   - asks the evaluator which registered tasks are due
//   - offers each due task to the coordinator, in registration order
//   - hands admitted tasks to the dispatcher (foreground tasks block the loop)
//
// The loop sleeps until the next tick boundary, so with the default 60s tick it
// wakes on the minute like cron does. Ticks missed while the process was not
// running are not replayed.
package scheduler
