package systemd

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Action is a unit job systemd can run.
type Action string

const (
	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionRestart    Action = "restart"
	ActionTryRestart Action = "try-restart"
	ActionReload     Action = "reload"
)

// ErrUnsupported is returned on platforms without systemd.
var ErrUnsupported = errors.New("systemd: not supported on this platform")

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionRestart, nil
	case ActionStart, ActionStop, ActionRestart, ActionTryRestart, ActionReload:
		return a, nil
	default:
		return "", errors.WithHint(errors.Newf("unknown systemd action %q", s),
			"use start, stop, restart, try-restart or reload")
	}
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// JobError reports a job that finished with a result other than "done".
type JobError struct {
	Unit   string
	Action Action
	Result string
}

func (e *JobError) Error() string {
	return "systemd: " + string(e.Action) + " " + e.Unit + ": job " + e.Result
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
