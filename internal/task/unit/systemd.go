package unit

import (
	"context"

	"github.com/cockroachdb/errors"

	"pewsched/pkg/systemd"
)

// UnitJobRunner runs one systemd unit job; *systemd.Manager implements it.
type UnitJobRunner interface {
	Do(ctx context.Context, unit string, action systemd.Action) (string, error)
	Close() error
}

// Systemd runs a unit job (start, restart, ...) through systemd. A job
// that ends in any result other than "done" is a failed run.
type Systemd struct {
	Unit   string
	Action systemd.Action
	// Connect opens the D-Bus connection for one run. Nil uses the system bus.
	Connect func(ctx context.Context) (UnitJobRunner, error)
}

func NewSystemd(unitName, action string) (*Systemd, error) {
	name := systemd.UnitName(unitName)
	if name == "" {
		return nil, errors.New("systemd: unit is required")
	}
	a, err := systemd.ParseAction(action)
	if err != nil {
		return nil, err
	}
	return &Systemd{Unit: name, Action: a}, nil
}

func (s *Systemd) Describe() string { return "systemd: " + string(s.Action) + " " + s.Unit }

func (s *Systemd) Execute(ctx context.Context) (Result, error) {
	connect := s.Connect
	if connect == nil {
		connect = func(ctx context.Context) (UnitJobRunner, error) { return systemd.Connect(ctx) }
	}
	m, err := connect(ctx)
	if err != nil {
		return Result{ExitStatus: -1}, err
	}
	defer m.Close()

	res, err := m.Do(ctx, s.Unit, s.Action)
	out := []byte(res)
	if err != nil {
		return Result{ExitStatus: 1, Output: out}, err
	}
	return Result{Output: out}, nil
}
