//go:build linux

package systemd

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager runs unit jobs over the system D-Bus.
type Manager struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func Connect(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Do queues action for unit in "replace" mode and waits for the job to
// finish or ctx to end. It returns the job result ("done" on success).
func (m *Manager) Do(ctx context.Context, unit string, action Action) (string, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return "", errors.New("systemd connection is closed")
	}

	name := UnitName(unit)
	ch := make(chan string, 1)
	var err error
	switch action {
	case ActionStart:
		_, err = conn.StartUnitContext(ctx, name, "replace", ch)
	case ActionStop:
		_, err = conn.StopUnitContext(ctx, name, "replace", ch)
	case ActionRestart:
		_, err = conn.RestartUnitContext(ctx, name, "replace", ch)
	case ActionTryRestart:
		_, err = conn.TryRestartUnitContext(ctx, name, "replace", ch)
	case ActionReload:
		_, err = conn.ReloadUnitContext(ctx, name, "replace", ch)
	default:
		return "", errors.Newf("unknown systemd action %q", action)
	}
	if err != nil {
		if isNoSuchUnitErr(err) {
			return "", errors.WithHint(errors.Wrapf(err, "%s %s", action, name), "check the unit name with systemctl list-units")
		}
		return "", errors.Wrapf(err, "%s %s", action, name)
	}

	select {
	case res := <-ch:
		if res != "done" {
			return res, &JobError{Unit: name, Action: action, Result: res}
		}
		return res, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
