// Package systemd talks to systemd: lifecycle notifications for Type=notify
// services (no-ops outside systemd) and unit jobs over D-Bus.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready sends READY=1. It reports false when no notify socket is set.
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping sends STOPPING=1.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+msg)
}

// Watchdog pings the systemd watchdog at half the configured interval
// until ctx is done. A ping is skipped while healthy reports an error, so
// systemd restarts a wedged process. It returns immediately when the
// watchdog is not enabled for this process.
func Watchdog(ctx context.Context, healthy func() error, onUnhealthy func(error)) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					if onUnhealthy != nil {
						onUnhealthy(err)
					}
					continue
				}
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
