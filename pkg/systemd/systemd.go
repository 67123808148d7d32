// Package systemd reports service state to systemd over the notify socket.
// Every call is a no-op when the process is not run by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "possync/pkg/logx"
)

type Notifier struct {
	log logx.Logger
	// send is daemon.SdNotify; tests replace it.
	send func(unsetEnv bool, state string) (bool, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, send: daemon.SdNotify}
}

func (n *Notifier) notify(state string) bool {
	ok, err := n.send(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

func (n *Notifier) Ready() bool { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() bool { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form line shown by systemctl status.
func (n *Notifier) Status(line string) bool { return n.notify("STATUS=" + line) }

// Watchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns at once when WatchdogSec is not set for the unit.
func (n *Notifier) Watchdog(ctx context.Context) error {
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
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
