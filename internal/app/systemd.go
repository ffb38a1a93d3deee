package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"homepi/internal/config"
	logx "homepi/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol when running as a Type=notify
// unit. Outside systemd every call is a no-op.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
}

func newSdNotifier(cfg config.SystemdConfig, log logx.Logger) *sdNotifier {
	return &sdNotifier{enabled: cfg.Notify || cfg.Watchdog, log: log.With(logx.String("comp", "systemd"))}
}

func (n *sdNotifier) send(state string) {
	if !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case !sent:
		n.log.Debug("sd_notify skipped (NOTIFY_SOCKET unset)", logx.String("state", state))
	}
}

func (n *sdNotifier) ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) stopping() { n.send(daemon.SdNotifyStopping) }

// watchdog pings systemd at half the unit's WatchdogSec until ctx ends.
func (n *sdNotifier) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		n.log.Info("watchdog not requested by the unit")
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
