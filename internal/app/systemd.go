package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "recurd/pkg/logx"
)

// Readiness notifications for Type=notify units. SdNotify is a no-op when
// NOTIFY_SOCKET is unset, so running outside systemd costs nothing.

func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify failed", logx.Any("err", err))
		return
	}
	if sent {
		log.Debug("sd_notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn("sd_notify failed", logx.Any("err", err))
	}
}
