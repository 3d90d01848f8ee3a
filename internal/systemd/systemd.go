// Package systemd provides integration with systemd service management.
//
// This package wraps the coreos/go-systemd library to provide:
// - sd_notify READY/STOPPING/STATUS notifications for Type=notify services
// - Watchdog pinging for WatchdogSec health monitoring
// - Graceful degradation when systemd is not available (e.g., development)
//
// swupdd is normally started by D-Bus activation through a systemd unit
// (SystemdService= in the bus service file). READY=1 is sent only once the
// service name is held, so activation waits until calls can be served.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends READY=1 to systemd, along with a STATUS= line when status
// is non-empty.
//
// Safe to call when not running under systemd (no NOTIFY_SOCKET) - it's a no-op.
// Returns true if notification was sent, false if systemd is not available.
func NotifyReady(status string) bool {
	state := daemon.SdNotifyReady
	if status != "" {
		state += "\nSTATUS=" + status
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("failed to send systemd ready notification", "error", err)
		return false
	}
	if sent {
		slog.Debug("sent systemd ready notification")
	} else {
		slog.Debug("systemd notification not available (not running under systemd)")
	}
	return sent
}

// NotifyStatus updates the free-form STATUS= line shown by systemctl status.
func NotifyStatus(status string) bool {
	sent, err := daemon.SdNotify(false, "STATUS="+status)
	if err != nil {
		slog.Warn("failed to send systemd status", "error", err)
		return false
	}
	return sent
}

// NotifyStopping sends STOPPING=1 to systemd.
// The daemon sends it when it starts giving up its service name; systemd then
// waits for the process to exit rather than treating the exit as a failure.
func NotifyStopping() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		slog.Warn("failed to send systemd stopping notification", "error", err)
		return false
	}
	if sent {
		slog.Debug("sent systemd stopping notification")
	}
	return sent
}

// HealthCheckFunc is a function that returns true if the service is healthy.
// Used by StartWatchdog to determine whether to send watchdog pings.
type HealthCheckFunc func() bool

// StartWatchdog starts a goroutine that sends watchdog pings to systemd.
// The healthCheck function is called before each ping - if it returns false,
// the ping is skipped and systemd will eventually restart the service.
//
// The watchdog is only started if systemd provides a WatchdogSec value.
// Pings are sent every interval/2. The goroutine exits when ctx is cancelled.
func StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Debug("watchdog not enabled", "error", err)
		return
	}
	if interval == 0 {
		slog.Debug("watchdog interval is zero, watchdog disabled")
		return
	}

	pingInterval := interval / 2
	slog.Info("starting systemd watchdog",
		"watchdog_interval", interval,
		"ping_interval", pingInterval,
	)

	go watchdogLoop(ctx, pingInterval, healthCheck)
}

// watchdogLoop sends periodic watchdog pings until context is cancelled.
func watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("watchdog loop stopping due to context cancellation")
			return
		case <-ticker.C:
			if !healthCheck() {
				slog.Warn("event loop unresponsive, skipping watchdog ping")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				slog.Warn("failed to send watchdog ping", "error", err)
			}
		}
	}
}

// IsRunningUnderSystemd returns true if the process was started by systemd.
// Detected by checking for the NOTIFY_SOCKET environment variable.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
