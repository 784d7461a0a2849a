// Package notify surfaces engine state transitions to the desktop. It
// shells out to notify-send when available and falls back to a log line,
// so a headless host degrades gracefully.
package notify

import (
	"os/exec"

	"dns-sinkhole-vpn/internal/core"
)

// Notifier watches a StatusReporter and raises one desktop notification
// per state change.
type Notifier struct {
	logger  *core.Logger
	sendCmd string // path to notify-send, empty when unavailable
}

// New creates a Notifier. The notify-send lookup happens once here, not
// per notification.
func New(logger *core.Logger) *Notifier {
	if logger == nil {
		logger = core.Log
	}
	path, err := exec.LookPath("notify-send")
	if err != nil {
		path = ""
		logger.Infof("notify", "notify-send not found, state changes will only be logged")
	}
	return &Notifier{logger: logger, sendCmd: path}
}

// Watch subscribes to status and notifies on every change until the
// returned stop function is called.
func (n *Notifier) Watch(status *core.StatusReporter) (stop func()) {
	ch, unsubscribe := status.Subscribe()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case state := <-ch:
				n.notify(state)
			case <-done:
				return
			}
		}
	}()

	return func() {
		unsubscribe()
		close(done)
	}
}

func (n *Notifier) notify(state core.EngineState) {
	msg := message(state)
	if msg == "" {
		return
	}
	if n.sendCmd == "" {
		n.logger.Infof("notify", "%s", msg)
		return
	}
	cmd := exec.Command(n.sendCmd, "--app-name=dns-sinkhole-vpn", "DNS Sinkhole VPN", msg)
	if err := cmd.Run(); err != nil {
		n.logger.Warnf("notify", "notify-send: %v", err)
	}
}

// message maps states to user-facing text. Transient states stay quiet so
// a flapping network doesn't spam the desktop.
func message(state core.EngineState) string {
	switch state {
	case core.StateRunning:
		return "DNS filtering active"
	case core.StateStopped:
		return "DNS filtering stopped"
	case core.StateWaitingForNetwork:
		return "Waiting for network"
	default:
		return ""
	}
}
