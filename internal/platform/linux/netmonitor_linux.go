//go:build linux

package linux

import (
	"fmt"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"dns-sinkhole-vpn/internal/platform"
)

// debounceWindow collapses a burst of route churn into one notification;
// interface flaps and DHCP renegotiation commonly replace the default
// route several times within a second or two.
const debounceWindow = 2 * time.Second

// NetworkMonitor watches netlink route updates for changes to the default
// route (Dst == nil) and reports them, debounced, as availability
// transitions.
type NetworkMonitor struct {
	updates chan netlink.RouteUpdate
	done    chan struct{}
	events  chan platform.NetworkEvent
}

var _ platform.NetworkMonitor = (*NetworkMonitor)(nil)

// NewNetworkMonitor subscribes to the kernel's route table change stream.
func NewNetworkMonitor() (*NetworkMonitor, error) {
	updates := make(chan netlink.RouteUpdate)
	done := make(chan struct{})
	if err := netlink.RouteSubscribe(updates, done); err != nil {
		return nil, fmt.Errorf("subscribe to route updates: %w", err)
	}

	m := &NetworkMonitor{
		updates: updates,
		done:    done,
		events:  make(chan platform.NetworkEvent, 4),
	}
	go m.loop()
	return m, nil
}

func (m *NetworkMonitor) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time
	var pendingAvailable bool

	for {
		select {
		case upd, ok := <-m.updates:
			if !ok {
				return
			}
			if upd.Route.Dst != nil {
				continue // only default-route changes drive reconnect
			}
			pendingAvailable = upd.Type == unix.RTM_NEWROUTE
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			select {
			case m.events <- platform.NetworkEvent{Available: pendingAvailable}:
			default:
				// A slower consumer only ever needs the latest transition;
				// dropping here is equivalent to the status reporter's own
				// last-value coalescing.
			}
		}
	}
}

// Events returns the channel of debounced availability transitions.
func (m *NetworkMonitor) Events() <-chan platform.NetworkEvent { return m.events }

// Close stops the subscription and the monitor goroutine.
func (m *NetworkMonitor) Close() error {
	close(m.done)
	return nil
}
