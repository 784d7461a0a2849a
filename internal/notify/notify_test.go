package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dns-sinkhole-vpn/internal/core"
)

func TestMessage_QuietOnTransientStates(t *testing.T) {
	assert.NotEmpty(t, message(core.StateRunning))
	assert.NotEmpty(t, message(core.StateStopped))
	assert.NotEmpty(t, message(core.StateWaitingForNetwork))

	assert.Empty(t, message(core.StateStarting))
	assert.Empty(t, message(core.StateStopping))
	assert.Empty(t, message(core.StateReconnecting))
	assert.Empty(t, message(core.StateReconnectingNetworkError))
}

func TestWatch_StopUnsubscribes(t *testing.T) {
	status := core.NewStatusReporter(core.StateStopped)
	n := &Notifier{logger: core.Log} // no sendCmd: notifications become log lines

	stop := n.Watch(status)
	status.Publish(core.StateRunning)
	time.Sleep(50 * time.Millisecond)
	stop()

	// Publishing after stop must not panic or block.
	status.Publish(core.StateStopped)
}
