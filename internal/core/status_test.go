package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusReporter_SubscribeSeesCurrentValueImmediately(t *testing.T) {
	r := NewStatusReporter(StateStopped)
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	select {
	case state := <-ch:
		assert.Equal(t, StateStopped, state)
	case <-time.After(time.Second):
		t.Fatal("expected immediate replay of current state")
	}
}

func TestStatusReporter_PublishBroadcastsToAllSubscribers(t *testing.T) {
	r := NewStatusReporter(StateStopped)
	ch1, unsub1 := r.Subscribe()
	ch2, unsub2 := r.Subscribe()
	defer unsub1()
	defer unsub2()
	<-ch1
	<-ch2

	r.Publish(StateRunning)

	require.Eventually(t, func() bool {
		select {
		case s := <-ch1:
			return s == StateRunning
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		select {
		case s := <-ch2:
			return s == StateRunning
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestStatusReporter_SlowSubscriberSeesOnlyLatest(t *testing.T) {
	r := NewStatusReporter(StateStopped)
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()
	<-ch // drain the initial replay

	r.Publish(StateStarting)
	r.Publish(StateRunning)
	r.Publish(StateStopping)

	select {
	case s := <-ch:
		assert.Equal(t, StateStopping, s, "only the latest value should be observed")
	default:
		t.Fatal("expected a pending value")
	}
	select {
	case <-ch:
		t.Fatal("no backlog should be queued")
	default:
	}
}

func TestStatusReporter_Current(t *testing.T) {
	r := NewStatusReporter(StateStopped)
	assert.Equal(t, StateStopped, r.Current())
	r.Publish(StateRunning)
	assert.Equal(t, StateRunning, r.Current())
}

func TestStatusReporter_UnsubscribeStopsFurtherDelivery(t *testing.T) {
	r := NewStatusReporter(StateStopped)
	ch, unsubscribe := r.Subscribe()
	<-ch
	unsubscribe()

	r.Publish(StateRunning) // must not panic or block on the now-unsubscribed channel
	assert.Equal(t, StateRunning, r.Current())
}
