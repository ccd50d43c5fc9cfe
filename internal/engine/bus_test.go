package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(false)
	defer sub.Close()

	bus.Publish(Event{Type: EventPhaseChange, Fields: map[string]any{"phase": "baseline"}})

	select {
	case ev := <-sub.C():
		assert.Equal(t, EventPhaseChange, ev.Type)
		assert.Equal(t, "baseline", ev.Fields["phase"])
	case <-time.After(time.Second):
		t.Fatal("expected event within timeout")
	}
}

func TestBusLossySubscriberDropsUnderBackpressure(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(true) // sampleBuffer depth
	defer sub.Close()

	for i := 0; i < sampleBuffer+10; i++ {
		bus.Publish(Event{Type: EventLatency})
	}

	stats := bus.Stats()
	assert.Greater(t, stats.Dropped, uint64(0))
	assert.Equal(t, stats.Published, uint64(sampleBuffer+10))
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(false)
	sub.Close()

	bus.Publish(Event{Type: EventStreamReset})

	require.Equal(t, 0, bus.Stats().Subscribers)
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(false)
	sub.Close()
	assert.NotPanics(t, func() { sub.Close() })
}
