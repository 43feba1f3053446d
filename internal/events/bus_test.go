package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTypeFilteredDelivery(t *testing.T) {
	bus := NewBus()
	stateCh := bus.Subscribe(TypeStateChanged)
	allCh := bus.Subscribe()

	bus.Emit(TypeStateChanged, "user-1", map[string]any{"device": "zigbee/aa"})
	bus.Emit(TypeSessionClosed, "sess-1", nil)

	select {
	case ev := <-stateCh:
		assert.Equal(t, TypeStateChanged, ev.Type)
		assert.Equal(t, "user-1", ev.Subject)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}

	// The filtered channel must not see the session event.
	select {
	case ev := <-stateCh:
		t.Fatalf("unexpected event %s on filtered channel", ev.Type)
	default:
	}

	assert.Equal(t, TypeStateChanged, (<-allCh).Type)
	assert.Equal(t, TypeSessionClosed, (<-allCh).Type)
}

func TestBusNonBlockingPublish(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe()

	// Second publish overflows the single-slot buffer; it must not block.
	done := make(chan struct{})
	go func() {
		bus.Emit(TypeCommandSent, "user-1", nil)
		bus.Emit(TypeCommandSent, "user-1", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Len(t, ch, 1)
}

func TestBusUnsubscribeCloses(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeDevicesChanged)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Zero(t, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Emit(TypeDevicesChanged, "user-1", nil)
}

func TestSSEFormat(t *testing.T) {
	ev := NewEvent(TypeWatchdogOffline, "user-1", map[string]any{"device": "zigbee/aa"})
	out, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(out), "event: bridge.watchdog.offline\n")
	assert.Contains(t, string(out), "id: "+ev.ID+"\n")
}
