package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	bus.Publish(EventServerStarted, map[string]interface{}{"port": 3625})

	for _, sub := range []<-chan Event{sub1, sub2} {
		select {
		case event := <-sub:
			assert.Equal(t, EventServerStarted, event.Name)
			assert.Equal(t, 3625, event.Payload["port"])
			assert.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_FullSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := &Bus{bufferSize: 1}
	sub := bus.Subscribe()

	// Fill the queue, then publish again; the second publish must not
	// block even though nobody is draining.
	bus.Publish(EventServerStarted, nil)

	done := make(chan struct{})
	go func() {
		bus.Publish(EventServerStopped, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}

	// The first event is still delivered.
	event := <-sub
	assert.Equal(t, EventServerStarted, event.Name)
}

func TestGlobalBus(t *testing.T) {
	bus := NewBus()
	SetBus(bus)
	t.Cleanup(func() {
		SetBus(nil)
		bus.Close()
	})

	sub := bus.Subscribe()
	Publish(EventMCPBackendState, map[string]interface{}{"backend": "github", "state": "ready"})

	select {
	case event := <-sub:
		require.Equal(t, EventMCPBackendState, event.Name)
		assert.Equal(t, "github", event.Payload["backend"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_NoBusInstalled(t *testing.T) {
	SetBus(nil)
	// Must not panic.
	Publish(EventServerStopped, nil)
}
