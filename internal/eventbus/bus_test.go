package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewWithConfig(2, 10)

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(2)

	handler := func(e Event) {
		mu.Lock()
		got = append(got, e.Topic)
		mu.Unlock()
		wg.Done()
	}
	bus.Subscribe(EventTypeMessage, handler)
	bus.Subscribe(EventTypeConnected, func(Event) { t.Error("connected handler must not run") })

	bus.Publish(Event{Type: EventTypeMessage, Topic: "a"})
	bus.Publish(Event{Type: EventTypeMessage, Topic: "b"})
	wg.Wait()

	bus.Close(context.Background())
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	bus := NewWithConfig(1, 10)
	done := make(chan struct{})

	bus.Subscribe(EventTypeDisconnected, func(e Event) {
		if e.Err == nil {
			panic("boom")
		}
		close(done)
	})

	bus.Publish(Event{Type: EventTypeDisconnected})
	bus.Publish(Event{Type: EventTypeDisconnected, Err: context.Canceled})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second event was not handled")
	}
	bus.Close(context.Background())
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := New()
	bus.Subscribe(EventTypeMessage, func(Event) { t.Error("handler must not run after close") })
	bus.Close(context.Background())

	require.NotPanics(t, func() {
		bus.Publish(Event{Type: EventTypeMessage})
	})
	bus.Close(context.Background())
}
