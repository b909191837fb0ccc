package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/lithium-observatory/sequencer/internal/corectx"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	bus := New()
	defer bus.Close()

	var mu sync.Mutex
	var received []corectx.EventKind

	bus.Subscribe(OfKind(corectx.EventTaskStarted, corectx.EventTaskCompleted), func(e corectx.Event) {
		mu.Lock()
		received = append(received, e.Kind)
		mu.Unlock()
	})

	bus.Publish(corectx.Event{Kind: corectx.EventTaskStarted})
	bus.Publish(corectx.Event{Kind: corectx.EventWeatherStateChanged})
	bus.Publish(corectx.Event{Kind: corectx.EventTaskCompleted})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 filtered events, got %v", received)
	}
	if received[0] != corectx.EventTaskStarted || received[1] != corectx.EventTaskCompleted {
		t.Fatalf("expected ordered delivery TaskStarted, TaskCompleted, got %v", received)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	defer bus.Close()

	count := 0
	var mu sync.Mutex
	id := bus.Subscribe(AllEvents, func(e corectx.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(corectx.Event{Kind: corectx.EventSessionStarted})
	time.Sleep(20 * time.Millisecond)
	bus.Unsubscribe(id)
	bus.Publish(corectx.Event{Kind: corectx.EventSessionStopped})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}
