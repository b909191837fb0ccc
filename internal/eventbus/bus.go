// Package eventbus implements the EventBus: the unification of the
// teacher's ad hoc status/progress/error/event callbacks (Design
// Notes §9: "callback soup") into one typed multi-subscriber channel
// with a closed set of event kinds. Registry/RWMutex shape is
// grounded on the teacher's CancellationManager.
package eventbus

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lithium-observatory/sequencer/internal/corectx"
)

// Filter decides whether a subscriber wants to see an event.
type Filter func(corectx.Event) bool

// AllEvents is a Filter that accepts every event.
func AllEvents(corectx.Event) bool { return true }

// OfKind returns a Filter matching only the given event kinds.
func OfKind(kinds ...corectx.EventKind) Filter {
	set := make(map[corectx.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(e corectx.Event) bool { return set[e.Kind] }
}

type subscriber struct {
	id     int64
	filter Filter
	ch     chan corectx.Event
	handle func(corectx.Event)
	stop   chan struct{}
}

// Bus is a multi-producer/multi-consumer EventBus with per-subscriber
// ordered delivery (spec.md §5: "Events for one target are delivered
// in order to each subscriber").
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// New constructs an empty Bus.
func New() *Bus {
	meter := otel.GetMeterProvider().Meter("sequencer")
	published, _ := meter.Int64Counter("sequencer_eventbus_published_total")
	dropped, _ := meter.Int64Counter("sequencer_eventbus_dropped_total")
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		published:   published,
		dropped:     dropped,
	}
}

// Subscribe registers handle to be invoked, on a dedicated dispatch
// goroutine, for every event matching filter, in publish order.
// Returns a subscription id usable with Unsubscribe.
func (b *Bus) Subscribe(filter Filter, handle func(corectx.Event)) int64 {
	if filter == nil {
		filter = AllEvents
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		id:     id,
		filter: filter,
		ch:     make(chan corectx.Event, 256),
		handle: handle,
		stop:   make(chan struct{}),
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go b.dispatch(sub)
	return id
}

// Unsubscribe removes a subscription and stops its dispatch goroutine.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}

// Publish fans evt out to every matching subscriber. Non-blocking: a
// subscriber whose channel is full has the event dropped for it (best
// effort; events are observability, never load-bearing control flow).
func (b *Bus) Publish(evt corectx.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(evt.Kind))))

	for _, sub := range b.subscribers {
		if !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(evt.Kind))))
		}
	}
}

func (b *Bus) dispatch(sub *subscriber) {
	for {
		select {
		case evt := <-sub.ch:
			sub.handle(evt)
		case <-sub.stop:
			return
		}
	}
}

// Close unsubscribes every subscriber and stops their goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[int64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.stop)
	}
}
