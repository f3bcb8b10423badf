package notify

import (
	"context"
	"sync"

	evbus "github.com/asaskevich/EventBus"

	"github.com/seantiz/orchestra/internal/model"
)

// eventTopic is the EventBus topic every execution event is published on.
const eventTopic = "orchestra:execution"

// subscriberBufferSize bounds how far a subscriber may lag before events
// are dropped for it.
const subscriberBufferSize = 128

// Bus is the in-process event fan-out used by the websocket endpoint.
// EventBus delivers synchronously to a single dispatcher which hands events
// to channel subscribers without blocking the publisher.
type Bus struct {
	bus     evbus.Bus
	handler func(model.Event)

	mu     sync.Mutex
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	b := &Bus{
		bus:  evbus.New(),
		subs: make(map[int]chan model.Event),
	}
	b.handler = b.dispatch
	// Subscribe only fails for a non-function handler.
	_ = b.bus.Subscribe(eventTopic, b.handler)
	return b
}

// Publish implements Publisher.
func (b *Bus) Publish(_ context.Context, ev model.Event) error {
	b.bus.Publish(eventTopic, ev)
	return nil
}

// Subscribe returns a channel of events published from now on and a
// function that cancels the subscription. After Close the channel is closed.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches the dispatcher and closes every subscriber channel.
func (b *Bus) Close() {
	_ = b.bus.Unsubscribe(eventTopic, b.handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Bus) dispatch(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the engine.
		}
	}
}
