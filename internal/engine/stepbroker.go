package engine

import (
	"sync"

	"github.com/seantiz/orchestra/internal/model"
)

// subscriberBufferSize is the channel buffer for each step subscriber.
// Updates are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// StepBroker fans out step updates of running executions to live
// subscribers. It only holds executions between Open and Close; an
// execution it does not know about is treated as settled, so subscribers
// get a closed channel and read the final steps from the store.
type StepBroker struct {
	mu      sync.Mutex
	streams map[string]map[chan model.ExecutionStep]struct{}
}

// NewStepBroker creates an empty broker.
func NewStepBroker() *StepBroker {
	return &StepBroker{
		streams: make(map[string]map[chan model.ExecutionStep]struct{}),
	}
}

// Open starts accepting subscribers for executionID. Opening an open stream
// is a no-op.
func (b *StepBroker) Open(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[executionID]; !ok {
		b.streams[executionID] = make(map[chan model.ExecutionStep]struct{})
	}
}

// Subscribe returns a channel of step updates for executionID and a
// function that cancels the subscription. The channel is closed when the
// stream closes, or at once when the stream is not open.
func (b *StepBroker) Subscribe(executionID string) (<-chan model.ExecutionStep, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.ExecutionStep, subscriberBufferSize)
	subs, ok := b.streams[executionID]
	if !ok {
		close(ch)
		return ch, func() {}
	}
	subs[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.streams[executionID]; ok {
			delete(cur, ch)
		}
	}
}

// Publish delivers step to the subscribers of executionID without blocking.
func (b *StepBroker) Publish(executionID string, step model.ExecutionStep) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.streams[executionID] {
		select {
		case ch <- step:
		default:
		}
	}
}

// Close ends the stream for executionID, closes its subscriber channels and
// forgets it.
func (b *StepBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.streams[executionID] {
		close(ch)
	}
	delete(b.streams, executionID)
}

// Streams reports how many executions currently have an open stream.
func (b *StepBroker) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}
