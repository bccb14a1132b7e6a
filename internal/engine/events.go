package engine

import (
	"sync"

	"github.com/seantiz/anvil/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Broker fans out per-job state transition events to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected job volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.JobEvent
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives state transition events for the
// given job and an unsubscribe function. If the job has already finished
// (Close was called), the returned channel is immediately closed.
func (b *Broker) Subscribe(jobID string) (<-chan model.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.JobEvent)}
		b.topics[jobID] = t
	}

	ch := make(chan model.JobEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given job.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(jobID string, ev model.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the controller.
		}
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[jobID] = &eventTopic{subs: make(map[int]chan model.JobEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
