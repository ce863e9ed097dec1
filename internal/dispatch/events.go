package dispatch

import (
	"encoding/json"
	"sync"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published while a dispatch runs.
const (
	EventStarted  = "started"
	EventResolved = "artifacts_resolved"
	EventMatrix   = "matrix"
	EventFinished = "finished"
	EventFailed   = "failed"
)

// Event is one progress notification for a dispatch.
type Event struct {
	Type     string `json:"type"`
	JobKey   string `json:"job_key,omitempty"`
	MatrixID string `json:"matrix_id,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Message  string `json:"message,omitempty"`
}

// EventBroker fans dispatch progress out to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a dispatch finishes) receive a closed channel instead of
// blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives encoded events for the given
// dispatch and an unsubscribe function. If the dispatch has already finished
// (Close was called), the returned channel is immediately closed.
func (b *EventBroker) Subscribe(dispatchID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[dispatchID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan string)}
		b.topics[dispatchID] = t
	}

	ch := make(chan string, subscriberBufferSize)
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

// Publish sends a line to all subscribers of the given dispatch.
// Lines are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(dispatchID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[dispatchID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// PublishEvent encodes ev as JSON and publishes it.
func (b *EventBroker) PublishEvent(dispatchID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.Publish(dispatchID, string(data))
}

// Close signals that no more events will be published for the given
// dispatch. All subscriber channels are closed and future Subscribe calls
// return a closed channel.
func (b *EventBroker) Close(dispatchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[dispatchID]
	if !ok {
		b.topics[dispatchID] = &eventTopic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
