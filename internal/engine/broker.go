package engine

import (
	"sync"

	"github.com/seantiz/meetbot/internal/model"
)

const (
	// subscriberBufferSize is the channel buffer for each event subscriber.
	// Events are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// ReplaySize is how many of a running run's most recent events a new
	// subscriber receives before live ones. Must not exceed
	// subscriberBufferSize.
	ReplaySize = 32
)

// EventBroker fans run events out to live subscribers.
// It is safe for concurrent use.
//
// A subscriber that attaches mid-run first receives up to ReplaySize of the
// run's most recent events, in publish order, so a watcher connecting after
// admission still sees the admitted and attempt events.
//
// Closed topics are retained as markers, without their replay buffer, so
// that late subscribers (those subscribing after a run finishes) receive a
// closed channel instead of blocking forever. The full history stays in the
// store. Open resets a marker when a run id is admitted again.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.Event
	nextID int
	closed bool

	// recent is a ring of the last ReplaySize events; next is the slot the
	// following event goes into once the ring is full.
	recent []model.Event
	next   int
}

// remember adds ev to the replay ring.
func (t *topic) remember(ev model.Event) {
	if len(t.recent) < ReplaySize {
		t.recent = append(t.recent, ev)
		return
	}
	t.recent[t.next] = ev
	t.next = (t.next + 1) % ReplaySize
}

// replay writes the ring to ch oldest first.
func (t *topic) replay(ch chan<- model.Event) {
	for i := range t.recent {
		ch <- t.recent[(t.next+i)%len(t.recent)]
	}
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*topic),
	}
}

// Open prepares a topic for a newly admitted run, discarding any closed
// marker left by an earlier run with the same id.
func (b *EventBroker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[runID]; ok && !t.closed {
		return
	}
	b.topics[runID] = &topic{subs: make(map[int]chan model.Event)}
}

// Subscribe returns a channel that receives the run's recent events followed
// by live ones, and an unsubscribe function. If the run has already finished
// (Close was called), the returned channel is immediately closed.
func (b *EventBroker) Subscribe(runID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Event)}
		b.topics[runID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	t.replay(ch)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given run.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(runID string, ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}
	t.remember(ev)

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers so bots never block on them.
		}
	}
}

// Close signals that no more events will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel until the run id is opened again.
func (b *EventBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &topic{subs: make(map[int]chan model.Event), closed: true}
		return
	}

	t.closed = true
	t.recent, t.next = nil, 0
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
