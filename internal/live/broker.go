// Package live fans collection mutations out to subscribers, typically
// websocket channels watching a collection path.
package live

import (
	"sync"

	"github.com/strandlabs/strand/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber. Events
// are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one committed collection mutation.
type Event struct {
	Path   string        `json:"path"`
	Kind   string        `json:"kind"`
	Record *model.Record `json:"record"`
	Index  int           `json:"index"`
}

// Broker manages per-path mutation streaming to subscribers. It is safe
// for concurrent use.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Subscribe returns a channel receiving mutation events for the given
// collection path and an unsubscribe function. Unlike finished workload
// logs, a collection path never terminates, so there is no closed state.
func (b *Broker) Subscribe(path string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[path]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[path] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of its path. Events are
// dropped for subscribers whose buffers are full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.Path]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking mutations.
		}
	}
}

// Subscribers reports the live subscriber count for a path.
func (b *Broker) Subscribers(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[path]
	if !ok {
		return 0
	}
	return len(t.subs)
}

// OnMutate returns a collection mutation hook that publishes to the broker
// under the given path.
func (b *Broker) OnMutate(path string) func(kind string, rec *model.Record, index int) {
	return func(kind string, rec *model.Record, index int) {
		b.Publish(Event{Path: path, Kind: kind, Record: rec, Index: index})
	}
}
