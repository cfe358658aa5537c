// Package tabsync is an in-process broadcast channel that keeps multiple chat
// clients of the same user in step, mirroring what a browser does across
// tabs. A publisher never receives its own events.
package tabsync

import (
	"sync"

	"github.com/cashflowdash/chatbridge/internal/relay"
)

// Kind enumerates the event categories carried on the bus.
type Kind int

const (
	// KindMessage carries a chat message another client appended.
	KindMessage Kind = iota

	// KindTyping carries the agent typing indicator state.
	KindTyping

	// KindClear tells other clients to discard the conversation.
	KindClear

	// KindCredentialRequired tells other clients the shared password was
	// rejected and must be re-entered.
	KindCredentialRequired
)

// Event is one broadcast on the bus.
type Event struct {
	Kind    Kind
	Message relay.Message
	Typing  bool
}

// Bus fans events out to every subscriber except the one that published.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscription is one attachment to the bus. Events arrive on C.
type Subscription struct {
	C <-chan Event

	id  int
	bus *Bus
	ch  chan Event
}

// Subscribe attaches a new subscriber with the given delivery buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, bus: b, ch: make(chan Event, buffer)}
	sub.C = sub.ch
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every other subscriber. Delivery never
// blocks; a subscriber that stopped draining misses the event.
func (s *Subscription) Publish(ev Event) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for id, other := range s.bus.subs {
		if id == s.id {
			continue
		}
		select {
		case other.ch <- ev:
		default:
		}
	}
}

// Close detaches the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(s.ch)
}
