package host

import (
	"sync"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

const subscriberBuffer = 1024

// eventBroadcast fans agent events out to any number of subscribers.
// Each subscriber owns a buffered channel; a subscriber that falls more
// than subscriberBuffer events behind loses the oldest pending event.
// Subscriptions are restartable: closing and resubscribing is cheap.
type eventBroadcast struct {
	mu   sync.Mutex
	subs map[int]chan v1.AgentEvent
	next int
}

func newEventBroadcast() *eventBroadcast {
	return &eventBroadcast{subs: make(map[int]chan v1.AgentEvent)}
}

// Subscribe returns a channel of events and a cancel function. The channel
// is closed on cancel.
func (b *eventBroadcast) Subscribe() (<-chan v1.AgentEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan v1.AgentEvent, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. Delivery is synchronous
// into each subscriber buffer; a full buffer drops its oldest event to make
// room so lifecycle events keep flowing.
func (b *eventBroadcast) Publish(ev v1.AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close closes every subscriber channel.
func (b *eventBroadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
