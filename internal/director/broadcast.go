package director

import (
	"sync"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

const subscriberBuffer = 256

// Broadcaster fans execution events out to any number of subscribers.
// Delivery is lossy for intermediate events: when a subscriber's buffer is
// full, the new intermediate event is not delivered to it. A terminal event
// that meets a full buffer discards every pending intermediate event of that
// subscriber and is queued behind the pending terminal events.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan v1.ExecutionEvent
	next int
}

// NewBroadcaster creates an execution event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan v1.ExecutionEvent)}
}

// Subscribe returns an event channel and a cancel function. Events are
// totally ordered per subscriber.
func (b *Broadcaster) Subscribe() (<-chan v1.ExecutionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan v1.ExecutionEvent, subscriberBuffer)
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

// Publish delivers the event to every subscriber.
func (b *Broadcaster) Publish(ev v1.ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		if !ev.Terminal() {
			select {
			case ch <- ev:
			default: // slow subscriber loses the intermediate event
			}
			continue
		}

		// Terminal event on a full buffer: drain the buffer, drop the
		// pending intermediates, and re-deliver the pending terminals
		// in order ahead of the new event.
		select {
		case ch <- ev:
			continue
		default:
		}

		var retained []v1.ExecutionEvent
		for {
			select {
			case old := <-ch:
				if old.Terminal() {
					retained = append(retained, old)
				}
				continue
			default:
			}
			break
		}
		if len(retained) >= cap(ch) {
			retained = retained[len(retained)-cap(ch)+1:]
		}
		for _, old := range retained {
			ch <- old
		}
		ch <- ev
	}
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
