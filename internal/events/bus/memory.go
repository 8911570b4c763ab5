package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/logger"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("notice bus is closed")

// MemoryBus delivers notices in process. This is the default for the
// unified director binary, where host, territory, router, and director all
// share one process.
type MemoryBus struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	id      int
	pattern string
	match   matcher
	handler Handler
	active  atomic.Bool
}

// NewMemoryBus creates an in-process notice bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		logger: log.WithFields(zap.String("component", "notice-bus")),
		subs:   make(map[int]*memorySub),
	}
}

// Publish hands the notice to every matching subscriber. Handlers run on
// their own goroutines so a slow consumer never stalls the arbitration
// paths that publish.
func (b *MemoryBus) Publish(ctx context.Context, n *Notice) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.active.Load() && sub.match.matches(n.Subject) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		go func(s *memorySub) {
			if err := s.handler(ctx, n); err != nil {
				b.logger.Error("notice handler failed",
					zap.String("subject", n.Subject),
					zap.String("pattern", s.pattern),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("notice published",
		zap.String("subject", n.Subject),
		zap.String("source", n.Source),
		zap.Int("subscribers", len(targets)))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:     b,
		id:      b.nextID,
		pattern: pattern,
		match:   compileMatcher(pattern),
		handler: h,
	}
	sub.active.Store(true)
	b.subs[sub.id] = sub
	b.nextID++
	return sub, nil
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subs {
		sub.active.Store(false)
		delete(b.subs, id)
	}
}

// Connected reports whether the bus still delivers.
func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySub) Unsubscribe() error {
	s.active.Store(false)
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

// Active reports whether the subscription still receives notices.
func (s *memorySub) Active() bool {
	return s.active.Load()
}

var _ Bus = (*MemoryBus)(nil)
