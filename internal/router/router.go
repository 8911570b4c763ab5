// Package router is the single hub for every inter-agent and
// director↔agent message. No direct agent-to-agent path exists: every
// message is validated, classified by priority, and either delivered,
// aged, or escalated.
package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/events"
	"github.com/liminal/liminal/internal/events/bus"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// Common errors
var (
	ErrMailboxFull      = errors.New("mailbox is full")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrSelfAddressed    = errors.New("message is self-addressed")
	ErrFromMismatch     = errors.New("sender does not match authenticated channel")
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrRouterRunning    = errors.New("router is already running")
	ErrRouterNotRunning = errors.New("router is not running")
)

// Config holds router tuning.
type Config struct {
	MailboxCap int           // soft cap; Info rejected beyond, higher classes always accepted
	AgeLimit   time.Duration // max wait before the oldest Info message reaches top effective priority
	AckTimeout time.Duration // critical ack window
	Sweep      time.Duration // blocking-deadline sweep granularity
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		MailboxCap: 1024,
		AgeLimit:   30 * time.Second,
		AckTimeout: 100 * time.Millisecond,
		Sweep:      100 * time.Millisecond,
	}
}

// ageStep derives the effective-priority step from the age limit: Info sits
// three classes below Critical, so the oldest Info message reaches top
// effective priority at exactly AgeLimit. The same step applies to every
// non-critical class, Coordinate included.
func (c Config) ageStep() time.Duration {
	return c.AgeLimit / time.Duration(v1.NumPriorities-1)
}

// UnackedHandler is invoked when a critical message stays unacked after
// redelivery; the composition wires the host's Error transition in here.
type UnackedHandler func(recipient v1.AgentID, messageID uint64)

// ackPending tracks one critical message awaiting its ack.
type ackPending struct {
	msg         *v1.Message
	timer       *time.Timer
	redelivered bool
}

// Router owns every mailbox and the pending-ack table.
type Router struct {
	logger *logger.Logger
	cfg    Config
	bus    bus.Bus

	nextID atomic.Uint64

	mu        sync.Mutex
	mailboxes map[v1.AgentID]*mailbox
	acks      map[uint64]*ackPending
	unacked   UnackedHandler

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a message router. noticeBus may be nil.
func New(cfg Config, noticeBus bus.Bus, log *logger.Logger) *Router {
	if cfg.MailboxCap <= 0 {
		cfg.MailboxCap = 1024
	}
	if cfg.AgeLimit <= 0 {
		cfg.AgeLimit = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 100 * time.Millisecond
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = 100 * time.Millisecond
	}
	return &Router{
		logger:    log.WithFields(zap.String("component", "router")),
		cfg:       cfg,
		bus:       noticeBus,
		mailboxes: make(map[v1.AgentID]*mailbox),
		acks:      make(map[uint64]*ackPending),
		now:       time.Now,
	}
}

// SetUnackedHandler wires the reaction to a critically unacked recipient.
func (r *Router) SetUnackedHandler(h UnackedHandler) {
	r.mu.Lock()
	r.unacked = h
	r.mu.Unlock()
}

// Start begins the blocking-deadline sweep loop.
func (r *Router) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRouterRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.sweepLoop()
	return nil
}

// Stop stops the sweep loop and cancels pending ack timers.
func (r *Router) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrRouterNotRunning
	}
	r.running = false
	close(r.stopCh)
	for id, pending := range r.acks {
		pending.timer.Stop()
		delete(r.acks, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Register creates the mailbox for a recipient.
func (r *Router) Register(id v1.AgentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mailboxes[id]; !ok {
		r.mailboxes[id] = newMailbox()
	}
}

// Unregister drops a recipient's mailbox and its pending acks. Called when
// the host reports the agent gone.
func (r *Router) Unregister(id v1.AgentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, id)
	for msgID, pending := range r.acks {
		if pending.msg.To == id {
			pending.timer.Stop()
			delete(r.acks, msgID)
		}
	}
}

// Send validates, classifies, and enqueues one message. authFrom is the
// authenticated channel identity; a mismatching From is rejected. Invalid
// messages are dropped with a Rejected event and an error to the caller.
func (r *Router) Send(authFrom v1.AgentID, msg *v1.Message) error {
	if err := r.validate(authFrom, msg); err != nil {
		r.reject(msg, err)
		return err
	}

	r.mu.Lock()
	mb, ok := r.mailboxes[msg.To]
	if !ok {
		r.mu.Unlock()
		r.reject(msg, ErrUnknownRecipient)
		return ErrUnknownRecipient
	}

	// Backpressure: liveness dominates over memory. Only Info is refused
	// beyond the soft cap; Coordinate and higher always get in.
	if msg.Priority == v1.PriorityInfo && mb.len() >= r.cfg.MailboxCap {
		r.mu.Unlock()
		return ErrMailboxFull
	}

	msg.ID = r.nextID.Add(1)
	msg.EnqueuedAt = r.now().UTC()
	if msg.Priority == v1.PriorityCritical {
		msg.RequiresAck = true
	}
	mb.push(msg)
	r.mu.Unlock()

	r.logger.Debug("message enqueued",
		zap.Uint64("message_id", msg.ID),
		zap.String("from", string(msg.From)),
		zap.String("to", string(msg.To)),
		zap.String("priority", msg.Priority.String()))
	return nil
}

// Receive blocks until the next message for the recipient is available.
// Critical messages are delivered within one dequeue turn; everything else
// competes on effective priority so aged messages cannot starve.
func (r *Router) Receive(ctx context.Context, id v1.AgentID) (*v1.Message, error) {
	for {
		r.mu.Lock()
		mb, ok := r.mailboxes[id]
		if !ok {
			r.mu.Unlock()
			return nil, ErrUnknownRecipient
		}
		msg := mb.pop(r.now(), r.cfg.ageStep())
		if msg != nil {
			if msg.Priority == v1.PriorityCritical && msg.RequiresAck {
				r.trackAckLocked(msg)
			}
			r.mu.Unlock()
			return msg, nil
		}
		notify := mb.notify
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// TryReceive returns the next message without blocking, or nil.
func (r *Router) TryReceive(id v1.AgentID) (*v1.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.mailboxes[id]
	if !ok {
		return nil, ErrUnknownRecipient
	}
	msg := mb.pop(r.now(), r.cfg.ageStep())
	if msg != nil && msg.Priority == v1.PriorityCritical && msg.RequiresAck {
		r.trackAckLocked(msg)
	}
	return msg, nil
}

// Ack resolves a pending critical ack. Acks are out-of-band: they never
// enter a mailbox and carry no priority of their own.
func (r *Router) Ack(from v1.AgentID, messageID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.acks[messageID]
	if !ok || pending.msg.To != from {
		return
	}
	pending.timer.Stop()
	delete(r.acks, messageID)
}

// Pending returns the queue depth for one recipient.
func (r *Router) Pending(id v1.AgentID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.mailboxes[id]
	if !ok {
		return 0
	}
	return mb.len()
}

func (r *Router) validate(authFrom v1.AgentID, msg *v1.Message) error {
	if !msg.Priority.Valid() {
		return ErrInvalidPriority
	}
	if msg.From != authFrom {
		return ErrFromMismatch
	}
	if msg.From == msg.To {
		return ErrSelfAddressed
	}
	return nil
}

func (r *Router) reject(msg *v1.Message, cause error) {
	r.logger.Warn("message rejected",
		zap.String("from", string(msg.From)),
		zap.String("to", string(msg.To)),
		zap.Error(cause))
	r.notify(bus.NewNotice(events.RouterRejected, "router").
		WithAgent(msg.To).
		WithField("from", string(msg.From)).
		WithField("reason", cause.Error()))
}

// trackAckLocked starts the ack clock for a just-delivered critical
// message. Caller holds r.mu.
func (r *Router) trackAckLocked(msg *v1.Message) {
	if pending, ok := r.acks[msg.ID]; ok {
		// Redelivery of a tracked message: rearm the existing entry.
		pending.timer.Stop()
		pending.timer = time.AfterFunc(r.cfg.AckTimeout, func() { r.ackExpired(msg.ID) })
		return
	}
	p := &ackPending{msg: msg}
	p.timer = time.AfterFunc(r.cfg.AckTimeout, func() { r.ackExpired(msg.ID) })
	r.acks[msg.ID] = p
}

// ackExpired fires when a critical message was not acked in time: one
// redelivery, then a director-visible event and the recipient goes to Error.
func (r *Router) ackExpired(messageID uint64) {
	r.mu.Lock()
	pending, ok := r.acks[messageID]
	if !ok {
		r.mu.Unlock()
		return
	}

	if !pending.redelivered {
		pending.redelivered = true
		if mb, ok := r.mailboxes[pending.msg.To]; ok {
			mb.pushFront(pending.msg)
			r.mu.Unlock()
			r.logger.Warn("critical message unacked, redelivering once",
				zap.Uint64("message_id", messageID),
				zap.String("to", string(pending.msg.To)))
			return
		}
		// Recipient vanished; drop tracking.
		delete(r.acks, messageID)
		r.mu.Unlock()
		return
	}

	delete(r.acks, messageID)
	recipient := pending.msg.To
	handler := r.unacked
	r.mu.Unlock()

	r.logger.Error("critical message unacked after redelivery",
		zap.Uint64("message_id", messageID),
		zap.String("to", string(recipient)))
	r.notify(bus.NewNotice(events.RouterCriticalUnacked, "router").
		WithAgent(recipient).
		WithField("message_id", messageID))
	if handler != nil {
		handler(recipient, messageID)
	}
}

// sweepLoop promotes Blocking messages whose deadline passed.
func (r *Router) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Router) sweep() {
	now := r.now().UTC()

	r.mu.Lock()
	var promoted []*v1.Message
	for _, mb := range r.mailboxes {
		promoted = append(promoted, mb.promoteExpired(now)...)
	}
	r.mu.Unlock()

	for _, msg := range promoted {
		r.logger.Warn("blocking message promoted to critical",
			zap.Uint64("message_id", msg.ID),
			zap.String("to", string(msg.To)))
		r.notify(bus.NewNotice(events.RouterPromoted, "router").
			WithAgent(msg.To).
			WithField("message_id", msg.ID))
	}
}

func (r *Router) notify(n *bus.Notice) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), n); err != nil {
		r.logger.Warn("failed to publish router notice", zap.Error(err))
	}
}
