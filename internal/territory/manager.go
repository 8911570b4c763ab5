// Package territory grants, preempts, defers, and releases exclusive
// time-bounded leases over named resources. At most one lease exists per
// resource at any instant; the manager holds no durable state and is
// restored from the director's session journal after a restart.
package territory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/events"
	"github.com/liminal/liminal/internal/events/bus"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// Common errors
var (
	ErrNotHolder         = errors.New("agent does not hold the lease")
	ErrExpired           = errors.New("lease already expired")
	ErrManagerRunning    = errors.New("territory manager is already running")
	ErrManagerNotRunning = errors.New("territory manager is not running")
	ErrUnknownEscalation = errors.New("unknown escalation id")
)

// Notifier delivers revocation notices to displaced holders. The director
// wires the message router in here so victims learn about preemption
// through the normal channel.
type Notifier interface {
	NotifyRevoked(holder v1.AgentID, resource string)
}

// Config holds territory manager tuning.
type Config struct {
	Tick       time.Duration // expiry granularity
	DefaultTTL time.Duration // applied when the requester passes no TTL
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{Tick: 100 * time.Millisecond, DefaultTTL: 30 * time.Second}
}

// Result is the outcome of a lease request.
type Result struct {
	Decision   v1.LeaseDecision
	Lease      *v1.Lease      // GRANTED
	ETA        time.Duration  // DEFERRED: estimated wait
	Escalation *v1.Escalation // ESCALATED
	Reason     string         // DENIED / ESCALATED detail

	// Wake receives the lease when a deferred request is eventually
	// granted. The channel is closed without a value when the request is
	// cancelled or the requester is lost.
	Wake <-chan *v1.Lease

	// Cancel withdraws a deferred request. Safe to call at most once;
	// a no-op after the grant fired.
	Cancel func()
}

// Manager is the in-memory lease arbiter.
type Manager struct {
	logger   *logger.Logger
	cfg      Config
	notifier Notifier
	bus      bus.Bus

	mu          sync.Mutex
	leases      map[string]*v1.Lease
	queues      map[string]*waitQueue
	escalations map[string]*v1.Escalation

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewManager creates a territory manager. notifier and noticeBus may be nil.
func NewManager(cfg Config, notifier Notifier, noticeBus bus.Bus, log *logger.Logger) *Manager {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	return &Manager{
		logger:      log.WithFields(zap.String("component", "territory")),
		cfg:         cfg,
		notifier:    notifier,
		bus:         noticeBus,
		leases:      make(map[string]*v1.Lease),
		queues:      make(map[string]*waitQueue),
		escalations: make(map[string]*v1.Escalation),
		now:         time.Now,
	}
}

// SetNotifier wires the revocation notifier after construction. The
// director owns the router, so the composition sets this once both exist.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// Start begins the expiry tick loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.tickLoop()
	return nil
}

// Stop stops the expiry tick loop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Request applies the granting policy for one lease request. It never
// blocks the caller; deferred requests wait on the returned Wake channel.
func (m *Manager) Request(agent v1.AgentID, resource string, prio v1.Priority, ttl time.Duration) Result {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	m.mu.Lock()

	cur, held := m.leases[resource]
	if !held {
		lease := m.grantLocked(agent, resource, prio, ttl)
		m.mu.Unlock()
		m.publishLease(events.LeaseGranted, lease)
		return Result{Decision: v1.LeaseGranted, Lease: lease}
	}

	switch {
	case prio > cur.Priority:
		// Preempt: urgent work proceeds, the victim learns through the
		// normal message channel. The revocation is logged before the
		// grant so release ordering stays observable.
		victim := cur.Holder
		delete(m.leases, resource)
		m.logger.Info("lease preempted",
			zap.String("resource", resource),
			zap.String("victim", string(victim)),
			zap.String("preemptor", string(agent)))
		lease := m.grantLocked(agent, resource, prio, ttl)
		notifier := m.notifier
		m.mu.Unlock()

		m.publishLease(events.LeaseRevoked, &v1.Lease{Resource: resource, Holder: victim, Priority: cur.Priority})
		if notifier != nil {
			notifier.NotifyRevoked(victim, resource)
		}
		m.publishLease(events.LeaseGranted, lease)
		return Result{Decision: v1.LeaseGranted, Lease: lease}

	case prio == cur.Priority && prio >= v1.PriorityBlocking:
		// Equal high priority cannot be resolved by policy: hand the
		// decision to the human director. Not granted, not queued.
		esc := &v1.Escalation{
			ID:        uuid.New().String(),
			Resource:  resource,
			Holder:    cur.Holder,
			Requester: agent,
			Priority:  prio,
			CreatedAt: m.now().UTC(),
		}
		m.escalations[esc.ID] = esc
		m.mu.Unlock()

		m.publishEscalation(esc)
		return Result{Decision: v1.LeaseEscalated, Escalation: esc, Reason: "equal-priority contention"}

	default:
		// Lower (or equal low) priority: defer in FIFO order unless the
		// wait edge would close a cycle.
		if m.wouldDeadlock(agent, cur.Holder) {
			esc := &v1.Escalation{
				ID:        uuid.New().String(),
				Resource:  resource,
				Holder:    cur.Holder,
				Requester: agent,
				Priority:  prio,
				Deadlock:  true,
				CreatedAt: m.now().UTC(),
			}
			m.mu.Unlock()

			m.publishEscalation(esc)
			m.logger.Warn("lease request would deadlock",
				zap.String("resource", resource),
				zap.String("requester", string(agent)),
				zap.String("holder", string(cur.Holder)))
			return Result{Decision: v1.LeaseEscalated, Escalation: esc, Reason: "deadlock"}
		}

		w := &waiter{
			requester:   agent,
			resource:    resource,
			priority:    prio,
			ttl:         ttl,
			requestedAt: m.now().UTC(),
			wake:        make(chan *v1.Lease, 1),
		}
		q, ok := m.queues[resource]
		if !ok {
			q = newWaitQueue()
			m.queues[resource] = q
		}
		q.push(w)
		eta := cur.Remaining(m.now())
		m.mu.Unlock()

		return Result{
			Decision: v1.LeaseDeferred,
			ETA:      eta,
			Wake:     w.wake,
			Cancel:   func() { m.cancelWaiter(w) },
		}
	}
}

// Release returns a lease. Idempotent: releasing a lease the agent does not
// hold is a no-op. The head of the deferral queue takes over.
func (m *Manager) Release(agent v1.AgentID, resource string) {
	m.mu.Lock()
	cur, held := m.leases[resource]
	if !held || cur.Holder != agent {
		m.mu.Unlock()
		return
	}
	delete(m.leases, resource)
	granted := m.grantNextLocked(resource)
	m.mu.Unlock()

	m.publishLease(events.LeaseReleased, cur)
	if granted != nil {
		m.publishLease(events.LeaseGranted, granted)
	}
}

// Extend lengthens a held lease.
func (m *Manager) Extend(agent v1.AgentID, resource string, additional time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, held := m.leases[resource]
	if !held || cur.Holder != agent {
		return ErrNotHolder
	}
	if !cur.ExpiresAt.After(m.now()) {
		return ErrExpired
	}
	cur.ExpiresAt = cur.ExpiresAt.Add(additional)
	return nil
}

// OnAgentLost releases every lease held by the agent and cancels all of its
// pending requests and escalations. Called when the host reports the agent
// Crashed or Exited.
func (m *Manager) OnAgentLost(agent v1.AgentID) {
	m.mu.Lock()

	var released []*v1.Lease
	var granted []*v1.Lease
	for resource, lease := range m.leases {
		if lease.Holder != agent {
			continue
		}
		delete(m.leases, resource)
		released = append(released, lease)
		if next := m.grantNextLocked(resource); next != nil {
			granted = append(granted, next)
		}
	}

	for _, q := range m.queues {
		for _, w := range q.live() {
			if w.requester == agent {
				q.remove(w)
				close(w.wake)
			}
		}
	}

	for id, esc := range m.escalations {
		if esc.Requester == agent || esc.Holder == agent {
			delete(m.escalations, id)
		}
	}
	m.mu.Unlock()

	for _, lease := range released {
		m.publishLease(events.LeaseReleased, lease)
	}
	for _, lease := range granted {
		m.publishLease(events.LeaseGranted, lease)
	}
	if len(released) > 0 {
		m.logger.Info("reconciled leases for lost agent",
			zap.String("agent_id", string(agent)),
			zap.Int("released", len(released)))
	}
}

// Resolve applies the human decision for an escalation.
func (m *Manager) Resolve(id string, decision v1.EscalationDecision) error {
	m.mu.Lock()
	esc, ok := m.escalations[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownEscalation
	}
	delete(m.escalations, id)

	if decision != v1.DecisionGrant {
		m.mu.Unlock()
		return nil
	}

	var revoked *v1.Lease
	if cur, held := m.leases[esc.Resource]; held {
		revoked = cur
		delete(m.leases, esc.Resource)
	}
	lease := m.grantLocked(esc.Requester, esc.Resource, esc.Priority, m.cfg.DefaultTTL)
	notifier := m.notifier
	m.mu.Unlock()

	if revoked != nil {
		m.publishLease(events.LeaseRevoked, revoked)
		if notifier != nil {
			notifier.NotifyRevoked(revoked.Holder, esc.Resource)
		}
	}
	m.publishLease(events.LeaseGranted, lease)
	return nil
}

// Escalations returns the unresolved escalations.
func (m *Manager) Escalations() []v1.Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]v1.Escalation, 0, len(m.escalations))
	for _, esc := range m.escalations {
		out = append(out, *esc)
	}
	return out
}

// Snapshot returns a copy of all current leases.
func (m *Manager) Snapshot() []v1.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]v1.Lease, 0, len(m.leases))
	for _, lease := range m.leases {
		out = append(out, *lease)
	}
	return out
}

// PendingRequests returns a view of all queued requests.
func (m *Manager) PendingRequests() []v1.PendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []v1.PendingRequest
	for _, q := range m.queues {
		for _, w := range q.live() {
			out = append(out, v1.PendingRequest{
				Requester:   w.requester,
				Resource:    w.resource,
				Priority:    w.priority,
				RequestedAt: w.requestedAt,
			})
		}
	}
	return out
}

// RestoreLease reinstates a lease from the session journal during recovery.
func (m *Manager) RestoreLease(lease v1.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.ExpiresAt.After(m.now()) {
		copied := lease
		m.leases[lease.Resource] = &copied
	}
}

// grantLocked creates a lease. Caller holds m.mu.
func (m *Manager) grantLocked(agent v1.AgentID, resource string, prio v1.Priority, ttl time.Duration) *v1.Lease {
	now := m.now().UTC()
	lease := &v1.Lease{
		Resource:  resource,
		Holder:    agent,
		Priority:  prio,
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	m.leases[resource] = lease
	return lease
}

// grantNextLocked hands the resource to the deferral queue head, if any.
// Caller holds m.mu; the returned lease still needs its event published.
func (m *Manager) grantNextLocked(resource string) *v1.Lease {
	q, ok := m.queues[resource]
	if !ok {
		return nil
	}
	w := q.pop()
	if w == nil {
		if q.empty() {
			delete(m.queues, resource)
		}
		return nil
	}
	lease := m.grantLocked(w.requester, resource, w.priority, w.ttl)
	w.wake <- lease
	close(w.wake)
	if q.empty() {
		delete(m.queues, resource)
	}
	return lease
}

// cancelWaiter withdraws a deferred request.
func (m *Manager) cancelWaiter(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.cancelled || w.index < 0 {
		return
	}
	if q, ok := m.queues[w.resource]; ok {
		q.remove(w)
		close(w.wake)
	}
}

// tickLoop revokes expired leases at coarse granularity. Expiry never
// escalates; the next queued requester simply takes over.
func (m *Manager) tickLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.expire()
		}
	}
}

func (m *Manager) expire() {
	now := m.now()

	m.mu.Lock()
	var expired []*v1.Lease
	var granted []*v1.Lease
	for resource, lease := range m.leases {
		if lease.ExpiresAt.After(now) {
			continue
		}
		delete(m.leases, resource)
		expired = append(expired, lease)
		if next := m.grantNextLocked(resource); next != nil {
			granted = append(granted, next)
		}
	}
	m.mu.Unlock()

	for _, lease := range expired {
		m.logger.Debug("lease expired",
			zap.String("resource", lease.Resource),
			zap.String("holder", string(lease.Holder)))
		m.publishLease(events.LeaseExpired, lease)
	}
	for _, lease := range granted {
		m.publishLease(events.LeaseGranted, lease)
	}
}

func (m *Manager) publishLease(subject string, lease *v1.Lease) {
	if m.bus == nil {
		return
	}
	n := bus.NewNotice(subject, "territory").
		WithAgent(lease.Holder).
		WithResource(lease.Resource).
		WithField("priority", lease.Priority.String())
	if err := m.bus.Publish(context.Background(), n); err != nil {
		m.logger.Warn("failed to publish lease notice", zap.Error(err))
	}
}

func (m *Manager) publishEscalation(esc *v1.Escalation) {
	if m.bus == nil {
		return
	}
	n := bus.NewNotice(events.LeaseEscalated, "territory").
		WithAgent(esc.Requester).
		WithResource(esc.Resource).
		WithField("escalation_id", esc.ID).
		WithField("holder", string(esc.Holder)).
		WithField("deadlock", esc.Deadlock)
	if err := m.bus.Publish(context.Background(), n); err != nil {
		m.logger.Warn("failed to publish escalation notice", zap.Error(err))
	}
}
