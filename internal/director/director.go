// Package director parses runbooks, drives turns to completion, maintains
// the session journal, and streams execution events. It is the only
// component that talks to all three of the host, the territory manager,
// and the message router; everything crosses those boundaries as values.
package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/director/runbook"
	"github.com/liminal/liminal/internal/director/store"
	"github.com/liminal/liminal/internal/events"
	"github.com/liminal/liminal/internal/events/bus"
	"github.com/liminal/liminal/internal/host"
	"github.com/liminal/liminal/internal/router"
	"github.com/liminal/liminal/internal/territory"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// Common errors
var (
	ErrNoRunbook        = errors.New("no runbook loaded")
	ErrExecutionRunning = errors.New("an execution is already running")
)

// Config holds runbook executor configuration.
type Config struct {
	MaxParallel    int
	SessionsDir    string
	TurnSentinel   string        // output line marking end of turn
	LeaseTTL       time.Duration // TTL for turn lease requests
	TurnTimeout    time.Duration // default when a turn specifies none
	EscalationPoll time.Duration // granularity of the paused-turn wait
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		MaxParallel:    1,
		SessionsDir:    "./sessions",
		TurnSentinel:   "<<turn-complete>>",
		LeaseTTL:       30 * time.Second,
		TurnTimeout:    60 * time.Second,
		EscalationPoll: 100 * time.Millisecond,
	}
}

// Director is the top-level coordinator.
type Director struct {
	logger    *logger.Logger
	cfg       Config
	host      *host.Host
	territory *territory.Manager
	router    *router.Router
	bus       bus.Bus
	store     store.Store // may be nil

	broadcaster *Broadcaster

	mu        sync.Mutex
	rb        *v1.Runbook
	session   *v1.Session
	layout    *sessionLayout
	journal   *Journal
	running   bool
	cancelled bool
	runCancel context.CancelFunc
	doneCh    chan struct{}
	runErr    error

	pumps map[v1.AgentID]context.CancelFunc
}

// New wires the director into the coordination core. The router is taught
// to flip critically-unacked recipients into Error, and the territory
// manager's revocation notices are delivered through the router.
func New(cfg Config, h *host.Host, tm *territory.Manager, rt *router.Router, noticeBus bus.Bus, st store.Store, log *logger.Logger) *Director {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	if cfg.EscalationPoll <= 0 {
		cfg.EscalationPoll = 100 * time.Millisecond
	}

	d := &Director{
		logger:      log.WithFields(zap.String("component", "director")),
		cfg:         cfg,
		host:        h,
		territory:   tm,
		router:      rt,
		bus:         noticeBus,
		store:       st,
		broadcaster: NewBroadcaster(),
		pumps:       make(map[v1.AgentID]context.CancelFunc),
	}

	rt.Register(v1.Director)
	rt.SetUnackedHandler(func(recipient v1.AgentID, messageID uint64) {
		if err := h.SetError(recipient); err != nil && !errors.Is(err, host.ErrAgentNotFound) {
			d.logger.Warn("failed to mark recipient errored", zap.Error(err))
		}
	})

	return d
}

// RevocationNotifier returns the territory.Notifier that routes "lease
// revoked" notices to displaced holders as Coordinate messages.
func (d *Director) RevocationNotifier() territory.Notifier {
	return &routerNotifier{d: d}
}

type routerNotifier struct {
	d *Director
}

func (n *routerNotifier) NotifyRevoked(holder v1.AgentID, resource string) {
	msg := &v1.Message{
		From:        v1.Director,
		To:          holder,
		Priority:    v1.PriorityCoordinate,
		Kind:        v1.KindCoordinate,
		Payload:     []byte(fmt.Sprintf("lease revoked: %s", resource)),
		ContentType: "text/plain",
	}
	if err := n.d.router.Send(v1.Director, msg); err != nil {
		n.d.logger.Warn("failed to deliver revocation notice",
			zap.String("holder", string(holder)),
			zap.String("resource", resource),
			zap.Error(err))
	}
}

// Start launches the director background loops: the director inbox drain,
// the host event reconciliation, and the escalation forwarder.
func (d *Director) Start(ctx context.Context) {
	go d.inboxLoop(ctx)
	go d.reconcileLoop(ctx)
	d.subscribeEscalations()
}

// inboxLoop drains the director mailbox. Messages that require an ack are
// acked out-of-band immediately; every message is logged at debug level.
func (d *Director) inboxLoop(ctx context.Context) {
	for {
		msg, err := d.router.Receive(ctx, v1.Director)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				d.logger.Warn("director inbox closed", zap.Error(err))
			}
			return
		}
		if msg.RequiresAck {
			d.router.Ack(v1.Director, msg.ID)
		}
		d.logger.Debug("director received message",
			zap.Uint64("message_id", msg.ID),
			zap.String("from", string(msg.From)),
			zap.String("kind", string(msg.Kind)))
	}
}

// reconcileLoop watches host lifecycle events and keeps the territory
// manager and router consistent: a crashed or exited agent loses its
// leases, its pending requests, and its mailbox within one tick.
func (d *Director) reconcileLoop(ctx context.Context) {
	eventsCh, cancel := d.host.Events()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventsCh:
			if !ok {
				return
			}
			switch ev.Type {
			case v1.AgentEventCrashed, v1.AgentEventExited:
				d.territory.OnAgentLost(ev.AgentID)
				d.router.Unregister(ev.AgentID)
				d.stopPump(ev.AgentID)
			}
		}
	}
}

// subscribeEscalations forwards territory escalations onto the execution
// event stream so the UI can prompt the human director.
func (d *Director) subscribeEscalations() {
	if d.bus == nil {
		return
	}
	_, err := d.bus.Subscribe(events.LeaseEscalated, func(ctx context.Context, n *bus.Notice) error {
		id := n.Field("escalation_id")
		for _, esc := range d.territory.Escalations() {
			if esc.ID == id {
				copied := esc
				d.broadcaster.Publish(v1.ExecutionEvent{
					Type:       v1.EventEscalation,
					EpochID:    d.currentEpoch(),
					Escalation: &copied,
					Timestamp:  time.Now().UTC(),
				})
				break
			}
		}
		return nil
	})
	if err != nil {
		d.logger.Warn("failed to subscribe to escalations", zap.Error(err))
	}
}

// LoadRunbook parses and installs the runbook for the next execution.
func (d *Director) LoadRunbook(path string) (*v1.RunbookSummary, error) {
	rb, err := runbook.ParseFile(path)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil, ErrExecutionRunning
	}
	d.rb = rb

	d.logger.Info("runbook loaded",
		zap.String("name", rb.Name),
		zap.Int("turns", len(rb.Turns)))
	return &v1.RunbookSummary{Name: rb.Name, Epoch: rb.Epoch, TurnCount: len(rb.Turns)}, nil
}

// Execute starts the loaded runbook and returns the epoch id immediately.
// Progress is observable on the event stream.
func (d *Director) Execute(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return "", ErrExecutionRunning
	}
	if d.rb == nil {
		d.mu.Unlock()
		return "", ErrNoRunbook
	}
	rb := d.rb

	epochID := rb.Epoch
	if epochID == "" {
		epochID = uuid.New().String()
	}

	layout, err := newSessionLayout(d.cfg.SessionsDir, epochID)
	if err != nil {
		d.mu.Unlock()
		return "", err
	}
	journal, err := OpenJournal(layout.journalPath())
	if err != nil {
		d.mu.Unlock()
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancelled = false
	d.runCancel = cancel
	d.doneCh = make(chan struct{})
	d.runErr = nil
	d.layout = layout
	d.journal = journal
	d.session = &v1.Session{
		EpochID:   epochID,
		Runbook:   rb.Name,
		StartTime: time.Now().UTC(),
	}
	d.mu.Unlock()

	go d.run(runCtx, rb, epochID)
	return epochID, nil
}

// Wait blocks until the current execution finishes and returns its error.
func (d *Director) Wait() error {
	d.mu.Lock()
	done := d.doneCh
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}

// Cancel stops the execution. With force=false no new turns are scheduled
// and in-flight turns finish; with force=true in-flight turns are aborted
// and every agent child is terminated immediately.
func (d *Director) Cancel(force bool) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.cancelled = true
	cancel := d.runCancel
	d.mu.Unlock()

	d.logger.Info("execution cancel requested", zap.Bool("force", force))
	if force {
		cancel()
		for _, info := range d.host.List() {
			_ = d.host.Signal(info.ID, false)
		}
	}
}

// SubscribeEvents returns a subscription to the execution event stream.
func (d *Director) SubscribeEvents() (<-chan v1.ExecutionEvent, func()) {
	return d.broadcaster.Subscribe()
}

// LeaseSnapshot returns the current leases.
func (d *Director) LeaseSnapshot() []v1.Lease {
	return d.territory.Snapshot()
}

// Escalations returns the unresolved escalations.
func (d *Director) Escalations() []v1.Escalation {
	return d.territory.Escalations()
}

// ResolveEscalation applies the human decision for a paused contention.
func (d *Director) ResolveEscalation(id string, decision v1.EscalationDecision) error {
	return d.territory.Resolve(id, decision)
}

// Session returns a copy of the current (or last) session record.
func (d *Director) Session() *v1.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	copied := *d.session
	copied.TurnSummaries = append([]v1.TurnSummary(nil), d.session.TurnSummaries...)
	return &copied
}

// Replay restores territory state from a previous epoch's journal and
// reports which turns completed.
func (d *Director) Replay(epochID string) (*ReplayResult, error) {
	layout := &sessionLayout{root: fmt.Sprintf("%s/%s", d.cfg.SessionsDir, epochID)}
	result, err := Replay(layout.journalPath())
	if err != nil {
		return nil, err
	}
	for _, lease := range result.Leases {
		d.territory.RestoreLease(lease)
	}
	d.logger.Info("journal replayed",
		zap.String("epoch_id", epochID),
		zap.Int("restored_leases", len(result.Leases)),
		zap.Int("turns", len(result.Summaries)))
	return result, nil
}

func (d *Director) currentEpoch() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return ""
	}
	return d.session.EpochID
}

func (d *Director) isCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// startPump begins draining an agent's mailbox into its stdin. This is the
// only path from the router to a child process.
func (d *Director) startPump(agentID v1.AgentID) {
	d.mu.Lock()
	if _, ok := d.pumps[agentID]; ok {
		d.mu.Unlock()
		return
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	d.pumps[agentID] = cancel
	d.mu.Unlock()

	go func() {
		for {
			msg, err := d.router.Receive(pumpCtx, agentID)
			if err != nil {
				return
			}
			payload := append(append([]byte(nil), msg.Payload...), '\n')
			if err := d.host.Write(agentID, payload); err != nil {
				d.logger.Warn("failed to deliver message to agent",
					zap.String("agent_id", string(agentID)),
					zap.Uint64("message_id", msg.ID),
					zap.Error(err))
			}
		}
	}()
}

func (d *Director) stopPump(agentID v1.AgentID) {
	d.mu.Lock()
	cancel, ok := d.pumps[agentID]
	if ok {
		delete(d.pumps, agentID)
	}
	d.mu.Unlock()
	if ok {
		cancel()
	}
}
