// Package host owns one child process per agent, exposes byte streams in
// both directions, and translates OS-level events into structured agent
// events. It never retries a spawn and never touches leases; both are the
// caller's policy.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/liminal/liminal/internal/common/errors"
	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/events"
	"github.com/liminal/liminal/internal/events/bus"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// Common errors
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrNotWritable   = errors.New("agent is not ready or executing")
	ErrReadyTimeout  = errors.New("agent did not reach ready state in time")
)

// Config holds process host tuning.
type Config struct {
	CLIPath         string
	WorkingDir      string // overrides per-spawn working directory when set
	ScrollbackBytes int64
	PromptMarker    string
	ReadyTimeout    time.Duration
	GracefulKill    time.Duration
}

// SpawnRequest describes one agent child to start.
type SpawnRequest struct {
	Role       v1.AgentRole
	WorkingDir string
	Argv       []string
	Limits     v1.ResourceLimits
}

// Host manages the set of hosted agent processes.
type Host struct {
	logger  *logger.Logger
	cfg     Config
	runtime Runtime
	bus     bus.Bus
	pattern *regexp.Regexp

	mu     sync.RWMutex
	agents map[v1.AgentID]*agent

	events *eventBroadcast
}

// agent tracks one hosted child process.
type agent struct {
	id        v1.AgentID
	role      v1.AgentRole
	spec      ProcessSpec
	proc      Process
	buffer    *ringBuffer
	watcher   *promptWatcher
	spawnedAt time.Time

	readyOnce sync.Once
	readyCh   chan struct{}
	exitCh    chan struct{}

	mu     sync.Mutex
	status v1.AgentStatus
}

func (a *agent) getStatus() v1.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *agent) setStatus(s v1.AgentStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// New creates a process host over the given runtime. noticeBus may be nil.
func New(cfg Config, runtime Runtime, noticeBus bus.Bus, log *logger.Logger) (*Host, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	if cfg.GracefulKill <= 0 {
		cfg.GracefulKill = 10 * time.Second
	}

	var pattern *regexp.Regexp
	if cfg.PromptMarker != "" {
		var err error
		pattern, err = regexp.Compile(cfg.PromptMarker)
		if err != nil {
			return nil, fmt.Errorf("invalid prompt marker %q: %w", cfg.PromptMarker, err)
		}
	}

	return &Host{
		logger:  log.WithFields(zap.String("component", "host")),
		cfg:     cfg,
		runtime: runtime,
		bus:     noticeBus,
		pattern: pattern,
		agents:  make(map[v1.AgentID]*agent),
		events:  newEventBroadcast(),
	}, nil
}

// Spawn starts one agent child and blocks until it is Ready or the ready
// timeout elapses. On timeout the child is killed and a spawn error with
// ErrReadyTimeout is returned; retrying is the caller's policy.
func (h *Host) Spawn(ctx context.Context, req SpawnRequest) (v1.AgentID, error) {
	argv := req.Argv
	if len(argv) == 0 {
		argv = []string{h.cfg.CLIPath}
	}
	workingDir := req.WorkingDir
	if h.cfg.WorkingDir != "" {
		workingDir = h.cfg.WorkingDir
	}

	id := v1.AgentID(fmt.Sprintf("%s-%s", req.Role, uuid.New().String()[:8]))
	a := &agent{
		id:   id,
		role: req.Role,
		spec: ProcessSpec{
			Argv:       argv,
			WorkingDir: workingDir,
			Limits:     req.Limits,
			Cols:       defaultCols,
			Rows:       defaultRows,
		},
		buffer:    newRingBuffer(h.cfg.ScrollbackBytes),
		watcher:   newPromptWatcher(h.pattern, defaultCols, defaultRows),
		spawnedAt: time.Now().UTC(),
		readyCh:   make(chan struct{}),
		exitCh:    make(chan struct{}),
		status:    v1.AgentStatusSpawning,
	}

	h.mu.Lock()
	h.agents[id] = a
	h.mu.Unlock()

	h.publish(v1.AgentEvent{Type: v1.AgentEventSpawned, AgentID: id, Role: req.Role, Timestamp: time.Now().UTC()})

	proc, err := h.runtime.Start(ctx, a.spec)
	if err != nil {
		a.setStatus(v1.AgentStatusFailed)
		h.remove(id)
		return "", apperrors.Spawn(fmt.Sprintf("failed to start agent %s", id), err)
	}
	a.proc = proc

	h.logger.Info("agent spawned",
		zap.String("agent_id", string(id)),
		zap.String("role", string(req.Role)),
		zap.Int("pid", proc.PID()),
		zap.Strings("argv", argv))

	go h.readLoop(a)
	go h.waitLoop(a)

	select {
	case <-a.readyCh:
		return id, nil
	case <-a.exitCh:
		return "", apperrors.Spawn(fmt.Sprintf("agent %s exited before ready", id), nil)
	case <-time.After(h.cfg.ReadyTimeout):
		_ = h.Signal(id, false)
		return "", apperrors.Spawn(fmt.Sprintf("agent %s not ready within %s", id, h.cfg.ReadyTimeout), ErrReadyTimeout)
	case <-ctx.Done():
		_ = h.Signal(id, false)
		return "", ctx.Err()
	}
}

// Write appends bytes to the agent's stdin. Non-blocking relative to the
// agent: the PTY buffers input. Fails unless the agent is Ready or Executing.
func (h *Host) Write(id v1.AgentID, data []byte) error {
	a, ok := h.get(id)
	if !ok {
		return ErrAgentNotFound
	}
	switch a.getStatus() {
	case v1.AgentStatusReady, v1.AgentStatusExecuting:
	default:
		return ErrNotWritable
	}
	_, err := a.proc.Write(data)
	return err
}

// Signal terminates the agent child. With graceful=true the child gets
// SIGTERM and is force-killed after the graceful window; otherwise it is
// killed immediately.
func (h *Host) Signal(id v1.AgentID, graceful bool) error {
	a, ok := h.get(id)
	if !ok {
		return ErrAgentNotFound
	}

	a.setStatus(v1.AgentStatusShuttingDown)

	if !graceful {
		return a.proc.Kill()
	}

	if err := a.proc.Terminate(); err != nil {
		return a.proc.Kill()
	}

	go func() {
		select {
		case <-a.exitCh:
		case <-time.After(h.cfg.GracefulKill):
			h.logger.Warn("agent ignored terminate, force killing",
				zap.String("agent_id", string(a.id)))
			_ = a.proc.Kill()
		}
	}()
	return nil
}

// Events returns a restartable subscription to the agent event stream.
func (h *Host) Events() (<-chan v1.AgentEvent, func()) {
	return h.events.Subscribe()
}

// SetExecuting transitions a Ready agent to Executing.
func (h *Host) SetExecuting(id v1.AgentID) error {
	return h.cycle(id, v1.AgentStatusReady, v1.AgentStatusExecuting)
}

// SetReady transitions an Executing agent back to Ready.
func (h *Host) SetReady(id v1.AgentID) error {
	return h.cycle(id, v1.AgentStatusExecuting, v1.AgentStatusReady)
}

// SetError forces an agent into the Error state (e.g. critical unacked).
func (h *Host) SetError(id v1.AgentID) error {
	a, ok := h.get(id)
	if !ok {
		return ErrAgentNotFound
	}
	a.setStatus(v1.AgentStatusError)
	return nil
}

func (h *Host) cycle(id v1.AgentID, from, to v1.AgentStatus) error {
	a, ok := h.get(id)
	if !ok {
		return ErrAgentNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != from {
		return fmt.Errorf("agent %s is %s, not %s", id, a.status, from)
	}
	a.status = to
	return nil
}

// Status returns the current status of one agent.
func (h *Host) Status(id v1.AgentID) (v1.AgentStatus, bool) {
	a, ok := h.get(id)
	if !ok {
		return "", false
	}
	return a.getStatus(), true
}

// Info returns a point-in-time view of one agent.
func (h *Host) Info(id v1.AgentID) (*v1.AgentInfo, bool) {
	a, ok := h.get(id)
	if !ok {
		return nil, false
	}
	return &v1.AgentInfo{
		ID:         a.id,
		Role:       a.role,
		Status:     a.getStatus(),
		PID:        a.proc.PID(),
		WorkingDir: a.spec.WorkingDir,
		Limits:     a.spec.Limits,
		SpawnedAt:  a.spawnedAt,
	}, true
}

// List returns views of all live agents.
func (h *Host) List() []*v1.AgentInfo {
	h.mu.RLock()
	ids := make([]v1.AgentID, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	infos := make([]*v1.AgentInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := h.Info(id); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// FindReady returns a Ready agent with the given role, if any.
func (h *Host) FindReady(role v1.AgentRole) (v1.AgentID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, a := range h.agents {
		if a.role == role && a.getStatus() == v1.AgentStatusReady {
			return id, true
		}
	}
	return "", false
}

// Scrollback returns the buffered output lines for one agent.
func (h *Host) Scrollback(id v1.AgentID) ([]OutputLine, bool) {
	a, ok := h.get(id)
	if !ok {
		return nil, false
	}
	return a.buffer.snapshot(), true
}

// Close signals every agent and shuts the event stream down.
func (h *Host) Close() {
	h.mu.RLock()
	ids := make([]v1.AgentID, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		_ = h.Signal(id, true)
	}
	h.events.Close()
}

func (h *Host) get(id v1.AgentID) (*agent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[id]
	return a, ok
}

func (h *Host) remove(id v1.AgentID) {
	h.mu.Lock()
	delete(h.agents, id)
	h.mu.Unlock()
}

// readLoop is the single writer of the agent's output buffer. It splits the
// PTY stream into lines, feeds the prompt watcher, and flips the agent to
// Ready on the first visible prompt.
func (h *Host) readLoop(a *agent) {
	buf := make([]byte, 32768)
	var pending []byte

	for {
		n, err := a.proc.Read(buf)
		if n > 0 {
			data := buf[:n]
			a.watcher.Write(data)

			pending = append(pending, data...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := string(bytes.TrimRight(pending[:idx], "\r"))
				pending = pending[idx+1:]
				h.emitLine(a, line)
			}

			if a.getStatus() == v1.AgentStatusSpawning && a.watcher.AtPrompt() {
				h.markReady(a)
				// The ready prompt is not output: keep it out of the next line.
				if h.pattern != nil && h.pattern.Match(bytes.TrimRight(pending, "\r")) {
					pending = pending[:0]
				}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				h.emitLine(a, string(bytes.TrimRight(pending, "\r")))
			}
			return
		}
	}
}

func (h *Host) emitLine(a *agent, line string) {
	now := time.Now().UTC()
	a.buffer.append(OutputLine{Line: line, Timestamp: now})
	h.publish(v1.AgentEvent{
		Type:      v1.AgentEventOutputLine,
		AgentID:   a.id,
		Role:      a.role,
		Line:      line,
		Timestamp: now,
	})
}

func (h *Host) markReady(a *agent) {
	a.readyOnce.Do(func() {
		a.setStatus(v1.AgentStatusReady)
		h.publish(v1.AgentEvent{Type: v1.AgentEventReady, AgentID: a.id, Role: a.role, Timestamp: time.Now().UTC()})
		h.notify(events.AgentReady, a)
		close(a.readyCh)
	})
}

// waitLoop reaps the child and publishes the terminal event synchronously.
func (h *Host) waitLoop(a *agent) {
	st := a.proc.Wait()
	_ = a.proc.Close()

	shuttingDown := a.getStatus() == v1.AgentStatusShuttingDown
	now := time.Now().UTC()

	switch {
	case !shuttingDown && st.Signal != "":
		a.setStatus(v1.AgentStatusFailed)
		h.logger.Warn("agent crashed",
			zap.String("agent_id", string(a.id)),
			zap.String("signal", st.Signal))
		h.publish(v1.AgentEvent{Type: v1.AgentEventCrashed, AgentID: a.id, Role: a.role, Signal: st.Signal, ExitCode: st.Code, Timestamp: now})
		h.notify(events.AgentCrashed, a, "signal", st.Signal)
	default:
		if shuttingDown || st.Code == 0 {
			a.setStatus(v1.AgentStatusCompleted)
		} else {
			a.setStatus(v1.AgentStatusFailed)
		}
		h.logger.Info("agent exited",
			zap.String("agent_id", string(a.id)),
			zap.Int("exit_code", st.Code))
		h.publish(v1.AgentEvent{Type: v1.AgentEventExited, AgentID: a.id, Role: a.role, ExitCode: st.Code, Timestamp: now})
		h.notify(events.AgentExited, a, "exit_code", st.Code)
	}

	close(a.exitCh)
	h.remove(a.id)
}

func (h *Host) publish(ev v1.AgentEvent) {
	h.events.Publish(ev)
}

// notify publishes a lifecycle notice. kv is a flat key/value list for
// extra fields (exit code, signal).
func (h *Host) notify(eventType string, a *agent, kv ...any) {
	if h.bus == nil {
		return
	}
	n := bus.NewNotice(events.BuildAgentSubject(eventType, string(a.id)), "host").
		WithAgent(a.id).
		WithField("role", string(a.role))
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			n.WithField(key, kv[i+1])
		}
	}
	if err := h.bus.Publish(context.Background(), n); err != nil {
		h.logger.Warn("failed to publish agent notice", zap.Error(err))
	}
}
