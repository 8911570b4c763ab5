package host

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liminal/liminal/internal/common/logger"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// fakeProcess is an in-memory Process: the test script writes agent output
// through feed() and reads whatever the host wrote to stdin.
type fakeProcess struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu    sync.Mutex
	stdin []byte

	done chan struct{}
	once sync.Once
	exit ExitStatus
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{outR: r, outW: w, done: make(chan struct{})}
}

func (p *fakeProcess) feed(s string) { _, _ = p.outW.Write([]byte(s)) }

func (p *fakeProcess) finish(st ExitStatus) {
	p.once.Do(func() {
		p.exit = st
		_ = p.outW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdin = append(p.stdin, b...)
	return len(b), nil
}

func (p *fakeProcess) stdinString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.stdin)
}

func (p *fakeProcess) Close() error     { return p.outR.Close() }
func (p *fakeProcess) PID() int         { return 4242 }
func (p *fakeProcess) Terminate() error { p.finish(ExitStatus{Code: 0}); return nil }
func (p *fakeProcess) Kill() error {
	p.finish(ExitStatus{Code: 137, Signal: "killed"})
	return nil
}

func (p *fakeProcess) Wait() ExitStatus {
	<-p.done
	return p.exit
}

// fakeRuntime hands out scripted processes in order.
type fakeRuntime struct {
	mu    sync.Mutex
	procs []*fakeProcess
	next  int
	err   error
}

func (r *fakeRuntime) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.next >= len(r.procs) {
		return nil, errors.New("no scripted process left")
	}
	p := r.procs[r.next]
	r.next++
	return p, nil
}

func newTestHost(t *testing.T, runtime Runtime) *Host {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	h, err := New(Config{
		CLIPath:         "agent",
		ScrollbackBytes: 64 * 1024,
		PromptMarker:    `^>\s*$`,
		ReadyTimeout:    500 * time.Millisecond,
		GracefulKill:    100 * time.Millisecond,
	}, runtime, nil, log)
	require.NoError(t, err)
	return h
}

func TestSpawnBecomesReadyOnPrompt(t *testing.T) {
	proc := newFakeProcess()
	h := newTestHost(t, &fakeRuntime{procs: []*fakeProcess{proc}})

	go func() {
		time.Sleep(10 * time.Millisecond)
		proc.feed("agent booting\r\n> ")
	}()

	id, err := h.Spawn(context.Background(), SpawnRequest{Role: v1.RoleSystems})
	require.NoError(t, err)

	status, ok := h.Status(id)
	require.True(t, ok)
	assert.Equal(t, v1.AgentStatusReady, status)

	info, ok := h.Info(id)
	require.True(t, ok)
	assert.Equal(t, 4242, info.PID)
	assert.Equal(t, v1.RoleSystems, info.Role)

	proc.finish(ExitStatus{Code: 0})
}

func TestSpawnReadyTimeout(t *testing.T) {
	proc := newFakeProcess()
	h := newTestHost(t, &fakeRuntime{procs: []*fakeProcess{proc}})

	_, err := h.Spawn(context.Background(), SpawnRequest{Role: v1.RoleSystems})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadyTimeout)
}

func TestSpawnRuntimeFailure(t *testing.T) {
	h := newTestHost(t, &fakeRuntime{err: errors.New("no such binary")})

	_, err := h.Spawn(context.Background(), SpawnRequest{Role: v1.RoleSystems})
	require.Error(t, err)
	assert.Empty(t, h.List())
}

func TestOutputLinesReachSubscribers(t *testing.T) {
	proc := newFakeProcess()
	h := newTestHost(t, &fakeRuntime{procs: []*fakeProcess{proc}})

	eventsCh, cancel := h.Events()
	defer cancel()

	go proc.feed("> ")
	id, err := h.Spawn(context.Background(), SpawnRequest{Role: v1.RoleResearch})
	require.NoError(t, err)

	proc.feed("line one\nline two\n")

	var lines []string
	deadline := time.After(time.Second)
	for len(lines) < 2 {
		select {
		case ev := <-eventsCh:
			if ev.Type == v1.AgentEventOutputLine && ev.AgentID == id {
				lines = append(lines, ev.Line)
			}
		case <-deadline:
			t.Fatalf("only saw %d lines", len(lines))
		}
	}
	assert.Equal(t, []string{"line one", "line two"}, lines)

	scrollback, ok := h.Scrollback(id)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(scrollback), 2)

	proc.finish(ExitStatus{Code: 0})
}

func TestWriteRequiresReadyOrExecuting(t *testing.T) {
	proc := newFakeProcess()
	h := newTestHost(t, &fakeRuntime{procs: []*fakeProcess{proc}})

	go proc.feed("> ")
	id, err := h.Spawn(context.Background(), SpawnRequest{Role: v1.RoleSystems})
	require.NoError(t, err)

	require.NoError(t, h.Write(id, []byte("do the work\n")))
	assert.Equal(t, "do the work\n", proc.stdinString())

	require.NoError(t, h.SetExecuting(id))
	require.NoError(t, h.Write(id, []byte("more\n")))

	require.NoError(t, h.SetReady(id))
	require.NoError(t, h.SetError(id))
	assert.ErrorIs(t, h.Write(id, []byte("x")), ErrNotWritable)

	assert.ErrorIs(t, h.Write("ghost", []byte("x")), ErrAgentNotFound)

	proc.finish(ExitStatus{Code: 0})
}

func TestCrashedEventOnSignalDeath(t *testing.T) {
	proc := newFakeProcess()
	h := newTestHost(t, &fakeRuntime{procs: []*fakeProcess{proc}})

	eventsCh, cancel := h.Events()
	defer cancel()

	go proc.feed("> ")
	id, err := h.Spawn(context.Background(), SpawnRequest{Role: v1.RoleSystems})
	require.NoError(t, err)

	proc.finish(ExitStatus{Code: 137, Signal: "killed"})

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-eventsCh:
			if ev.Type == v1.AgentEventCrashed && ev.AgentID == id {
				assert.Equal(t, "killed", ev.Signal)
				// The agent is reaped after the terminal event.
				require.Eventually(t, func() bool {
					_, ok := h.Status(id)
					return !ok
				}, time.Second, 10*time.Millisecond)
				return
			}
		case <-deadline:
			t.Fatal("crash event not observed")
		}
	}
}

func TestGracefulSignalExits(t *testing.T) {
	proc := newFakeProcess()
	h := newTestHost(t, &fakeRuntime{procs: []*fakeProcess{proc}})

	eventsCh, cancel := h.Events()
	defer cancel()

	go proc.feed("> ")
	id, err := h.Spawn(context.Background(), SpawnRequest{Role: v1.RoleSystems})
	require.NoError(t, err)

	require.NoError(t, h.Signal(id, true))

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-eventsCh:
			if ev.Type == v1.AgentEventExited && ev.AgentID == id {
				// Shutdown exits are never reported as crashes.
				return
			}
			if ev.Type == v1.AgentEventCrashed && ev.AgentID == id {
				t.Fatal("graceful shutdown reported as crash")
			}
		case <-deadline:
			t.Fatal("exit event not observed")
		}
	}
}

func TestFindReady(t *testing.T) {
	proc := newFakeProcess()
	h := newTestHost(t, &fakeRuntime{procs: []*fakeProcess{proc}})

	go proc.feed("> ")
	id, err := h.Spawn(context.Background(), SpawnRequest{Role: v1.RoleInterface})
	require.NoError(t, err)

	found, ok := h.FindReady(v1.RoleInterface)
	require.True(t, ok)
	assert.Equal(t, id, found)

	_, ok = h.FindReady(v1.RoleResearch)
	assert.False(t, ok)

	require.NoError(t, h.SetExecuting(id))
	_, ok = h.FindReady(v1.RoleInterface)
	assert.False(t, ok, "executing agents are not ready")

	proc.finish(ExitStatus{Code: 0})
}
