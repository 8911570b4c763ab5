package director

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/host"
	"github.com/liminal/liminal/internal/router"
	"github.com/liminal/liminal/internal/territory"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

const testSentinel = "<<turn-complete>>"

// echoProcess simulates an agent CLI: it prints the ready prompt, answers
// every prompt line with a burst of work lines closed by the sentinel, and
// exits cleanly on Terminate.
type echoProcess struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	pending []byte

	done chan struct{}
	once sync.Once
	exit host.ExitStatus

	mute bool // when set, prompts go unanswered (timeout testing)
}

func newEchoProcess(mute bool) *echoProcess {
	r, w := io.Pipe()
	p := &echoProcess{outR: r, outW: w, done: make(chan struct{}), mute: mute}
	go p.feed("> ")
	return p
}

func (p *echoProcess) feed(s string) { _, _ = p.outW.Write([]byte(s)) }

func (p *echoProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *echoProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.pending = append(p.pending, b...)
	var lines []string
	for {
		idx := strings.IndexByte(string(p.pending), '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(p.pending[:idx]))
		p.pending = p.pending[idx+1:]
	}
	mute := p.mute
	p.mu.Unlock()

	if !mute {
		for range lines {
			go p.feed("working\ndone\n" + testSentinel + "\n> ")
		}
	}
	return len(b), nil
}

func (p *echoProcess) Close() error { return p.outR.Close() }
func (p *echoProcess) PID() int     { return 1 }

func (p *echoProcess) finish(st host.ExitStatus) {
	p.once.Do(func() {
		p.exit = st
		_ = p.outW.Close()
		close(p.done)
	})
}

func (p *echoProcess) Terminate() error { p.finish(host.ExitStatus{Code: 0}); return nil }
func (p *echoProcess) Kill() error {
	p.finish(host.ExitStatus{Code: 137, Signal: "killed"})
	return nil
}
func (p *echoProcess) Wait() host.ExitStatus { <-p.done; return p.exit }

// echoRuntime creates one echoProcess per spawn.
type echoRuntime struct {
	mu    sync.Mutex
	mute  bool
	procs []*echoProcess
}

func (r *echoRuntime) Start(ctx context.Context, spec host.ProcessSpec) (host.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := newEchoProcess(r.mute)
	r.procs = append(r.procs, p)
	return p, nil
}

type testStack struct {
	director  *Director
	host      *host.Host
	territory *territory.Manager
	router    *router.Router
	runtime   *echoRuntime
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	runtime := &echoRuntime{}
	agentHost, err := host.New(host.Config{
		CLIPath:         "agent",
		ScrollbackBytes: 64 * 1024,
		PromptMarker:    `^>\s*$`,
		ReadyTimeout:    time.Second,
		GracefulKill:    100 * time.Millisecond,
	}, runtime, nil, log)
	require.NoError(t, err)

	tm := territory.NewManager(territory.DefaultConfig(), nil, nil, log)
	require.NoError(t, tm.Start())
	t.Cleanup(func() { _ = tm.Stop() })

	rt := router.New(router.DefaultConfig(), nil, log)
	require.NoError(t, rt.Start())
	t.Cleanup(func() { _ = rt.Stop() })

	cfg := DefaultConfig()
	cfg.SessionsDir = t.TempDir()
	cfg.TurnSentinel = testSentinel
	cfg.TurnTimeout = 5 * time.Second

	d := New(cfg, agentHost, tm, rt, nil, nil, log)
	tm.SetNotifier(d.RevocationNotifier())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)
	t.Cleanup(agentHost.Close)

	return &testStack{director: d, host: agentHost, territory: tm, router: rt, runtime: runtime}
}

func writeRunbook(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runbook.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestExecuteLinearRunbook(t *testing.T) {
	stack := newTestStack(t)

	path := writeRunbook(t, `runbook: e2e
epoch: epoch-e2e
turn 1:
  role: systems
  timeout_ms: 5000
  leases: [src/api.ts]
  prompt: |
    Refactor the API for epoch {{.Epoch}} as {{.Role}}.
turn 2:
  role: systems
  timeout_ms: 5000
  leases: []
  prompt: |
    Verify the refactor.
`)

	summary, err := stack.director.LoadRunbook(path)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TurnCount)

	events, cancelEvents := stack.director.SubscribeEvents()
	defer cancelEvents()

	epochID, err := stack.director.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "epoch-e2e", epochID)

	require.NoError(t, stack.director.Wait())

	session := stack.director.Session()
	require.NotNil(t, session)
	require.Len(t, session.TurnSummaries, 2)
	for _, ts := range session.TurnSummaries {
		assert.Equal(t, v1.TurnStateCompleted, ts.State)
		assert.Greater(t, ts.OutputLines, 0)
	}

	// Leases are all released after the run.
	assert.Empty(t, stack.director.LeaseSnapshot())

	// The terminal event reached the subscriber.
	var sawCompleted bool
	timeout := time.After(time.Second)
	for !sawCompleted {
		select {
		case ev := <-events:
			if ev.Type == v1.EventRunbookCompleted {
				sawCompleted = true
			}
		case <-timeout:
			t.Fatal("RunbookCompleted not observed")
		}
	}

	// The journal replays to the same turn outcomes.
	replayed, err := stack.director.Replay(epochID)
	require.NoError(t, err)
	assert.True(t, replayed.Completed)
	require.Len(t, replayed.Summaries, 2)

	// The session layout is on disk.
	output, err := os.ReadFile(filepath.Join(stack.director.cfg.SessionsDir, epochID, "turns", "1", "output"))
	require.NoError(t, err)
	assert.Contains(t, string(output), testSentinel)
	meta, err := os.ReadFile(filepath.Join(stack.director.cfg.SessionsDir, epochID, "turns", "1", "meta"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "COMPLETED")
}

func TestTurnTimeoutMarksFailedAndContinues(t *testing.T) {
	stack := newTestStack(t)
	stack.runtime.mute = true // agents never answer

	path := writeRunbook(t, `runbook: timeouts
turn 1:
  role: systems
  timeout_ms: 200
  leases: []
  prompt: |
    This prompt will never be answered.
`)

	_, err := stack.director.LoadRunbook(path)
	require.NoError(t, err)

	_, err = stack.director.Execute(context.Background())
	require.NoError(t, err)
	require.Error(t, stack.director.Wait())

	session := stack.director.Session()
	require.Len(t, session.TurnSummaries, 1)
	assert.Equal(t, v1.TurnStateFailed, session.TurnSummaries[0].State)
	assert.Equal(t, "TURN_TIMEOUT", session.TurnSummaries[0].FailureKind)
	assert.Empty(t, stack.director.LeaseSnapshot())
}

func TestExecuteWithoutRunbook(t *testing.T) {
	stack := newTestStack(t)
	_, err := stack.director.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNoRunbook)
}

func TestLoadRunbookParseError(t *testing.T) {
	stack := newTestStack(t)
	path := writeRunbook(t, "runbook: broken\nbudget: nope\n")
	_, err := stack.director.LoadRunbook(path)
	require.Error(t, err)
}
