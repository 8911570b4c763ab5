package territory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liminal/liminal/internal/common/logger"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

type recordingNotifier struct {
	mu      sync.Mutex
	revoked []string // "<holder>:<resource>"
}

func (n *recordingNotifier) NotifyRevoked(holder v1.AgentID, resource string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revoked = append(n.revoked, string(holder)+":"+resource)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.revoked...)
}

func newTestManager(t *testing.T) (*Manager, *recordingNotifier) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	m := NewManager(DefaultConfig(), notifier, nil, log)
	return m, notifier
}

func TestGrantOnFreeResource(t *testing.T) {
	m, _ := newTestManager(t)

	result := m.Request("agent-a", "src/api.ts", v1.PriorityCoordinate, 30*time.Second)
	require.Equal(t, v1.LeaseGranted, result.Decision)
	require.NotNil(t, result.Lease)
	assert.Equal(t, v1.AgentID("agent-a"), result.Lease.Holder)

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "src/api.ts", snapshot[0].Resource)
}

func TestAtMostOneLeasePerResource(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 20; i++ {
		agent := v1.AgentID(fmt.Sprintf("agent-%02d", i))
		m.Request(agent, "shared.go", v1.PriorityCoordinate, 30*time.Second)
		seen := map[string]int{}
		for _, lease := range m.Snapshot() {
			seen[lease.Resource]++
		}
		assert.LessOrEqual(t, seen["shared.go"], 1)
	}
}

func TestPreemptionByHigherPriority(t *testing.T) {
	m, notifier := newTestManager(t)

	low := m.Request("agent-a", "src/api.ts", v1.PriorityCoordinate, 30*time.Second)
	require.Equal(t, v1.LeaseGranted, low.Decision)

	high := m.Request("agent-b", "src/api.ts", v1.PriorityBlocking, 30*time.Second)
	require.Equal(t, v1.LeaseGranted, high.Decision)

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, v1.AgentID("agent-b"), snapshot[0].Holder)

	revoked := notifier.all()
	require.Len(t, revoked, 1)
	assert.Equal(t, "agent-a:src/api.ts", revoked[0])
}

func TestDeferralWithETA(t *testing.T) {
	m, _ := newTestManager(t)

	granted := m.Request("agent-a", "Button.tsx", v1.PriorityBlocking, 20*time.Second)
	require.Equal(t, v1.LeaseGranted, granted.Decision)

	deferred := m.Request("agent-b", "Button.tsx", v1.PriorityCoordinate, 10*time.Second)
	require.Equal(t, v1.LeaseDeferred, deferred.Decision)
	assert.InDelta(t, 20*time.Second, deferred.ETA, float64(time.Second))
	require.NotNil(t, deferred.Wake)

	// Holder releases; the deferred requester is granted automatically.
	m.Release("agent-a", "Button.tsx")

	select {
	case lease := <-deferred.Wake:
		require.NotNil(t, lease)
		assert.Equal(t, v1.AgentID("agent-b"), lease.Holder)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("deferred requester was not granted on release")
	}
}

func TestEqualHighPriorityEscalates(t *testing.T) {
	m, _ := newTestManager(t)

	granted := m.Request("agent-a", "R", v1.PriorityBlocking, 30*time.Second)
	require.Equal(t, v1.LeaseGranted, granted.Decision)

	escB := m.Request("agent-b", "R", v1.PriorityBlocking, 30*time.Second)
	require.Equal(t, v1.LeaseEscalated, escB.Decision)
	require.NotNil(t, escB.Escalation)
	assert.False(t, escB.Escalation.Deadlock)

	escC := m.Request("agent-c", "R", v1.PriorityBlocking, 30*time.Second)
	require.Equal(t, v1.LeaseEscalated, escC.Decision)

	// No grant occurs until resolve_escalation.
	assert.Equal(t, v1.AgentID("agent-a"), m.Snapshot()[0].Holder)
	assert.Len(t, m.Escalations(), 2)

	require.NoError(t, m.Resolve(escB.Escalation.ID, v1.DecisionGrant))
	snapshot := m.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, v1.AgentID("agent-b"), snapshot[0].Holder)
	assert.Len(t, m.Escalations(), 1)
}

func TestResolveDenyKeepsHolder(t *testing.T) {
	m, _ := newTestManager(t)

	m.Request("agent-a", "R", v1.PriorityBlocking, 30*time.Second)
	esc := m.Request("agent-b", "R", v1.PriorityBlocking, 30*time.Second)
	require.Equal(t, v1.LeaseEscalated, esc.Decision)

	require.NoError(t, m.Resolve(esc.Escalation.ID, v1.DecisionDeny))
	assert.Equal(t, v1.AgentID("agent-a"), m.Snapshot()[0].Holder)
	assert.Empty(t, m.Escalations())
}

func TestResolveUnknownEscalation(t *testing.T) {
	m, _ := newTestManager(t)
	assert.ErrorIs(t, m.Resolve("nope", v1.DecisionGrant), ErrUnknownEscalation)
}

func TestDeadlockDetection(t *testing.T) {
	m, _ := newTestManager(t)

	// A holds X, B holds Y.
	require.Equal(t, v1.LeaseGranted, m.Request("agent-a", "X", v1.PriorityCoordinate, 30*time.Second).Decision)
	require.Equal(t, v1.LeaseGranted, m.Request("agent-b", "Y", v1.PriorityCoordinate, 30*time.Second).Decision)

	// B waits on X (edge B→A).
	deferred := m.Request("agent-b", "X", v1.PriorityInfo, 30*time.Second)
	require.Equal(t, v1.LeaseDeferred, deferred.Decision)

	// A requesting Y would close the cycle A→B→A.
	result := m.Request("agent-a", "Y", v1.PriorityInfo, 30*time.Second)
	require.Equal(t, v1.LeaseEscalated, result.Decision)
	require.NotNil(t, result.Escalation)
	assert.True(t, result.Escalation.Deadlock)

	// No lease state changed.
	snapshot := m.Snapshot()
	holders := map[string]v1.AgentID{}
	for _, lease := range snapshot {
		holders[lease.Resource] = lease.Holder
	}
	assert.Equal(t, v1.AgentID("agent-a"), holders["X"])
	assert.Equal(t, v1.AgentID("agent-b"), holders["Y"])
}

func TestEqualPriorityFIFOFairness(t *testing.T) {
	m, _ := newTestManager(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	require.Equal(t, v1.LeaseGranted, m.Request("holder", "hot.go", v1.PriorityCoordinate, time.Minute).Decision)

	const n = 100
	wakes := make([]<-chan *v1.Lease, 0, n)
	for i := 0; i < n; i++ {
		current = base.Add(time.Duration(i+1) * time.Millisecond)
		agent := v1.AgentID(fmt.Sprintf("agent-%03d", i))
		result := m.Request(agent, "hot.go", v1.PriorityCoordinate, time.Minute)
		require.Equal(t, v1.LeaseDeferred, result.Decision)
		wakes = append(wakes, result.Wake)
	}

	holder := v1.AgentID("holder")
	for i := 0; i < n; i++ {
		m.Release(holder, "hot.go")
		select {
		case lease := <-wakes[i]:
			require.NotNil(t, lease, "waiter %d", i)
			expected := v1.AgentID(fmt.Sprintf("agent-%03d", i))
			require.Equal(t, expected, lease.Holder, "grant order broke at %d", i)
			holder = lease.Holder
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("waiter %d was not granted in order", i)
		}
	}
}

func TestTieBreakByAgentID(t *testing.T) {
	m, _ := newTestManager(t)

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	require.Equal(t, v1.LeaseGranted, m.Request("holder", "r", v1.PriorityCoordinate, time.Minute).Decision)

	wakeB := m.Request("agent-b", "r", v1.PriorityCoordinate, time.Minute).Wake
	wakeA := m.Request("agent-a", "r", v1.PriorityCoordinate, time.Minute).Wake

	m.Release("holder", "r")
	select {
	case lease := <-wakeA:
		require.NotNil(t, lease)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("lower agent id should win the tie")
	}
	select {
	case <-wakeB:
		t.Fatal("agent-b granted out of order")
	default:
	}
}

func TestPreemptionThenReleaseGrantsDeferralHead(t *testing.T) {
	m, _ := newTestManager(t)

	require.Equal(t, v1.LeaseGranted, m.Request("agent-low", "f.go", v1.PriorityCoordinate, time.Minute).Decision)

	deferred := m.Request("agent-info", "f.go", v1.PriorityInfo, time.Minute)
	require.Equal(t, v1.LeaseDeferred, deferred.Decision)

	// High priority preempts the holder; the deferral queue survives.
	require.Equal(t, v1.LeaseGranted, m.Request("agent-high", "f.go", v1.PriorityCritical, time.Minute).Decision)

	// When the preemptor releases, the queue head is granted.
	m.Release("agent-high", "f.go")
	select {
	case lease := <-deferred.Wake:
		require.NotNil(t, lease)
		assert.Equal(t, v1.AgentID("agent-info"), lease.Holder)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("deferral head not granted after preemptor release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	m.Release("agent-a", "nothing.go")

	require.Equal(t, v1.LeaseGranted, m.Request("agent-a", "x.go", v1.PriorityInfo, time.Minute).Decision)
	m.Release("agent-b", "x.go") // not the holder, no-op
	require.Len(t, m.Snapshot(), 1)
	m.Release("agent-a", "x.go")
	m.Release("agent-a", "x.go")
	require.Empty(t, m.Snapshot())
}

func TestExtend(t *testing.T) {
	m, _ := newTestManager(t)

	result := m.Request("agent-a", "x.go", v1.PriorityInfo, time.Minute)
	require.Equal(t, v1.LeaseGranted, result.Decision)
	before := result.Lease.ExpiresAt

	require.NoError(t, m.Extend("agent-a", "x.go", 30*time.Second))
	assert.Equal(t, before.Add(30*time.Second), m.Snapshot()[0].ExpiresAt)

	assert.ErrorIs(t, m.Extend("agent-b", "x.go", time.Second), ErrNotHolder)
	assert.ErrorIs(t, m.Extend("agent-a", "missing.go", time.Second), ErrNotHolder)
}

func TestExpiryGrantsNextRequester(t *testing.T) {
	m, _ := newTestManager(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	require.Equal(t, v1.LeaseGranted, m.Request("agent-a", "x.go", v1.PriorityCoordinate, 10*time.Second).Decision)
	deferred := m.Request("agent-b", "x.go", v1.PriorityInfo, time.Minute)
	require.Equal(t, v1.LeaseDeferred, deferred.Decision)

	current = base.Add(11 * time.Second)
	m.expire()

	select {
	case lease := <-deferred.Wake:
		require.NotNil(t, lease)
		assert.Equal(t, v1.AgentID("agent-b"), lease.Holder)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expiry did not grant the queued requester")
	}
	assert.Empty(t, m.Escalations(), "expiry must never escalate")
}

func TestOnAgentLost(t *testing.T) {
	m, _ := newTestManager(t)

	require.Equal(t, v1.LeaseGranted, m.Request("agent-a", "f1", v1.PriorityCoordinate, time.Minute).Decision)
	require.Equal(t, v1.LeaseGranted, m.Request("agent-a", "f2", v1.PriorityCoordinate, time.Minute).Decision)
	require.Equal(t, v1.LeaseGranted, m.Request("agent-b", "f3", v1.PriorityCoordinate, time.Minute).Decision)

	// Two pending requests from the doomed agent.
	w1 := m.Request("agent-a", "f3", v1.PriorityInfo, time.Minute)
	require.Equal(t, v1.LeaseDeferred, w1.Decision)
	w2 := m.Request("agent-a", "f3", v1.PriorityInfo, time.Minute)
	require.Equal(t, v1.LeaseDeferred, w2.Decision)

	m.OnAgentLost("agent-a")

	for _, lease := range m.Snapshot() {
		assert.NotEqual(t, v1.AgentID("agent-a"), lease.Holder)
	}
	for _, pending := range m.PendingRequests() {
		assert.NotEqual(t, v1.AgentID("agent-a"), pending.Requester)
	}

	// Cancelled wake channels close without a grant.
	for i, wake := range []<-chan *v1.Lease{w1.Wake, w2.Wake} {
		select {
		case lease, ok := <-wake:
			if ok && lease != nil {
				t.Fatalf("pending request %d granted after agent loss", i)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("wake %d not closed after agent loss", i)
		}
	}
}

func TestCancelDeferredRequest(t *testing.T) {
	m, _ := newTestManager(t)

	require.Equal(t, v1.LeaseGranted, m.Request("agent-a", "x", v1.PriorityCoordinate, time.Minute).Decision)
	deferred := m.Request("agent-b", "x", v1.PriorityInfo, time.Minute)
	require.Equal(t, v1.LeaseDeferred, deferred.Decision)

	deferred.Cancel()
	m.Release("agent-a", "x")

	select {
	case lease, ok := <-deferred.Wake:
		if ok && lease != nil {
			t.Fatal("cancelled request must not be granted")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("cancelled wake channel should be closed")
	}
	assert.Empty(t, m.Snapshot())
}

func TestTickLoopExpiry(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.Tick = 10 * time.Millisecond
	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	require.Equal(t, v1.LeaseGranted, m.Request("agent-a", "x", v1.PriorityInfo, 20*time.Millisecond).Decision)

	deadline := time.After(time.Second)
	for {
		if len(m.Snapshot()) == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("lease not expired by tick loop")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
