package territory

import (
	"fmt"
	"testing"
	"time"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

func TestWaitQueueFIFOOrder(t *testing.T) {
	q := newWaitQueue()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Pushed out of order; pop must follow requested_at.
	for _, i := range []int{3, 1, 4, 0, 2} {
		q.push(&waiter{
			requester:   v1.AgentID(fmt.Sprintf("agent-%d", i)),
			requestedAt: base.Add(time.Duration(i) * time.Second),
			wake:        make(chan *v1.Lease, 1),
		})
	}

	for i := 0; i < 5; i++ {
		w := q.pop()
		if w == nil {
			t.Fatalf("pop %d returned nil", i)
		}
		expected := v1.AgentID(fmt.Sprintf("agent-%d", i))
		if w.requester != expected {
			t.Errorf("pop %d: expected %s, got %s", i, expected, w.requester)
		}
	}
	if q.pop() != nil {
		t.Error("empty queue should pop nil")
	}
}

func TestWaitQueueSkipsCancelled(t *testing.T) {
	q := newWaitQueue()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := &waiter{requester: "agent-a", requestedAt: base, wake: make(chan *v1.Lease, 1)}
	second := &waiter{requester: "agent-b", requestedAt: base.Add(time.Second), wake: make(chan *v1.Lease, 1)}
	q.push(first)
	q.push(second)

	q.remove(first)
	if q.empty() {
		t.Fatal("queue still has a live waiter")
	}

	w := q.pop()
	if w == nil || w.requester != "agent-b" {
		t.Fatalf("expected agent-b after cancellation, got %v", w)
	}
	if !q.empty() {
		t.Error("queue should be empty")
	}
}
