package territory

import (
	"container/heap"
	"time"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// waiter is one deferred lease request parked on a resource.
type waiter struct {
	requester   v1.AgentID
	resource    string
	priority    v1.Priority
	ttl         time.Duration
	requestedAt time.Time
	wake        chan *v1.Lease
	cancelled   bool
	index       int // index in the heap (used by container/heap)
}

// waiterHeap implements heap.Interface for the per-resource deferral queue.
// FIFO by requested_at; ties broken by lower agent id for determinism.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if !h[i].requestedAt.Equal(h[j].requestedAt) {
		return h[i].requestedAt.Before(h[j].requestedAt)
	}
	return h[i].requester < h[j].requester
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*waiter)
	item.index = n
	*h = append(*h, item)
}

func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// waitQueue is the deferral queue for a single resource.
type waitQueue struct {
	heap waiterHeap
}

func newWaitQueue() *waitQueue {
	q := &waitQueue{heap: make(waiterHeap, 0)}
	heap.Init(&q.heap)
	return q
}

func (q *waitQueue) push(w *waiter) {
	heap.Push(&q.heap, w)
}

// pop removes and returns the head of the queue, skipping cancelled waiters.
// Returns nil when the queue has no live waiter left.
func (q *waitQueue) pop() *waiter {
	for q.heap.Len() > 0 {
		w := heap.Pop(&q.heap).(*waiter)
		if !w.cancelled {
			return w
		}
	}
	return nil
}

// remove drops a specific waiter from the queue.
func (q *waitQueue) remove(w *waiter) {
	if w.index >= 0 && w.index < q.heap.Len() && q.heap[w.index] == w {
		heap.Remove(&q.heap, w.index)
	}
	w.cancelled = true
}

// live returns the non-cancelled waiters in no particular order.
func (q *waitQueue) live() []*waiter {
	out := make([]*waiter, 0, q.heap.Len())
	for _, w := range q.heap {
		if !w.cancelled {
			out = append(out, w)
		}
	}
	return out
}

func (q *waitQueue) empty() bool {
	for _, w := range q.heap {
		if !w.cancelled {
			return false
		}
	}
	return true
}
