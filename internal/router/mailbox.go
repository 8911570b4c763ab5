package router

import (
	"time"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// mailbox is the per-recipient queue group: one FIFO sub-queue per priority
// class. Aging is applied at dequeue time via effective priority, so the
// stored queues stay strictly FIFO within a class.
type mailbox struct {
	queues [v1.NumPriorities][]*v1.Message
	total  int

	// notify wakes a blocked receiver. Capacity 1: a single pending
	// wake-up is enough because receivers re-scan the queues.
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (mb *mailbox) push(msg *v1.Message) {
	mb.queues[msg.Priority] = append(mb.queues[msg.Priority], msg)
	mb.total++
	mb.wake()
}

// pushFront reinserts a message at the head of its class (critical
// redelivery path).
func (mb *mailbox) pushFront(msg *v1.Message) {
	q := mb.queues[msg.Priority]
	mb.queues[msg.Priority] = append([]*v1.Message{msg}, q...)
	mb.total++
	mb.wake()
}

func (mb *mailbox) wake() {
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

func (mb *mailbox) len() int { return mb.total }

// pop removes and returns the next message under the aging policy:
//
//  1. A waiting Critical message always wins.
//  2. Otherwise every class head competes on effective priority
//     base + floor(waiting / ageStep); ties break on enqueued_at.
//
// Within a class older messages are at the head, so the per-class head is
// that class's best candidate and the scan stays O(classes).
func (mb *mailbox) pop(now time.Time, ageStep time.Duration) *v1.Message {
	if len(mb.queues[v1.PriorityCritical]) > 0 {
		return mb.popClass(v1.PriorityCritical)
	}

	best := v1.Priority(-1)
	bestEff := int64(-1)
	var bestAt time.Time
	for prio := v1.PriorityInfo; prio < v1.PriorityCritical; prio++ {
		q := mb.queues[prio]
		if len(q) == 0 {
			continue
		}
		head := q[0]
		eff := int64(prio)
		if ageStep > 0 {
			eff += int64(now.Sub(head.EnqueuedAt) / ageStep)
		}
		if eff > bestEff || (eff == bestEff && head.EnqueuedAt.Before(bestAt)) {
			best = prio
			bestEff = eff
			bestAt = head.EnqueuedAt
		}
	}
	if best < 0 {
		return nil
	}
	return mb.popClass(best)
}

func (mb *mailbox) popClass(prio v1.Priority) *v1.Message {
	q := mb.queues[prio]
	msg := q[0]
	mb.queues[prio] = q[1:]
	mb.total--
	return msg
}

// promoteExpired moves Blocking messages whose deadline has passed into the
// Critical class in place, bumping enqueued_at. Returns the promoted
// messages so the router can emit director events.
func (mb *mailbox) promoteExpired(now time.Time) []*v1.Message {
	var promoted []*v1.Message
	var keep []*v1.Message
	for _, msg := range mb.queues[v1.PriorityBlocking] {
		if msg.Deadline != nil && now.After(*msg.Deadline) {
			msg.Priority = v1.PriorityCritical
			msg.EnqueuedAt = now
			mb.queues[v1.PriorityCritical] = append(mb.queues[v1.PriorityCritical], msg)
			promoted = append(promoted, msg)
			continue
		}
		keep = append(keep, msg)
	}
	mb.queues[v1.PriorityBlocking] = keep
	if len(promoted) > 0 {
		mb.wake()
	}
	return promoted
}
