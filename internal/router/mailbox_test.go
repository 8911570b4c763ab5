package router

import (
	"testing"
	"time"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

func mkMsg(prio v1.Priority, enqueued time.Time, payload string) *v1.Message {
	return &v1.Message{
		Priority:   prio,
		EnqueuedAt: enqueued,
		Payload:    []byte(payload),
	}
}

func TestMailboxPopEmpty(t *testing.T) {
	mb := newMailbox()
	if got := mb.pop(time.Now(), 10*time.Second); got != nil {
		t.Fatalf("expected nil from empty mailbox, got %v", got)
	}
}

func TestMailboxCriticalAlwaysFirst(t *testing.T) {
	mb := newMailbox()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mb.push(mkMsg(v1.PriorityInfo, base.Add(-time.Hour), "ancient-info"))
	mb.push(mkMsg(v1.PriorityCritical, base, "critical"))

	got := mb.pop(base, 10*time.Second)
	if string(got.Payload) != "critical" {
		t.Errorf("expected critical first, got %s", got.Payload)
	}
}

func TestMailboxEffectivePriority(t *testing.T) {
	mb := newMailbox()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Info waited 15s (effective 1), Coordinate is fresh (effective 1):
	// the older enqueued_at wins the tie.
	mb.push(mkMsg(v1.PriorityInfo, base.Add(-15*time.Second), "aged-info"))
	mb.push(mkMsg(v1.PriorityCoordinate, base, "fresh-coordinate"))

	got := mb.pop(base, 10*time.Second)
	if string(got.Payload) != "aged-info" {
		t.Errorf("expected aged info to win the tie, got %s", got.Payload)
	}
}

func TestMailboxZeroAgeStepDisablesAging(t *testing.T) {
	mb := newMailbox()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mb.push(mkMsg(v1.PriorityInfo, base.Add(-time.Hour), "info"))
	mb.push(mkMsg(v1.PriorityCoordinate, base, "coordinate"))

	got := mb.pop(base, 0)
	if string(got.Payload) != "coordinate" {
		t.Errorf("without aging the higher class wins, got %s", got.Payload)
	}
}

func TestMailboxPromoteExpired(t *testing.T) {
	mb := newMailbox()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	past := base.Add(-time.Second)
	future := base.Add(time.Minute)

	expired := mkMsg(v1.PriorityBlocking, base.Add(-10*time.Second), "expired")
	expired.Deadline = &past
	live := mkMsg(v1.PriorityBlocking, base.Add(-10*time.Second), "live")
	live.Deadline = &future
	mb.push(expired)
	mb.push(live)

	promoted := mb.promoteExpired(base)
	if len(promoted) != 1 {
		t.Fatalf("expected 1 promotion, got %d", len(promoted))
	}
	if promoted[0].Priority != v1.PriorityCritical {
		t.Errorf("promoted message should be critical")
	}
	if !promoted[0].EnqueuedAt.Equal(base) {
		t.Errorf("promotion must bump enqueued_at")
	}

	got := mb.pop(base, 10*time.Second)
	if string(got.Payload) != "expired" {
		t.Errorf("promoted message should dequeue first, got %s", got.Payload)
	}
	got = mb.pop(base, 10*time.Second)
	if string(got.Payload) != "live" {
		t.Errorf("remaining blocking message expected, got %s", got.Payload)
	}
}

func TestMailboxPushFront(t *testing.T) {
	mb := newMailbox()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := mkMsg(v1.PriorityCritical, base, "first")
	second := mkMsg(v1.PriorityCritical, base.Add(time.Second), "second")
	mb.push(first)
	mb.push(second)

	got := mb.pop(base, 10*time.Second)
	mb.pushFront(got)

	again := mb.pop(base, 10*time.Second)
	if string(again.Payload) != "first" {
		t.Errorf("pushFront should keep the redelivered message at the head, got %s", again.Payload)
	}
}
