package director

import (
	"testing"
	"time"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(v1.ExecutionEvent{Type: v1.EventTurnStarted, EpochID: "e1", TurnID: 1})

	for i, ch := range []<-chan v1.ExecutionEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != v1.EventTurnStarted {
				t.Errorf("subscriber %d: wrong event type %s", i, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: event not delivered", i)
		}
	}
}

func TestBroadcastSlowSubscriberLosesIntermediates(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	// Overflow the buffer with intermediate events; none may block.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(v1.ExecutionEvent{Type: v1.EventTurnProgress, EpochID: "e1", TurnID: i})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received > subscriberBuffer {
		t.Errorf("expected at most %d buffered events, got %d", subscriberBuffer, received)
	}
}

func TestBroadcastTerminalEventSurvivesFullBuffer(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(v1.ExecutionEvent{Type: v1.EventTurnProgress, EpochID: "e1", TurnID: i})
	}
	b.Publish(v1.ExecutionEvent{Type: v1.EventRunbookCompleted, EpochID: "e1"})

	var sawTerminal bool
	for {
		select {
		case ev := <-ch:
			if ev.Type == v1.EventRunbookCompleted {
				sawTerminal = true
			}
			continue
		default:
		}
		break
	}
	if !sawTerminal {
		t.Fatal("terminal event was dropped for a slow subscriber")
	}
}

func TestBroadcastCancelClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(v1.ExecutionEvent{Type: v1.EventRunbookCompleted, EpochID: "e1"})
}
