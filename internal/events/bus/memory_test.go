package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liminal/liminal/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return log
}

func TestMatcher(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"lease.granted", "lease.granted", true},
		{"lease.granted", "lease.revoked", false},
		{"lease.*", "lease.granted", true},
		{"lease.*", "lease.granted.extra", false},
		{"agent.exited.*", "agent.exited.systems-1a2b3c4d", true},
		{"agent.>", "agent.crashed.systems-1a2b3c4d", true},
		{"agent.>", "agent", false},
		{"*", "lease", true},
		{"*", "lease.granted", false},
	}
	for _, tt := range tests {
		m := compileMatcher(tt.pattern)
		if got := m.matches(tt.subject); got != tt.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBusDeliversLeaseNotice(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan *Notice, 1)
	_, err := b.Subscribe("lease.granted", func(ctx context.Context, n *Notice) error {
		received <- n
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	notice := NewNotice("lease.granted", "territory").
		WithAgent("systems-1a2b3c4d").
		WithResource("src/api.ts").
		WithField("priority", "coordinate")
	if err := b.Publish(context.Background(), notice); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Resource != "src/api.ts" {
			t.Errorf("expected resource src/api.ts, got %s", got.Resource)
		}
		if got.AgentID != "systems-1a2b3c4d" {
			t.Errorf("expected holder agent id, got %s", got.AgentID)
		}
		if got.Field("priority") != "coordinate" {
			t.Errorf("expected priority field, got %v", got.Fields)
		}
		if got.ID == "" || got.Timestamp.IsZero() {
			t.Error("notice id and timestamp must be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("notice not delivered")
	}
}

func TestMemoryBusWildcardSubscription(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	_, err := b.Subscribe("lease.*", func(ctx context.Context, n *Notice) error {
		count.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), NewNotice("lease.granted", "territory"))
	_ = b.Publish(context.Background(), NewNotice("lease.revoked", "territory"))
	_ = b.Publish(context.Background(), NewNotice("agent.ready", "host")) // no match

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("wildcard notices not delivered")
	}
	time.Sleep(20 * time.Millisecond)
	if count.Load() != 2 {
		t.Errorf("expected 2 deliveries, got %d", count.Load())
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	var count atomic.Int32
	sub, err := b.Subscribe("agent.ready", func(ctx context.Context, n *Notice) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.Active() {
		t.Error("subscription should be active before unsubscribe")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.Active() {
		t.Error("subscription should be inactive after unsubscribe")
	}

	_ = b.Publish(context.Background(), NewNotice("agent.ready", "host"))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count.Load())
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	b.Close()

	if b.Connected() {
		t.Error("closed bus should not report connected")
	}
	if err := b.Publish(context.Background(), NewNotice("lease.granted", "territory")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe("lease.*", func(context.Context, *Notice) error { return nil }); err != ErrClosed {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
}
