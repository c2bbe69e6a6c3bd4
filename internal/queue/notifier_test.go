package queue

import (
	"context"
	"testing"
	"time"
)

func TestNoopNotifierSubscribeClosesOnContextDone(t *testing.T) {
	n := NewNoopNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	ch := n.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected the channel to close, got a value")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscribe channel to close")
	}
}

func TestChannelNotifierWakesSubscribers(t *testing.T) {
	n := NewChannelNotifier()
	ctx := context.Background()
	ch := n.Subscribe(ctx)

	if err := n.Notify(ctx); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notify")
	}
}

// TestChannelNotifierNotifyIsNonBlocking confirms a subscriber that never
// drains its buffered slot doesn't block Notify for other subscribers.
func TestChannelNotifierNotifyIsNonBlocking(t *testing.T) {
	n := NewChannelNotifier()
	ctx := context.Background()
	_ = n.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		_ = n.Notify(ctx)
		_ = n.Notify(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked on an undrained subscriber")
	}
}

func TestChannelNotifierUnsubscribesOnContextDone(t *testing.T) {
	n := NewChannelNotifier()
	subCtx, cancel := context.WithCancel(context.Background())
	_ = n.Subscribe(subCtx)
	cancel()

	// Give the cleanup goroutine a moment to run, then confirm Notify
	// against zero remaining subscribers doesn't error.
	time.Sleep(10 * time.Millisecond)
	if err := n.Notify(context.Background()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestChannelNotifierCloseClosesAllSubscribers(t *testing.T) {
	n := NewChannelNotifier()
	ctx := context.Background()
	ch1 := n.Subscribe(ctx)
	ch2 := n.Subscribe(ctx)

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Fatalf("expected channel to be closed")
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for close")
		}
	}

	// A further Notify/Subscribe after Close must not panic.
	if err := n.Notify(ctx); err != nil {
		t.Fatalf("Notify after Close: %v", err)
	}
	ch3 := n.Subscribe(ctx)
	select {
	case _, ok := <-ch3:
		if ok {
			t.Fatalf("expected a post-close subscribe to return a closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for post-close subscribe channel")
	}
}
