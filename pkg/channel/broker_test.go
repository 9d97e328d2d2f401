package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockDispatcher records dispatched frames and optionally reacts to them.
type mockDispatcher struct {
	mu         sync.Mutex
	dispatched []*RequestMessage
	err        error
	onDispatch func(msg *RequestMessage)
}

func (d *mockDispatcher) Dispatch(_ context.Context, msg *RequestMessage) error {
	d.mu.Lock()
	d.dispatched = append(d.dispatched, msg)
	fn := d.onDispatch
	err := d.err
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if fn != nil {
		fn(msg)
	}
	return nil
}

func (d *mockDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

func newTestBroker(t *testing.T, dispatcher Dispatcher) *Broker {
	t.Helper()

	broker, err := NewBroker(Config{
		Dispatcher: dispatcher,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}
	return broker
}

func TestSubmitDeliversResult(t *testing.T) {
	dispatcher := &mockDispatcher{}
	broker := newTestBroker(t, dispatcher)
	defer broker.Close()

	dispatcher.onDispatch = func(msg *RequestMessage) {
		go broker.Deliver(msg.CallbackID, &Result{Stdout: "ok", ExitCode: 0})
	}

	res, err := broker.Submit(context.Background(), &Request{Command: "probe"}, time.Second)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if res.Stdout != "ok" {
		t.Errorf("expected stdout %q, got %q", "ok", res.Stdout)
	}
	if broker.PendingCount() != 0 {
		t.Errorf("expected no pending entries, got %d", broker.PendingCount())
	}
}

func TestSubmitAllocatesDistinctIDs(t *testing.T) {
	dispatcher := &mockDispatcher{}
	broker := newTestBroker(t, dispatcher)
	defer broker.Close()

	dispatcher.onDispatch = func(msg *RequestMessage) {
		go broker.Deliver(msg.CallbackID, &Result{})
	}

	for i := 0; i < 3; i++ {
		if _, err := broker.Submit(context.Background(), &Request{Command: "probe"}, time.Second); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	seen := make(map[uint64]bool)
	for _, msg := range dispatcher.dispatched {
		if seen[msg.CallbackID] {
			t.Errorf("correlation id %d reused", msg.CallbackID)
		}
		seen[msg.CallbackID] = true
	}
}

func TestSubmitTimesOut(t *testing.T) {
	dispatcher := &mockDispatcher{}
	broker := newTestBroker(t, dispatcher)
	defer broker.Close()

	start := time.Now()
	_, err := broker.Submit(context.Background(), &Request{Command: "slow"}, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("returned before the timeout elapsed: %v", elapsed)
	}
	if broker.PendingCount() != 0 {
		t.Errorf("expected slot removed after timeout, got %d pending", broker.PendingCount())
	}
}

func TestLateDeliveryIsDiscarded(t *testing.T) {
	dispatcher := &mockDispatcher{}
	broker := newTestBroker(t, dispatcher)
	defer broker.Close()

	_, err := broker.Submit(context.Background(), &Request{Command: "slow"}, 50*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}

	// The slot is gone; a late result for its id must be a no-op.
	id := dispatcher.dispatched[0].CallbackID
	broker.Deliver(id, &Result{Stdout: "late"})

	if broker.PendingCount() != 0 {
		t.Errorf("late delivery re-registered a slot")
	}
}

func TestDuplicateDeliveryIsDiscarded(t *testing.T) {
	dispatcher := &mockDispatcher{}
	broker := newTestBroker(t, dispatcher)
	defer broker.Close()

	dispatcher.onDispatch = func(msg *RequestMessage) {
		go func() {
			broker.Deliver(msg.CallbackID, &Result{Stdout: "first"})
			broker.Deliver(msg.CallbackID, &Result{Stdout: "second"})
		}()
	}

	res, err := broker.Submit(context.Background(), &Request{Command: "probe"}, time.Second)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if res.Stdout != "first" {
		t.Errorf("expected first delivery to win, got %q", res.Stdout)
	}
}

func TestDispatchFailureRemovesSlot(t *testing.T) {
	dispatcher := &mockDispatcher{err: errors.New("pipe broken")}
	broker := newTestBroker(t, dispatcher)
	defer broker.Close()

	_, err := broker.Submit(context.Background(), &Request{Command: "probe"}, time.Second)
	if !IsDispatch(err) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if broker.PendingCount() != 0 {
		t.Errorf("expected slot removed after dispatch failure, got %d pending", broker.PendingCount())
	}
}

func TestSubmitCancellation(t *testing.T) {
	dispatcher := &mockDispatcher{}
	broker := newTestBroker(t, dispatcher)
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := broker.Submit(ctx, &Request{Command: "slow"}, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if broker.PendingCount() != 0 {
		t.Errorf("expected slot removed after cancellation, got %d pending", broker.PendingCount())
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	dispatcher := &mockDispatcher{}
	broker := newTestBroker(t, dispatcher)

	errCh := make(chan error, 1)
	go func() {
		_, err := broker.Submit(context.Background(), &Request{Command: "slow"}, 10*time.Second)
		errCh <- err
	}()

	// Wait for the submission to register before closing.
	deadline := time.Now().Add(time.Second)
	for broker.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	broker.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not unblock after close")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	broker := newTestBroker(t, &mockDispatcher{})
	broker.Close()

	_, err := broker.Submit(context.Background(), &Request{Command: "probe"}, time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubmitValidatesRequest(t *testing.T) {
	broker := newTestBroker(t, &mockDispatcher{})
	defer broker.Close()

	if _, err := broker.Submit(context.Background(), &Request{}, time.Second); err == nil {
		t.Fatal("expected validation error for empty command")
	}
	if broker.PendingCount() != 0 {
		t.Errorf("invalid request left a pending slot")
	}
}
