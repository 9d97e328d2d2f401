package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/padstrap/padstrap/pkg/telemetry"
)

// Dispatcher sends a request message toward the external helper. Dispatch is
// fire-and-forget: a nil return means the request left the agent, not that it
// executed. Results come back separately through Broker.Deliver.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *RequestMessage) error
}

// Broker owns the pending-correlation registry. It is created with its
// transport and torn down with Close; there is no package-level state.
type Broker struct {
	dispatcher Dispatcher
	log        zerolog.Logger
	metrics    *telemetry.Metrics

	// nextID allocates correlation ids. Monotonically increasing, so an id
	// is never reused while a prior use is still pending.
	nextID atomic.Uint64

	// pending maps correlation id -> result slot (buffered, capacity 1).
	// Accessed from the submitting goroutine and the delivery goroutine.
	pending sync.Map

	closed atomic.Bool
}

// Config contains broker configuration.
type Config struct {
	Dispatcher Dispatcher
	Logger     zerolog.Logger
	Metrics    *telemetry.Metrics
}

// NewBroker creates a new correlation broker.
func NewBroker(cfg Config) (*Broker, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	return &Broker{
		dispatcher: cfg.Dispatcher,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Submit dispatches a request and awaits its result for at most timeout.
//
// A dispatch failure returns a DispatchError immediately and deregisters the
// slot. On expiry the slot is removed before ErrTimeout is returned, so a
// late delivery for this id finds no slot. Cancellation of ctx likewise
// deregisters the slot and returns the context error.
func (b *Broker) Submit(ctx context.Context, req *Request, timeout time.Duration) (*Result, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	id := b.nextID.Add(1)
	msg := &RequestMessage{
		CallbackID: id,
		Request:    req,
		// Rounded up so sub-second timeouts survive the wire encoding.
		TimeoutSec: int((timeout + time.Second - 1) / time.Second),
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	slot := make(chan *Result, 1)
	b.pending.Store(id, slot)

	b.log.Debug().
		Uint64("correlation_id", id).
		Str("command", req.Command).
		Dur("timeout", timeout).
		Msg("Dispatching request")

	if err := b.dispatcher.Dispatch(ctx, msg); err != nil {
		b.pending.Delete(id)
		b.metrics.ChannelSubmission("dispatch_error")
		return nil, &DispatchError{Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-slot:
		if !ok {
			return nil, ErrClosed
		}
		b.metrics.ChannelSubmission("delivered")
		return res, nil

	case <-timer.C:
		b.pending.Delete(id)
		b.metrics.ChannelSubmission("timeout")
		b.log.Warn().
			Uint64("correlation_id", id).
			Str("command", req.Command).
			Msg("Submission timed out waiting for delivery")
		return nil, ErrTimeout

	case <-ctx.Done():
		b.pending.Delete(id)
		b.metrics.ChannelSubmission("cancelled")
		return nil, ctx.Err()
	}
}

// Deliver completes the pending slot registered under id. If no slot exists
// (already timed out, already completed, or a duplicate delivery) the result
// is logged and discarded. Deliver never fails and never blocks: the slot is
// claimed atomically and has buffer space for exactly one result.
func (b *Broker) Deliver(id uint64, res *Result) {
	v, ok := b.pending.LoadAndDelete(id)
	if !ok {
		b.metrics.ChannelStaleDelivery()
		b.log.Debug().
			Uint64("correlation_id", id).
			Msg("Discarding delivery for unknown or resolved correlation id")
		return
	}
	v.(chan *Result) <- res
}

// PendingCount returns the number of submissions awaiting delivery.
func (b *Broker) PendingCount() int {
	n := 0
	b.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close shuts the broker down. In-flight submissions resolve to ErrClosed;
// subsequent Submit calls fail immediately.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.pending.Range(func(k, v any) bool {
		if _, ok := b.pending.LoadAndDelete(k); ok {
			close(v.(chan *Result))
		}
		return true
	})
}
