// Package inproc is a same-process vatworker.Worker transport: the vat is a
// Handler function the worker calls directly in the caller's goroutine,
// rather than a separate process or VM. Useful for tests and for
// lightweight vats that don't need real isolation. Grounded on the
// teacher's in-process ChannelNotifier; no wire protocol or channel pair
// stands between kernel and vat.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

// Handler is a vat's delivery loop: given a Delivery it returns the
// DeliveryResult exactly as a real worker process would over the wire. It
// must be safe to call sequentially, once at a time, for the lifetime of
// the vat.
type Handler func(ctx context.Context, d domain.Delivery) (domain.DeliveryResult, error)

// worker implements vatworker.Worker by calling Handler directly in the
// caller's goroutine; there is no separate wire encoding to round-trip.
type worker struct {
	mu      sync.Mutex
	handler Handler
	ready   chan struct{}
	stopped bool
}

// New wraps handler as a vatworker.Worker. It is immediately ready: there
// is no handshake to wait for since there is no separate process to boot.
func New(handler Handler) vatworker.Worker {
	w := &worker{handler: handler, ready: make(chan struct{})}
	close(w.ready)
	return w
}

func (w *worker) AwaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) Deliver(ctx context.Context, d domain.Delivery) (domain.DeliveryResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return domain.DeliveryResult{}, fmt.Errorf("inproc: worker stopped")
	}
	return w.handler(ctx, d)
}

func (w *worker) Ping(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("inproc: worker stopped")
	}
	return nil
}

func (w *worker) Terminate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	return nil
}

// Factory adapts a per-vat Handler constructor to vatworker.Factory, for a
// kernel configured to run every vat in-process (tests, single-binary dev
// mode).
func Factory(newHandler func(vatID domain.EndpointID, bundleSpec string, opts domain.VatCreationOptions) (Handler, error)) vatworker.Factory {
	return func(ctx context.Context, vatID domain.EndpointID, bundleSpec string, opts domain.VatCreationOptions) (vatworker.Worker, error) {
		h, err := newHandler(vatID, bundleSpec, opts)
		if err != nil {
			return nil, err
		}
		return New(h), nil
	}
}
