// Package vatworker owns the lifecycle and delivery/syscall transport of
// vat workers (spec.md §4.7, §9 "Polymorphism"). A Worker is any
// process/thread/peer that speaks the delivery/syscall protocol; concrete
// transports (in-process, OS pipe, vsock) live under internal/transport and
// all satisfy the same Worker interface, the capability-set pattern spec.md
// §9 calls for.
package vatworker

import (
	"context"

	"github.com/ocapkernel/kernel/internal/domain"
)

// Worker is the capability set the router drives a vat (or remote kernel
// connection) through. Exactly one Deliver call is outstanding at a time;
// the router issues them one by one, and the wire and inproc
// implementations also serialize Deliver with a mutex.
type Worker interface {
	// Deliver sends one delivery and blocks for its result. ctx cancellation
	// must abandon the wait (but the transport may still complete the
	// delivery on its own side); the router treats a canceled Deliver the
	// same as a crash.
	Deliver(ctx context.Context, d domain.Delivery) (domain.DeliveryResult, error)

	// AwaitReady blocks until the worker has completed its ready/connected
	// handshake, or ctx is canceled.
	AwaitReady(ctx context.Context) error

	// Terminate sends a best-effort stopVat and releases transport
	// resources. Safe to call more than once.
	Terminate(ctx context.Context) error

	// Ping checks liveness without affecting delivery state; used by the
	// pingVat control-plane method. Implementations that cannot distinguish
	// "busy" from "dead" may simply check the transport is still open.
	Ping(ctx context.Context) error
}

// Status is the supervisor's view of one vat's worker.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBroken   Status = "broken"
	StatusStopped  Status = "stopped"
)
