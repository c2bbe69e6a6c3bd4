package router

import (
	"context"
	"fmt"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/gc"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/store"
)

// EnqueueSend exposes enqueueSend to callers outside the router's own cycle
// loop — specifically the control plane's queueMessage RPC, which injects a
// send from domain.Operator the same way a vat's own send syscall would.
func EnqueueSend(ctx context.Context, tx *store.KernelTx, from domain.EndpointID, message domain.Message) error {
	d := &Dispatcher{}
	return d.enqueueSend(ctx, tx, from, message)
}

// ApplySyscalls exposes applySyscalls to callers outside the router's own
// cycle loop (the subcluster manager's launch-time deliveries, which run
// outside the run queue but still need the same c-list/ref-count side
// effects an ordinary delivery's syscalls would have).
func ApplySyscalls(ctx context.Context, tx *store.KernelTx, fromEndpoint domain.EndpointID, syscalls []domain.Syscall) error {
	d := &Dispatcher{}
	return d.applySyscalls(ctx, tx, fromEndpoint, syscalls)
}

// applySyscalls applies, in order, every syscall a worker emitted during
// one delivery (spec.md §4.5), appending any further run-queue items they
// produce. fromEndpoint is the vat (or remote) that emitted them.
func (d *Dispatcher) applySyscalls(ctx context.Context, tx *store.KernelTx, fromEndpoint domain.EndpointID, syscalls []domain.Syscall) error {
	for _, sc := range syscalls {
		metrics.RecordSyscall(string(sc.Kind))
		if err := d.applySyscall(ctx, tx, fromEndpoint, sc); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) applySyscall(ctx context.Context, tx *store.KernelTx, fromEndpoint domain.EndpointID, sc domain.Syscall) error {
	tr := clist.New(tx, fromEndpoint)
	switch sc.Kind {
	case domain.SyscallSend:
		return d.applySend(ctx, tx, tr, fromEndpoint, sc)
	case domain.SyscallSubscribe:
		return d.applySubscribe(ctx, tx, tr, fromEndpoint, sc)
	case domain.SyscallResolve:
		return d.applyResolve(ctx, tx, tr, fromEndpoint, sc)
	case domain.SyscallExit:
		_, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{Kind: domain.ItemTerminateVat, VatID: fromEndpoint})
		return err
	case domain.SyscallVatstoreGet, domain.SyscallVatstoreGetNextKey:
		// Reads are already satisfied by the worker from its own checkpoint
		// view before it replied; the kernel has nothing further to do.
		return nil
	case domain.SyscallVatstoreSet:
		return tx.VatstoreSet(ctx, fromEndpoint, sc.VatstoreKey, sc.VatstoreValue)
	case domain.SyscallVatstoreDelete:
		return tx.VatstoreDelete(ctx, fromEndpoint, sc.VatstoreKey)
	case domain.SyscallDropImports:
		return d.applyDropImports(ctx, tx, tr, fromEndpoint, sc.ERefs)
	case domain.SyscallRetireImports:
		return d.applyRetireImports(ctx, tx, tr, fromEndpoint, sc.ERefs)
	case domain.SyscallRetireExports:
		return d.applyRetireExports(ctx, tx, tr, fromEndpoint, sc.ERefs)
	case domain.SyscallAbandonExports:
		// Decided policy (spec.md §9 open question): abandonExports behaves
		// like retireImports from the object's perspective — recognizable
		// count drops and the c-list entry is removed — plus the object is
		// marked revoked so future deliveries to it fail fast.
		return d.applyAbandonExports(ctx, tx, tr, fromEndpoint, sc.ERefs)
	default:
		return kernelerr.New(kernelerr.BadSyscall, "unknown syscall kind %q", sc.Kind)
	}
}

func (d *Dispatcher) applySend(ctx context.Context, tx *store.KernelTx, tr *clist.Translator, fromEndpoint domain.EndpointID, sc domain.Syscall) error {
	targetKRef, err := tr.ImportFromEndpoint(ctx, sc.SendTarget)
	if err != nil {
		return err
	}
	methArgs, err := tr.TranslateSlotsIn(ctx, sc.SendMessage.MethArgs)
	if err != nil {
		return err
	}

	var resultKRef domain.KRef
	if resultERef := domain.ERef(sc.SendMessage.Result); resultERef != "" {
		resultKRef, err = tr.ImportFromEndpoint(ctx, resultERef)
		if err != nil {
			return err
		}
		// A send-generated result promise is pipelined: it is decided by
		// whoever eventually resolves it (typically the target's owner),
		// not by the sender that merely named it, and the sender is its
		// first subscriber.
		p, err := tx.GetPromise(ctx, resultKRef)
		if err != nil {
			return err
		}
		if !p.State.Settled() {
			p.HasDecider = false
			p.Decider = ""
			p.Subscribers[fromEndpoint] = struct{}{}
			if err := tx.PutPromise(ctx, p); err != nil {
				return err
			}
		}
	}

	message := domain.Message{Target: targetKRef, MethArgs: methArgs, Result: resultKRef}
	return d.enqueueSend(ctx, tx, fromEndpoint, message)
}

// enqueueSend resolves target's current disposition and either enqueues a
// run-queue send, queues the message on an unresolved promise, or
// re-targets it to a settled promise's resolution (spec.md §4.5 send row).
func (d *Dispatcher) enqueueSend(ctx context.Context, tx *store.KernelTx, from domain.EndpointID, message domain.Message) error {
	if message.Target.IsPromise() {
		p, err := tx.GetPromise(ctx, message.Target)
		if err != nil {
			return err
		}
		switch p.State {
		case domain.PromiseUnresolved:
			p.Queue = append(p.Queue, domain.QueuedMessage{From: from, Message: message})
			return tx.PutPromise(ctx, p)
		case domain.PromiseFulfilled:
			target, ok := resolutionTarget(*p)
			if !ok {
				// Resolved to a non-object value (a primitive, or a capdata
				// with zero or multiple slots) — there is nothing to
				// retarget the send onto. Reject the send's own result
				// promise instead of recursing on the same promise.
				if message.HasResult() {
					_, _, err := tx.ResolvePromise(ctx, message.Result, domain.NewCapData(`"not an object"`, nil), true)
					return err
				}
				return nil
			}
			retargeted := message
			retargeted.Target = target
			return d.enqueueSend(ctx, tx, from, retargeted)
		case domain.PromiseRejected:
			if message.HasResult() {
				_, _, err := tx.ResolvePromise(ctx, message.Result, *p.Value, true)
				return err
			}
			return nil
		}
	}
	_, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{
		Kind:        domain.ItemSend,
		SendTarget:  message.Target,
		SendMessage: message,
		SendFrom:    from,
	})
	return err
}

// resolutionTarget extracts the object a fulfilled promise resolved to. The
// kernel represents "resolved to object X" as a one-slot capdata value
// whose sole slot is X's KRef; anything else (a primitive, or zero/multiple
// slots) is not further chaseable, and ok is false.
func resolutionTarget(p domain.Promise) (kref domain.KRef, ok bool) {
	if p.Value != nil && len(p.Value.Slots) == 1 {
		return domain.KRef(p.Value.Slots[0]), true
	}
	return "", false
}

func (d *Dispatcher) applySubscribe(ctx context.Context, tx *store.KernelTx, tr *clist.Translator, fromEndpoint domain.EndpointID, sc domain.Syscall) error {
	kp, err := tr.ImportFromEndpoint(ctx, sc.SubscribePromise)
	if err != nil {
		return err
	}
	p, err := tx.GetPromise(ctx, kp)
	if err != nil {
		return err
	}
	if _, already := p.Subscribers[fromEndpoint]; already {
		return nil
	}
	p.Subscribers[fromEndpoint] = struct{}{}
	if err := tx.PutPromise(ctx, p); err != nil {
		return err
	}
	if p.State.Settled() {
		_, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{
			Kind:           domain.ItemNotify,
			NotifyEndpoint: fromEndpoint,
			NotifyPromise:  kp,
		})
		return err
	}
	return nil
}

func (d *Dispatcher) applyResolve(ctx context.Context, tx *store.KernelTx, tr *clist.Translator, fromEndpoint domain.EndpointID, sc domain.Syscall) error {
	for _, res := range sc.Resolutions {
		kp, err := tr.ImportFromEndpoint(ctx, res.Promise)
		if err != nil {
			return err
		}
		p, err := tx.GetPromise(ctx, kp)
		if err != nil {
			return err
		}
		if !p.HasDecider || p.Decider != fromEndpoint {
			return kernelerr.New(kernelerr.BadSyscall, "endpoint %q is not decider of %q", fromEndpoint, kp)
		}
		value, err := tr.TranslateSlotsIn(ctx, res.Value)
		if err != nil {
			return err
		}
		queued, subscribers, err := tx.ResolvePromise(ctx, kp, value, res.Rejected)
		if err != nil {
			return err
		}
		// Splice the promise's queued messages onto the run queue, in
		// order, at the moment resolution is applied (spec.md §4.2, §5
		// ordering guarantee 3; see DESIGN.md for why tail-append at
		// this point satisfies "splice at head" without literal reordering).
		for _, qm := range queued {
			retargeted := qm.Message
			if !res.Rejected {
				target, ok := resolutionTarget(domain.Promise{KRef: kp, State: domain.PromiseFulfilled, Value: &value})
				if !ok {
					if retargeted.HasResult() {
						if _, _, err := tx.ResolvePromise(ctx, retargeted.Result, domain.NewCapData(`"not an object"`, nil), true); err != nil {
							return err
						}
					}
					continue
				}
				retargeted.Target = target
			}
			if err := d.enqueueSend(ctx, tx, qm.From, retargeted); err != nil {
				return err
			}
		}
		for _, sub := range subscribers {
			if _, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{
				Kind:           domain.ItemNotify,
				NotifyEndpoint: sub,
				NotifyPromise:  kp,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) applyDropImports(ctx context.Context, tx *store.KernelTx, tr *clist.Translator, fromEndpoint domain.EndpointID, erefs []domain.ERef) error {
	for _, eref := range erefs {
		kref, err := tr.ImportFromEndpoint(ctx, eref)
		if err != nil {
			return err
		}
		if err := gc.OnDropReachable(ctx, tx, kref); err != nil {
			return fmt.Errorf("router: dropImports %q: %w", eref, err)
		}
	}
	return nil
}

func (d *Dispatcher) applyRetireImports(ctx context.Context, tx *store.KernelTx, tr *clist.Translator, fromEndpoint domain.EndpointID, erefs []domain.ERef) error {
	for _, eref := range erefs {
		kref, err := tr.ImportFromEndpoint(ctx, eref)
		if err != nil {
			return err
		}
		if err := gc.ReleaseCListEntry(ctx, tx, fromEndpoint, eref, kref, domain.CounterRecognizable); err != nil {
			return fmt.Errorf("router: retireImports %q: %w", eref, err)
		}
	}
	return nil
}

func (d *Dispatcher) applyRetireExports(ctx context.Context, tx *store.KernelTx, tr *clist.Translator, fromEndpoint domain.EndpointID, erefs []domain.ERef) error {
	for _, eref := range erefs {
		kref, err := tr.ImportFromEndpoint(ctx, eref)
		if err != nil {
			return err
		}
		obj, err := tx.GetObject(ctx, kref)
		if err != nil {
			return err
		}
		if obj.Owner != fromEndpoint {
			return kernelerr.New(kernelerr.InvalidReference, "endpoint %q does not own %q", fromEndpoint, kref)
		}
		obj.Revoked = true
		if err := tx.PutObject(ctx, obj); err != nil {
			return err
		}
		if err := tr.ReleaseImport(ctx, eref, kref); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) applyAbandonExports(ctx context.Context, tx *store.KernelTx, tr *clist.Translator, fromEndpoint domain.EndpointID, erefs []domain.ERef) error {
	for _, eref := range erefs {
		kref, err := tr.ImportFromEndpoint(ctx, eref)
		if err != nil {
			return err
		}
		obj, err := tx.GetObject(ctx, kref)
		if err != nil {
			return err
		}
		if obj.Owner != fromEndpoint {
			return kernelerr.New(kernelerr.InvalidReference, "endpoint %q does not own %q", fromEndpoint, kref)
		}
		obj.Revoked = true
		if err := tx.PutObject(ctx, obj); err != nil {
			return err
		}
		if err := gc.ReleaseCListEntry(ctx, tx, fromEndpoint, eref, kref, domain.CounterRecognizable); err != nil {
			return err
		}
	}
	return nil
}
