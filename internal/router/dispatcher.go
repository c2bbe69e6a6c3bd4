// Package router implements the kernel's single-threaded cycle loop
// (spec.md §4.4): pop the run-queue head, translate its payload into the
// target endpoint's space, hand it to that endpoint's worker, apply the
// syscalls the worker emits, persist its checkpoint, and commit — all
// inside one store transaction per cycle.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/observability"
	"github.com/ocapkernel/kernel/internal/queue"
	"github.com/ocapkernel/kernel/internal/store"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

// Dispatcher is the router's single driver goroutine and its dependencies.
type Dispatcher struct {
	store    *store.KernelStore
	workers  *vatworker.Service
	notifier queue.Notifier
	cfg      config.RouterConfig
}

func New(kstore *store.KernelStore, workers *vatworker.Service, notifier queue.Notifier, cfg config.RouterConfig) *Dispatcher {
	if cfg.MaxCommitRetries <= 0 {
		cfg.MaxCommitRetries = 3
	}
	return &Dispatcher{store: kstore, workers: workers, notifier: notifier, cfg: cfg}
}

// Run drives the cycle loop until ctx is canceled. It processes exactly one
// item per cycle (spec.md §4.4): no concurrency across vats is permitted,
// though different vats' deliveries interleave at item granularity across
// successive cycles.
func (d *Dispatcher) Run(ctx context.Context) error {
	wake := d.notifier.Subscribe(ctx)
	for {
		processed, err := d.RunOnce(ctx)
		if err != nil {
			logging.Op().Error("router cycle failed", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// RunOnce executes at most one cycle: dequeue, deliver, apply syscalls,
// commit. It returns processed=false when the queue was empty. A commit
// failure is retried up to cfg.MaxCommitRetries times (spec.md §4.1); the
// item is never considered delivered unless its cycle committed (Testable
// Property 5, exactly-once delivery).
func (d *Dispatcher) RunOnce(ctx context.Context) (processed bool, err error) {
	var item *domain.RunQueueItem
	start := time.Now()

	for attempt := 0; attempt <= d.cfg.MaxCommitRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordRetry()
		}
		var cycleErr error
		item, cycleErr = d.attemptCycle(ctx)
		if cycleErr == nil {
			err = nil
			break
		}
		if !errors.Is(cycleErr, errRetryableCommit) {
			return false, cycleErr
		}
		err = cycleErr
	}
	if item == nil {
		return false, err
	}

	metrics.RecordCycle(string(item.Kind), err == nil, time.Since(start).Milliseconds())
	logging.DefaultCycleLogger().Log(&logging.CycleLog{
		Seq: item.Seq, Kind: string(item.Kind), DurationMs: time.Since(start).Milliseconds(),
		Success: err == nil,
	})
	return true, nil
}

var errRetryableCommit = errors.New("router: commit failed, retryable")

// attemptCycle runs one full cycle inside a single transaction. If the item
// was already consumed (queue empty), it returns (nil, nil).
func (d *Dispatcher) attemptCycle(ctx context.Context) (*domain.RunQueueItem, error) {
	var processedItem *domain.RunQueueItem
	txErr := d.store.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		head, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if head == nil {
			return nil
		}

		ctx, span := observability.StartSpan(ctx, "router.cycle", observability.AttrCycleKind.String(string(head.Kind)))
		defer span.End()

		if err := d.dispatchItem(ctx, tx, head); err != nil {
			observability.SetSpanError(span, err)
			return err
		}
		observability.SetSpanOK(span)

		if err := tx.AdvanceRunQueueHead(ctx, head.Seq); err != nil {
			return err
		}
		processedItem = head
		return nil
	})
	if txErr != nil {
		return nil, fmt.Errorf("%w: %v", errRetryableCommit, txErr)
	}
	return processedItem, nil
}

// dispatchItem handles one run-queue item under the open transaction tx.
func (d *Dispatcher) dispatchItem(ctx context.Context, tx *store.KernelTx, item *domain.RunQueueItem) error {
	switch item.Kind {
	case domain.ItemSend:
		return d.dispatchSend(ctx, tx, item)
	case domain.ItemNotify:
		return d.dispatchNotify(ctx, tx, item)
	case domain.ItemGCAction:
		return d.dispatchGCAction(ctx, tx, item)
	case domain.ItemBringOutYourDead:
		return d.dispatchBringOutYourDead(ctx, tx, item)
	case domain.ItemStartVat:
		return d.dispatchStartVat(ctx, tx, item)
	case domain.ItemTerminateVat:
		return d.dispatchTerminateVat(ctx, tx, item)
	default:
		return kernelerr.New(kernelerr.BadSyscall, "unknown run queue item kind %q", item.Kind)
	}
}

func (d *Dispatcher) dispatchSend(ctx context.Context, tx *store.KernelTx, item *domain.RunQueueItem) error {
	obj, err := tx.GetObject(ctx, item.SendTarget)
	if err != nil {
		return err
	}
	if obj.Revoked {
		return kernelerr.New(kernelerr.Revoked, "send to revoked object %q", item.SendTarget)
	}
	owner := obj.Owner
	tr := clist.New(tx, owner)

	targetERef, err := tr.ExportToEndpoint(ctx, item.SendTarget)
	if err != nil {
		return err
	}
	methArgs, err := tr.TranslateSlotsOut(ctx, item.SendMessage.MethArgs)
	if err != nil {
		return err
	}
	var resultERef domain.ERef
	if item.SendMessage.HasResult() {
		resultERef, err = tr.ExportToEndpoint(ctx, item.SendMessage.Result)
		if err != nil {
			return err
		}
		// Delivering a message with a result slot makes the recipient the
		// decider of that promise: it is the one expected to eventually
		// resolve it via a resolve syscall (spec.md §4.5 send row).
		resultPromise, err := tx.GetPromise(ctx, item.SendMessage.Result)
		if err != nil {
			return err
		}
		if !resultPromise.State.Settled() {
			resultPromise.HasDecider = true
			resultPromise.Decider = owner
			if err := tx.PutPromise(ctx, resultPromise); err != nil {
				return err
			}
		}
	}

	delivery := domain.Delivery{
		Kind:          domain.DeliveryMessage,
		MessageTarget: targetERef,
		MessageBody:   domain.Message{Target: item.SendTarget, MethArgs: methArgs, Result: item.SendMessage.Result},
		MessageResult: resultERef,
	}
	return d.deliverAndApply(ctx, tx, owner, delivery)
}

func (d *Dispatcher) dispatchNotify(ctx context.Context, tx *store.KernelTx, item *domain.RunQueueItem) error {
	p, err := tx.GetPromise(ctx, item.NotifyPromise)
	if err != nil {
		return err
	}
	tr := clist.New(tx, item.NotifyEndpoint)
	promiseERef, err := tr.ExportToEndpoint(ctx, item.NotifyPromise)
	if err != nil {
		return err
	}
	var value domain.CapData
	if p.Value != nil {
		value, err = tr.TranslateSlotsOut(ctx, *p.Value)
		if err != nil {
			return err
		}
	}
	delivery := domain.Delivery{
		Kind: domain.DeliveryNotify,
		Notifications: []domain.NotifyEntry{{
			Promise:  promiseERef,
			Rejected: p.State == domain.PromiseRejected,
			Value:    value,
		}},
	}
	return d.deliverAndApply(ctx, tx, item.NotifyEndpoint, delivery)
}

func (d *Dispatcher) dispatchGCAction(ctx context.Context, tx *store.KernelTx, item *domain.RunQueueItem) error {
	obj, err := tx.GetObject(ctx, item.GCKRef)
	if err != nil {
		return err
	}
	tr := clist.New(tx, obj.Owner)
	eref, err := tr.ExportToEndpoint(ctx, item.GCKRef)
	if err != nil {
		return err
	}
	kind := domain.DeliveryDropExports
	if item.GCKind == domain.GCRetireExports {
		kind = domain.DeliveryRetireExports
	}
	delivery := domain.Delivery{Kind: kind, ERefs: []domain.ERef{eref}}
	return d.deliverAndApply(ctx, tx, obj.Owner, delivery)
}

func (d *Dispatcher) dispatchBringOutYourDead(ctx context.Context, tx *store.KernelTx, item *domain.RunQueueItem) error {
	delivery := domain.Delivery{Kind: domain.DeliveryBringOutYourDead}
	return d.deliverAndApply(ctx, tx, item.VatID, delivery)
}

func (d *Dispatcher) dispatchStartVat(ctx context.Context, tx *store.KernelTx, item *domain.RunQueueItem) error {
	delivery := domain.Delivery{Kind: domain.DeliveryStartVat}
	return d.deliverAndApply(ctx, tx, item.VatID, delivery)
}

func (d *Dispatcher) dispatchTerminateVat(ctx context.Context, tx *store.KernelTx, item *domain.RunQueueItem) error {
	if err := d.workers.Terminate(ctx, item.VatID); err != nil {
		logging.Op().Warn("terminateVat: worker already gone", "vat", item.VatID, "error", err)
	}
	return nil
}

// deliverAndApply sends delivery to vatID's worker and applies the
// resulting syscalls and checkpoint. A delivery error or transport failure
// marks the vat broken (spec.md §4.4 step 6): its exports are revoked, the
// unsettled promises it decides are rejected, and a terminateVat item is
// appended — this dispatch itself still succeeds so the cycle commits
// normally. The vat's promise subscriptions are left in place, messages
// already on the run queue for it are not rejected, and the router does not
// check the broken flag before later deliveries.
func (d *Dispatcher) deliverAndApply(ctx context.Context, tx *store.KernelTx, vatID domain.EndpointID, delivery domain.Delivery) error {
	w, err := d.workers.Get(vatID)
	if err != nil {
		return err
	}
	result, err := w.Deliver(ctx, delivery)
	if err != nil || result.Error != "" {
		return d.breakVat(ctx, tx, vatID, err, result.Error)
	}
	if err := tx.ApplyCheckpoint(ctx, vatID, result.Checkpoint); err != nil {
		return err
	}
	return d.applySyscalls(ctx, tx, vatID, result.Syscalls)
}

// breakVat implements spec.md §4.4 step 6 and §7 DELIVERY_FAILED: revoke
// every object the vat owns, reject promises it decided, and schedule its
// termination.
func (d *Dispatcher) breakVat(ctx context.Context, tx *store.KernelTx, vatID domain.EndpointID, transportErr error, deliveryErr string) error {
	d.workers.MarkBroken(vatID)
	metrics.RecordBrokenVat()
	reason := deliveryErr
	if reason == "" && transportErr != nil {
		reason = transportErr.Error()
	}
	logging.Op().Warn("vat marked broken", "vat", vatID, "reason", reason)

	endpoint, err := tx.GetEndpoint(ctx, vatID)
	if err != nil {
		return err
	}
	endpoint.Broken = true
	if err := tx.PutEndpoint(ctx, endpoint); err != nil {
		return err
	}

	if err := RevokeOwnedObjects(ctx, tx, vatID); err != nil {
		return err
	}
	if err := RejectDecidedPromises(ctx, tx, vatID); err != nil {
		return err
	}

	_, err = tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{Kind: domain.ItemTerminateVat, VatID: vatID})
	return err
}

// RevokeOwnedObjects marks every object owned by vatID as revoked. The
// object table has no reverse owner index in this store, so this relies on
// ScanObjectsByOwner's scan of the whole object table.
func RevokeOwnedObjects(ctx context.Context, tx *store.KernelTx, vatID domain.EndpointID) error {
	return tx.ScanObjectsByOwner(ctx, vatID, func(obj *domain.Object) error {
		obj.Revoked = true
		return tx.PutObject(ctx, obj)
	})
}

func RejectDecidedPromises(ctx context.Context, tx *store.KernelTx, vatID domain.EndpointID) error {
	rejection := domain.CapData{Body: `{"@qclass":"error","code":"VAT_DELETED"}`, Slots: []string{}}
	return tx.ScanPromisesByDecider(ctx, vatID, func(p *domain.Promise) error {
		if p.State.Settled() {
			return nil
		}
		_, subscribers, err := tx.ResolvePromise(ctx, p.KRef, rejection, true)
		if err != nil {
			return err
		}
		for _, sub := range subscribers {
			if _, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{
				Kind: domain.ItemNotify, NotifyEndpoint: sub, NotifyPromise: p.KRef,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
