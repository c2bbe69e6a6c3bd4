package router

import (
	"context"
	"testing"

	"github.com/ocapkernel/kernel/internal/clist"
	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/gc"
	"github.com/ocapkernel/kernel/internal/queue"
	"github.com/ocapkernel/kernel/internal/store"
	"github.com/ocapkernel/kernel/internal/transport/inproc"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

// handlerSet lets a test register one inproc.Handler per vat and swap it in
// a factory, mirroring subcluster/manager_test.go's fakeVat pattern.
type handlerSet struct {
	handlers map[domain.EndpointID]inproc.Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[domain.EndpointID]inproc.Handler)}
}

func (h *handlerSet) factory() vatworker.Factory {
	return inproc.Factory(func(vatID domain.EndpointID, bundleSpec string, opts domain.VatCreationOptions) (inproc.Handler, error) {
		return h.handlers[vatID], nil
	})
}

func mustCreateWorker(t *testing.T, workers *vatworker.Service, vatID domain.EndpointID) {
	t.Helper()
	if err := workers.Create(context.Background(), vatID, "", domain.VatCreationOptions{}); err != nil {
		t.Fatalf("Create(%s): %v", vatID, err)
	}
}

// TestRunOnceDeliversSendAndPersistsCheckpoint is scenario S1's basic case:
// a send enqueued on an owned object is delivered to its owner's worker,
// and the worker's checkpoint is persisted in the same cycle.
func TestRunOnceDeliversSendAndPersistsCheckpoint(t *testing.T) {
	kstore := store.NewKernelStore(store.NewMemRawStore())
	ctx := context.Background()

	var kref domain.KRef
	err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		var err error
		kref, err = tx.AllocObject(ctx, "v1")
		if err != nil {
			return err
		}
		return EnqueueSend(ctx, tx, "v2", domain.Message{Target: kref, MethArgs: domain.NewCapData(`{}`, nil)})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	var received domain.Delivery
	hs := newHandlerSet()
	hs.handlers["v1"] = func(ctx context.Context, d domain.Delivery) (domain.DeliveryResult, error) {
		received = d
		return domain.DeliveryResult{Checkpoint: domain.Checkpoint{Mutations: [][2]string{{"k", "v"}}}}, nil
	}
	workers := vatworker.NewService(hs.factory())
	mustCreateWorker(t, workers, "v1")

	d := New(kstore, workers, queue.NewNoopNotifier(), config.RouterConfig{})
	processed, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !processed {
		t.Fatalf("expected one item processed")
	}
	if received.Kind != domain.DeliveryMessage {
		t.Fatalf("delivery kind = %v, want message", received.Kind)
	}

	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		v, ok, err := tx.VatstoreGet(ctx, "v1", "k")
		if err != nil {
			return err
		}
		if !ok || v != "v" {
			t.Fatalf("checkpoint not persisted: (%q, %v)", v, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestRunOnceBreaksVatOnDeliveryError is scenario S4: a worker reporting a
// delivery error must be marked broken, have its owned objects revoked, and
// get a terminateVat item scheduled, while the cycle itself still commits.
func TestRunOnceBreaksVatOnDeliveryError(t *testing.T) {
	kstore := store.NewKernelStore(store.NewMemRawStore())
	ctx := context.Background()

	var kref domain.KRef
	err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		var err error
		kref, err = tx.AllocObject(ctx, "v1")
		if err != nil {
			return err
		}
		return EnqueueSend(ctx, tx, "v2", domain.Message{Target: kref, MethArgs: domain.NewCapData(`{}`, nil)})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	hs := newHandlerSet()
	hs.handlers["v1"] = func(ctx context.Context, d domain.Delivery) (domain.DeliveryResult, error) {
		return domain.DeliveryResult{Error: "boom"}, nil
	}
	workers := vatworker.NewService(hs.factory())
	mustCreateWorker(t, workers, "v1")

	d := New(kstore, workers, queue.NewNoopNotifier(), config.RouterConfig{})
	processed, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !processed {
		t.Fatalf("expected one item processed")
	}

	status, err := workers.Status("v1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != vatworker.StatusBroken {
		t.Fatalf("status = %v, want broken", status)
	}

	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		endpoint, err := tx.GetEndpoint(ctx, "v1")
		if err != nil {
			return err
		}
		if !endpoint.Broken {
			t.Fatalf("endpoint should be marked broken")
		}
		obj, err := tx.GetObject(ctx, kref)
		if err != nil {
			return err
		}
		if !obj.Revoked {
			t.Fatalf("owned object should be revoked")
		}
		item, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if item == nil || item.Kind != domain.ItemTerminateVat || item.VatID != "v1" {
			t.Fatalf("expected a terminateVat item, got %+v", item)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestApplyResolveSplicesQueuedMessagesInOrder exercises promise pipelining
// (scenario S2) and ordering guarantee 3: messages queued on an unresolved
// promise are spliced onto the run queue, in the order they were queued,
// the moment the promise is resolved, and every subscriber gets a notify.
func TestApplyResolveSplicesQueuedMessagesInOrder(t *testing.T) {
	kstore := store.NewKernelStore(store.NewMemRawStore())
	ctx := context.Background()

	var kp, kobj domain.KRef
	var promiseERefForDecider domain.ERef
	var valueSlotERef domain.ERef
	err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		var err error
		kp, err = tx.AllocPromise(ctx, "v1", true)
		if err != nil {
			return err
		}
		kobj, err = tx.AllocObject(ctx, "v4")
		if err != nil {
			return err
		}

		// Queue two sends on the unresolved promise, from different senders,
		// in a known order.
		if err := EnqueueSend(ctx, tx, "v2", domain.Message{Target: kp, MethArgs: domain.NewCapData(`{"n":1}`, nil)}); err != nil {
			return err
		}
		if err := EnqueueSend(ctx, tx, "v3", domain.Message{Target: kp, MethArgs: domain.NewCapData(`{"n":2}`, nil)}); err != nil {
			return err
		}

		// kp is entered in v5's c-list, then v5 subscribes to it via a real
		// subscribe syscall.
		trV5 := clist.New(tx, "v5")
		kpERefForV5, err := trV5.ExportToEndpoint(ctx, kp)
		if err != nil {
			return err
		}
		if err := ApplySyscalls(ctx, tx, "v5", []domain.Syscall{{Kind: domain.SyscallSubscribe, SubscribePromise: kpERefForV5}}); err != nil {
			return err
		}

		// v1 needs an eref for kp (to name it in the resolve syscall) and an
		// eref for kobj (to reference it as the resolution value's slot).
		trV1 := clist.New(tx, "v1")
		promiseERefForDecider, err = trV1.ExportToEndpoint(ctx, kp)
		if err != nil {
			return err
		}
		valueSlotERef, err = trV1.ExportToEndpoint(ctx, kobj)
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	resolveValue := domain.NewCapData(`{"@qclass":"slot","index":0}`, []string{string(valueSlotERef)})
	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		return ApplySyscalls(ctx, tx, "v1", []domain.Syscall{{
			Kind: domain.SyscallResolve,
			Resolutions: []domain.Resolution{{
				Promise: promiseERefForDecider,
				Value:   resolveValue,
			}},
		}})
	})
	if err != nil {
		t.Fatalf("ApplySyscalls resolve: %v", err)
	}

	// Walk the run queue: expect the two retargeted sends in original
	// order, then a notify to v5.
	var kinds []domain.RunQueueItemKind
	var sendFroms []domain.EndpointID
	var notifyEndpoints []domain.EndpointID
	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		for {
			item, err := tx.PeekRunQueueHead(ctx)
			if err != nil {
				return err
			}
			if item == nil {
				return nil
			}
			kinds = append(kinds, item.Kind)
			if item.Kind == domain.ItemSend {
				sendFroms = append(sendFroms, item.SendFrom)
				if item.SendTarget != kobj {
					t.Fatalf("retargeted send target = %q, want %q", item.SendTarget, kobj)
				}
			}
			if item.Kind == domain.ItemNotify {
				notifyEndpoints = append(notifyEndpoints, item.NotifyEndpoint)
			}
			if err := tx.AdvanceRunQueueHead(ctx, item.Seq); err != nil {
				return err
			}
		}
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if len(sendFroms) != 2 || sendFroms[0] != "v2" || sendFroms[1] != "v3" {
		t.Fatalf("sendFroms = %v, want [v2 v3] in order", sendFroms)
	}
	if len(notifyEndpoints) != 1 || notifyEndpoints[0] != "v5" {
		t.Fatalf("notifyEndpoints = %v, want [v5]", notifyEndpoints)
	}
}

// TestDispatchGCActionDeliversDropExports is scenario S3: a reachable count
// hitting zero enqueues a gc-action item, which the dispatcher turns into a
// dropExports delivery to the object's owner.
func TestDispatchGCActionDeliversDropExports(t *testing.T) {
	kstore := store.NewKernelStore(store.NewMemRawStore())
	ctx := context.Background()

	var kref domain.KRef
	err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		var err error
		kref, err = tx.AllocObject(ctx, "v1")
		if err != nil {
			return err
		}
		obj, err := tx.GetObject(ctx, kref)
		if err != nil {
			return err
		}
		obj.Reachable = 1
		if err := tx.PutObject(ctx, obj); err != nil {
			return err
		}
		return gc.OnDropReachable(ctx, tx, kref)
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	var received domain.Delivery
	hs := newHandlerSet()
	hs.handlers["v1"] = func(ctx context.Context, d domain.Delivery) (domain.DeliveryResult, error) {
		received = d
		return domain.DeliveryResult{}, nil
	}
	workers := vatworker.NewService(hs.factory())
	mustCreateWorker(t, workers, "v1")

	d := New(kstore, workers, queue.NewNoopNotifier(), config.RouterConfig{})
	processed, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !processed {
		t.Fatalf("expected the gc-action item to be processed")
	}
	if received.Kind != domain.DeliveryDropExports {
		t.Fatalf("delivery kind = %v, want dropExports", received.Kind)
	}
	if len(received.ERefs) != 1 {
		t.Fatalf("expected exactly one eref in the dropExports delivery")
	}
}
