package gc

import (
	"context"
	"testing"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/store"
)

func newObject(t *testing.T, tx *store.KernelTx, reachable, recognizable uint32) domain.KRef {
	t.Helper()
	ctx := context.Background()
	kref, err := tx.AllocObject(ctx, "v1")
	if err != nil {
		t.Fatalf("AllocObject: %v", err)
	}
	obj, err := tx.GetObject(ctx, kref)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	obj.Reachable = reachable
	obj.Recognizable = recognizable
	if err := tx.PutObject(ctx, obj); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	return kref
}

// TestOnDropReachableEnqueuesOnZeroCrossing exercises the GC monotonicity
// property: reachable hitting zero enqueues dropExports exactly once, and
// further drops (already at floor) are no-ops.
func TestOnDropReachableEnqueuesOnZeroCrossing(t *testing.T) {
	kstore := store.NewKernelStore(store.NewMemRawStore())
	ctx := context.Background()

	var kref domain.KRef
	err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		kref = newObject(t, tx, 1, 1)
		return OnDropReachable(ctx, tx, kref)
	})
	if err != nil {
		t.Fatalf("OnDropReachable: %v", err)
	}

	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		item, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			t.Fatalf("expected a gc-action item enqueued")
		}
		if item.Kind != domain.ItemGCAction || item.GCKind != domain.GCDropExports || item.GCKRef != kref {
			t.Fatalf("unexpected item: %+v", item)
		}
		return tx.AdvanceRunQueueHead(ctx, item.Seq)
	})
	if err != nil {
		t.Fatalf("verify tx: %v", err)
	}

	// A second drop (already at the floor) must not enqueue again.
	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		return OnDropReachable(ctx, tx, kref)
	})
	if err != nil {
		t.Fatalf("OnDropReachable (second): %v", err)
	}
	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		item, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if item != nil {
			t.Fatalf("expected no further gc-action, got %+v", item)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify tx: %v", err)
	}
}

// TestOnDropRecognizableEnqueuesOnZeroCrossing mirrors the reachable test
// for the recognizable counter.
func TestOnDropRecognizableEnqueuesOnZeroCrossing(t *testing.T) {
	kstore := store.NewKernelStore(store.NewMemRawStore())
	ctx := context.Background()

	var kref domain.KRef
	err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		kref = newObject(t, tx, 0, 1)
		return OnDropRecognizable(ctx, tx, kref)
	})
	if err != nil {
		t.Fatalf("OnDropRecognizable: %v", err)
	}

	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		item, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if item == nil || item.GCKind != domain.GCRetireExports || item.GCKRef != kref {
			t.Fatalf("unexpected item: %+v", item)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify tx: %v", err)
	}
}

// TestReleaseCListEntryRecognizableRemovesEntry confirms a recognizable
// release both decrements the count and forgets the c-list mapping, since
// the importer no longer has any way to refer to the object.
func TestReleaseCListEntryRecognizableRemovesEntry(t *testing.T) {
	kstore := store.NewKernelStore(store.NewMemRawStore())
	ctx := context.Background()

	var kref domain.KRef
	var eref domain.ERef
	err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		kref = newObject(t, tx, 1, 1)
		eref = domain.MakeERef("v2", domain.KRefObject, domain.DirImport, 0)
		return tx.CListInsert(ctx, "v2", eref, kref)
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		return ReleaseCListEntry(ctx, tx, "v2", eref, kref, domain.CounterRecognizable)
	})
	if err != nil {
		t.Fatalf("ReleaseCListEntry: %v", err)
	}

	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		_, ok, err := tx.CListLookupE2K(ctx, "v2", eref)
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("c-list entry should have been removed")
		}
		obj, err := tx.GetObject(ctx, kref)
		if err != nil {
			return err
		}
		if obj.Recognizable != 0 {
			t.Fatalf("recognizable = %d, want 0", obj.Recognizable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify tx: %v", err)
	}
}

func TestScheduleBringOutYourDead(t *testing.T) {
	kstore := store.NewKernelStore(store.NewMemRawStore())
	ctx := context.Background()

	err := kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		return ScheduleBringOutYourDead(ctx, tx, "v1")
	})
	if err != nil {
		t.Fatalf("ScheduleBringOutYourDead: %v", err)
	}

	err = kstore.WithTx(ctx, func(ctx context.Context, tx *store.KernelTx) error {
		item, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if item == nil || item.Kind != domain.ItemBringOutYourDead || item.VatID != "v1" {
			t.Fatalf("unexpected item: %+v", item)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify tx: %v", err)
	}
}
