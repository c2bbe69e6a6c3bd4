package store

import (
	"context"
	"testing"

	"github.com/ocapkernel/kernel/internal/domain"
)

func newMemKernelStore() *KernelStore {
	return NewKernelStore(NewMemRawStore())
}

func TestAllocObjectUniqueSequential(t *testing.T) {
	ks := newMemKernelStore()
	ctx := context.Background()

	var first, second domain.KRef
	err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		var err error
		first, err = tx.AllocObject(ctx, "v1")
		if err != nil {
			return err
		}
		second, err = tx.AllocObject(ctx, "v1")
		return err
	})
	if err != nil {
		t.Fatalf("AllocObject: %v", err)
	}
	if first == second {
		t.Fatalf("AllocObject minted the same KRef twice: %q", first)
	}
	if first != "ko1" || second != "ko2" {
		t.Fatalf("AllocObject = %q, %q; want sequential \"ko1\", \"ko2\"", first, second)
	}
}

func TestIncDecRefFloorsAtZero(t *testing.T) {
	ks := newMemKernelStore()
	ctx := context.Background()

	var kref domain.KRef
	err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		var err error
		kref, err = tx.AllocObject(ctx, "v1")
		if err != nil {
			return err
		}
		if _, err := tx.IncRef(ctx, kref, domain.CounterReachable); err != nil {
			return err
		}
		n, err := tx.DecRef(ctx, kref, domain.CounterReachable)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Fatalf("DecRef = %d, want 0", n)
		}
		n, err = tx.DecRef(ctx, kref, domain.CounterReachable)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Fatalf("DecRef below zero = %d, want floored 0", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestRunQueueFIFOAndAdvance(t *testing.T) {
	ks := newMemKernelStore()
	ctx := context.Background()

	err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{Kind: domain.ItemBringOutYourDead, VatID: "v1"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := uint64(0); i < 3; i++ {
		err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
			item, err := tx.PeekRunQueueHead(ctx)
			if err != nil {
				return err
			}
			if item == nil {
				t.Fatalf("expected item at position %d", i)
			}
			if item.Seq != i {
				t.Fatalf("head seq = %d, want %d", item.Seq, i)
			}
			return tx.AdvanceRunQueueHead(ctx, item.Seq)
		})
		if err != nil {
			t.Fatalf("peek/advance %d: %v", i, err)
		}
	}

	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		item, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if item != nil {
			t.Fatalf("expected empty queue, got %+v", item)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("final peek: %v", err)
	}
}

// TestAdvanceRunQueueHeadRejectsWrongSequence guards the exactly-once
// delivery property: advancing with a stale or future sequence number must
// fail rather than silently skip or double-pop.
func TestAdvanceRunQueueHeadRejectsWrongSequence(t *testing.T) {
	ks := newMemKernelStore()
	ctx := context.Background()

	err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		_, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{Kind: domain.ItemBringOutYourDead, VatID: "v1"})
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		return tx.AdvanceRunQueueHead(ctx, 5)
	})
	if err == nil {
		t.Fatalf("expected an error advancing with a wrong sequence number")
	}
}

// TestFailedCommitDoesNotAdvanceQueue confirms a cycle that errors mid-tx
// rolls back entirely: the run queue head must not move.
func TestFailedCommitDoesNotAdvanceQueue(t *testing.T) {
	ks := newMemKernelStore()
	ctx := context.Background()

	err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		_, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{Kind: domain.ItemBringOutYourDead, VatID: "v1"})
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sentinel := context.Canceled
	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		item, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if err := tx.AdvanceRunQueueHead(ctx, item.Seq); err != nil {
			return err
		}
		return sentinel // force rollback after the mutation
	})
	if err != sentinel {
		t.Fatalf("WithTx err = %v, want sentinel", err)
	}

	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		item, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if item == nil || item.Seq != 0 {
			t.Fatalf("queue head should still be at seq 0 after rollback, got %+v", item)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestResolvePromiseReturnsQueueAndSubscribers(t *testing.T) {
	ks := newMemKernelStore()
	ctx := context.Background()

	var kp domain.KRef
	err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		var err error
		kp, err = tx.AllocPromise(ctx, "v1", true)
		if err != nil {
			return err
		}
		p, err := tx.GetPromise(ctx, kp)
		if err != nil {
			return err
		}
		p.Queue = []domain.QueuedMessage{{From: "v3", Message: domain.Message{Target: kp}}}
		p.Subscribers = map[domain.EndpointID]struct{}{"v2": {}}
		return tx.PutPromise(ctx, p)
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	var queue []domain.QueuedMessage
	var subs []domain.EndpointID
	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		var err error
		queue, subs, err = tx.ResolvePromise(ctx, kp, domain.NewCapData(`null`, nil), false)
		return err
	})
	if err != nil {
		t.Fatalf("ResolvePromise: %v", err)
	}
	if len(queue) != 1 || queue[0].From != "v3" {
		t.Fatalf("queue = %+v, want one queued message from v3", queue)
	}
	if len(subs) != 1 || subs[0] != "v2" {
		t.Fatalf("subs = %+v, want [v2]", subs)
	}

	// Resolving again must fail: a promise settles exactly once.
	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		_, _, err := tx.ResolvePromise(ctx, kp, domain.NewCapData(`null`, nil), false)
		return err
	})
	if err == nil {
		t.Fatalf("expected an error re-resolving an already-settled promise")
	}
}

func TestApplyCheckpointAndVatstore(t *testing.T) {
	ks := newMemKernelStore()
	ctx := context.Background()

	cp := domain.Checkpoint{
		Mutations: [][2]string{{"a", "1"}, {"b", "2"}},
	}
	err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		return tx.ApplyCheckpoint(ctx, "v1", cp)
	})
	if err != nil {
		t.Fatalf("ApplyCheckpoint: %v", err)
	}

	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		v, ok, err := tx.VatstoreGet(ctx, "v1", "a")
		if err != nil {
			return err
		}
		if !ok || v != "1" {
			t.Fatalf("VatstoreGet(a) = (%q, %v), want (1, true)", v, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	cp2 := domain.Checkpoint{Deletions: []string{"a"}}
	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		return tx.ApplyCheckpoint(ctx, "v1", cp2)
	})
	if err != nil {
		t.Fatalf("ApplyCheckpoint delete: %v", err)
	}
	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		_, ok, err := tx.VatstoreGet(ctx, "v1", "a")
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("expected key a to be deleted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify delete: %v", err)
	}
}

// TestRestartReplaysQueueFromRawStore is scenario S6: the persisted run
// queue is the only source of truth, so wrapping the same underlying raw
// store in a fresh KernelStore (standing in for a kernel process restart)
// must reproduce the exact same queue order and contents.
func TestRestartReplaysQueueFromRawStore(t *testing.T) {
	raw := NewMemRawStore()
	ctx := context.Background()
	first := NewKernelStore(raw)

	var kref domain.KRef
	err := first.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		var err error
		kref, err = tx.AllocObject(ctx, "v1")
		if err != nil {
			return err
		}
		if _, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{Kind: domain.ItemSend, SendTarget: kref, SendFrom: "v2"}); err != nil {
			return err
		}
		_, err = tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{Kind: domain.ItemBringOutYourDead, VatID: "v1"})
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Simulate a process restart: a brand new KernelStore wrapping the same
	// underlying raw store, with no in-memory state carried over.
	restarted := NewKernelStore(raw)
	err = restarted.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		head, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if head == nil || head.Kind != domain.ItemSend || head.SendTarget != kref {
			t.Fatalf("unexpected head after restart: %+v", head)
		}
		if err := tx.AdvanceRunQueueHead(ctx, head.Seq); err != nil {
			return err
		}
		second, err := tx.PeekRunQueueHead(ctx)
		if err != nil {
			return err
		}
		if second == nil || second.Kind != domain.ItemBringOutYourDead || second.VatID != "v1" {
			t.Fatalf("unexpected second item after restart: %+v", second)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("post-restart tx: %v", err)
	}
}

func TestClearWipesState(t *testing.T) {
	ks := newMemKernelStore()
	ctx := context.Background()

	var kref domain.KRef
	err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		var err error
		kref, err = tx.AllocObject(ctx, "v1")
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		return tx.Clear(ctx)
	}); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	err = ks.WithTx(ctx, func(ctx context.Context, tx *KernelTx) error {
		_, err := tx.GetObject(ctx, kref)
		return err
	})
	if err == nil {
		t.Fatalf("expected GetObject to fail after Clear")
	}
}
