// Package gc implements the kernel's distributed garbage collector
// (spec.md §4.6): reachable/recognizable zero-crossing detection and
// gc-action scheduling. GC runs as ordinary run-queue items so collection
// interleaves with deliveries under the same transactional discipline
// rather than as an out-of-band sweep.
package gc

import (
	"context"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/store"
)

// OnDropReachable decrements kref's reachable count by one and, if it just
// crossed from >0 to 0, enqueues gc-action(dropExports, kref) so the owner
// learns no endpoint holds a live handle anymore.
func OnDropReachable(ctx context.Context, tx *store.KernelTx, kref domain.KRef) error {
	obj, err := tx.GetObject(ctx, kref)
	if err != nil {
		return err
	}
	if obj.Reachable == 0 {
		return nil // already at floor; nothing crosses
	}
	wasPositive := obj.Reachable > 0
	obj.Reachable--
	if err := tx.PutObject(ctx, obj); err != nil {
		return err
	}
	if wasPositive && obj.Reachable == 0 {
		if _, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{
			Kind:   domain.ItemGCAction,
			GCKind: domain.GCDropExports,
			GCKRef: kref,
		}); err != nil {
			return err
		}
		metrics.RecordGCAction(string(domain.GCDropExports))
		logging.Op().Debug("gc: reachable count hit zero", "kref", kref, "owner", obj.Owner)
	}
	return nil
}

// OnDropRecognizable decrements kref's recognizable count by one and, if it
// just crossed from >0 to 0, enqueues gc-action(retireExports, kref). Per
// the object invariant reachable<=recognizable, this never fires before
// OnDropReachable has already zeroed reachable, satisfying the GC
// monotonicity property (drop precedes retire).
func OnDropRecognizable(ctx context.Context, tx *store.KernelTx, kref domain.KRef) error {
	obj, err := tx.GetObject(ctx, kref)
	if err != nil {
		return err
	}
	if obj.Recognizable == 0 {
		return nil
	}
	wasPositive := obj.Recognizable > 0
	obj.Recognizable--
	if err := tx.PutObject(ctx, obj); err != nil {
		return err
	}
	if wasPositive && obj.Recognizable == 0 {
		if _, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{
			Kind:   domain.ItemGCAction,
			GCKind: domain.GCRetireExports,
			GCKRef: kref,
		}); err != nil {
			return err
		}
		metrics.RecordGCAction(string(domain.GCRetireExports))
		logging.Op().Debug("gc: recognizable count hit zero", "kref", kref, "owner", obj.Owner)
	}
	return nil
}

// ReleaseCListEntry applies the owner-side count decrement for counter (the
// effect of dropImports/retireImports/abandonExports on the importer's own
// side). Only a recognizable release also removes endpoint's c-list entry
// for kref; a reachable release leaves the entry in place.
func ReleaseCListEntry(ctx context.Context, tx *store.KernelTx, endpoint domain.EndpointID, eref domain.ERef, kref domain.KRef, counter domain.RefCounter) error {
	switch counter {
	case domain.CounterReachable:
		if err := OnDropReachable(ctx, tx, kref); err != nil {
			return err
		}
	case domain.CounterRecognizable:
		if err := OnDropRecognizable(ctx, tx, kref); err != nil {
			return err
		}
		// Recognizable release also means the endpoint forgets the identity
		// entirely: remove the c-list entry (it may no longer translate).
		return tx.CListDelete(ctx, endpoint, eref, kref)
	}
	return nil
}

// ScheduleBringOutYourDead enqueues a bringOutYourDead pseudo-delivery to
// vatID, periodically giving it a chance to surface pending drop/retire
// intentions before a checkpoint (spec.md §4.6).
func ScheduleBringOutYourDead(ctx context.Context, tx *store.KernelTx, vatID domain.EndpointID) error {
	_, err := tx.EnqueueRunQueueItem(ctx, domain.RunQueueItem{Kind: domain.ItemBringOutYourDead, VatID: vatID})
	return err
}
