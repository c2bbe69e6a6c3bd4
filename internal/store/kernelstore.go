package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/kernelerr"
)

// KernelStore wraps a RawStore with the typed views spec.md §4.1 calls for:
// object/promise get-put, ref-count get/set, c-list insert/lookup/delete,
// and run-queue append/peek/advance. Every cycle-level operation happens
// inside one KernelTx so it commits atomically with the rest of the cycle.
type KernelStore struct {
	raw RawStore
}

func NewKernelStore(raw RawStore) *KernelStore {
	return &KernelStore{raw: raw}
}

func (s *KernelStore) Close() error                      { return s.raw.Close() }
func (s *KernelStore) Ping(ctx context.Context) error    { return s.raw.Ping(ctx) }

// WithTx runs fn inside one RawTx, committing on success and rolling back on
// error or panic. The router is responsible for retrying a failed commit up
// to its configured limit (spec.md §4.1).
func (s *KernelStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx *KernelTx) error) (err error) {
	rawTx, err := s.raw.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	tx := &KernelTx{raw: rawTx}
	defer func() {
		if p := recover(); p != nil {
			_ = rawTx.Rollback(ctx)
			panic(p)
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = rawTx.Rollback(ctx)
		return err
	}
	if err = rawTx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// KernelTx is the typed view over one RawTx.
type KernelTx struct {
	raw RawTx
}

func getJSON[T any](ctx context.Context, raw RawTx, key string) (*T, bool, error) {
	v, ok, err := raw.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var out T
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, false, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return &out, true, nil
}

func putJSON(ctx context.Context, raw RawTx, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	return raw.Put(ctx, key, string(b))
}

// --- counters ---

func (tx *KernelTx) nextCounter(ctx context.Context, name string) (uint64, error) {
	key := keyCounter(name)
	v, ok, err := tx.raw.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var n uint64
	if ok {
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0, fmt.Errorf("store: decode counter %q: %w", name, err)
		}
	}
	next := n + 1
	if err := tx.raw.Put(ctx, key, fmt.Sprintf("%d", next)); err != nil {
		return 0, err
	}
	return n, nil // return pre-increment value as the allocated id
}

// --- objects ---

// AllocObject allocates a fresh ko<n> owned by owner.
func (tx *KernelTx) AllocObject(ctx context.Context, owner domain.EndpointID) (domain.KRef, error) {
	n, err := tx.nextCounter(ctx, "object")
	if err != nil {
		return "", err
	}
	kref := domain.MakeKRef(domain.KRefObject, n+1)
	obj := &domain.Object{KRef: kref, Owner: owner}
	if err := tx.PutObject(ctx, obj); err != nil {
		return "", err
	}
	return kref, nil
}

func (tx *KernelTx) GetObject(ctx context.Context, kref domain.KRef) (*domain.Object, error) {
	num, err := kref.Number()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	obj, ok, err := getJSON[domain.Object](ctx, tx.raw, keyObject(fmt.Sprintf("%d", num)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: object %s not found", kref)
	}
	return obj, nil
}

func (tx *KernelTx) PutObject(ctx context.Context, obj *domain.Object) error {
	num, err := obj.KRef.Number()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return putJSON(ctx, tx.raw, keyObject(fmt.Sprintf("%d", num)), obj)
}

// IncRef bumps the given counter on kref and returns the post-increment
// value.
func (tx *KernelTx) IncRef(ctx context.Context, kref domain.KRef, counter domain.RefCounter) (uint32, error) {
	obj, err := tx.GetObject(ctx, kref)
	if err != nil {
		return 0, err
	}
	switch counter {
	case domain.CounterReachable:
		obj.Reachable++
	case domain.CounterRecognizable:
		obj.Recognizable++
	}
	if err := tx.PutObject(ctx, obj); err != nil {
		return 0, err
	}
	if counter == domain.CounterReachable {
		return obj.Reachable, nil
	}
	return obj.Recognizable, nil
}

// DecRef decrements the given counter on kref (floored at 0) and returns the
// post-decrement value.
func (tx *KernelTx) DecRef(ctx context.Context, kref domain.KRef, counter domain.RefCounter) (uint32, error) {
	obj, err := tx.GetObject(ctx, kref)
	if err != nil {
		return 0, err
	}
	switch counter {
	case domain.CounterReachable:
		if obj.Reachable > 0 {
			obj.Reachable--
		}
	case domain.CounterRecognizable:
		if obj.Recognizable > 0 {
			obj.Recognizable--
		}
	}
	if err := tx.PutObject(ctx, obj); err != nil {
		return 0, err
	}
	if counter == domain.CounterReachable {
		return obj.Reachable, nil
	}
	return obj.Recognizable, nil
}

// ScanObjectsByOwner calls fn for every object owned by owner. There is no
// reverse owner index; this walks the whole object table, which is
// acceptable for vat-termination cleanup (infrequent relative to delivery
// cycles) but not for anything on the per-cycle hot path.
func (tx *KernelTx) ScanObjectsByOwner(ctx context.Context, owner domain.EndpointID, fn func(*domain.Object) error) error {
	return tx.raw.IteratePrefix(ctx, "ko.", func(_, v string) (bool, error) {
		var obj domain.Object
		if err := json.Unmarshal([]byte(v), &obj); err != nil {
			return false, fmt.Errorf("store: decode object: %w", err)
		}
		if obj.Owner != owner {
			return true, nil
		}
		if err := fn(&obj); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ScanPromisesByDecider calls fn for every promise decided by decider. Same
// whole-table-scan tradeoff as ScanObjectsByOwner.
func (tx *KernelTx) ScanPromisesByDecider(ctx context.Context, decider domain.EndpointID, fn func(*domain.Promise) error) error {
	return tx.raw.IteratePrefix(ctx, "kp.", func(_, v string) (bool, error) {
		var p domain.Promise
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return false, fmt.Errorf("store: decode promise: %w", err)
		}
		if !p.HasDecider || p.Decider != decider {
			return true, nil
		}
		if p.Subscribers == nil {
			p.Subscribers = make(map[domain.EndpointID]struct{})
		}
		if err := fn(&p); err != nil {
			return false, err
		}
		return true, nil
	})
}

// --- promises ---

func (tx *KernelTx) AllocPromise(ctx context.Context, decider domain.EndpointID, hasDecider bool) (domain.KRef, error) {
	n, err := tx.nextCounter(ctx, "promise")
	if err != nil {
		return "", err
	}
	kref := domain.MakeKRef(domain.KRefPromise, n+1)
	p := domain.NewUnresolvedPromise(kref, decider, hasDecider)
	if err := tx.PutPromise(ctx, p); err != nil {
		return "", err
	}
	return kref, nil
}

func (tx *KernelTx) GetPromise(ctx context.Context, kref domain.KRef) (*domain.Promise, error) {
	num, err := kref.Number()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	p, ok, err := getJSON[domain.Promise](ctx, tx.raw, keyPromise(fmt.Sprintf("%d", num)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: promise %s not found", kref)
	}
	if p.Subscribers == nil {
		p.Subscribers = make(map[domain.EndpointID]struct{})
	}
	return p, nil
}

func (tx *KernelTx) PutPromise(ctx context.Context, p *domain.Promise) error {
	num, err := p.KRef.Number()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return putJSON(ctx, tx.raw, keyPromise(fmt.Sprintf("%d", num)), p)
}

// ResolvePromise settles kp to value (fulfilled or rejected), returning the
// promise's queued messages (for the caller to splice onto the run queue,
// spec.md §4.2/§5 ordering guarantee 3) and its subscriber set (for the
// caller to schedule notify deliveries).
func (tx *KernelTx) ResolvePromise(ctx context.Context, kp domain.KRef, value domain.CapData, rejected bool) ([]domain.QueuedMessage, []domain.EndpointID, error) {
	p, err := tx.GetPromise(ctx, kp)
	if err != nil {
		return nil, nil, err
	}
	if p.State.Settled() {
		return nil, nil, fmt.Errorf("store: promise %s already settled", kp)
	}
	p.State = domain.PromiseFulfilled
	if rejected {
		p.State = domain.PromiseRejected
	}
	v := value
	p.Value = &v
	queue := p.Queue
	p.Queue = nil
	subs := make([]domain.EndpointID, 0, len(p.Subscribers))
	for s := range p.Subscribers {
		subs = append(subs, s)
	}
	if err := tx.PutPromise(ctx, p); err != nil {
		return nil, nil, err
	}
	return queue, subs, nil
}

// --- endpoints ---

func (tx *KernelTx) GetEndpoint(ctx context.Context, id domain.EndpointID) (*domain.EndpointState, error) {
	e, ok, err := getJSON[domain.EndpointState](ctx, tx.raw, keyEndpoint(string(id)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return domain.NewEndpointState(id), nil
	}
	return e, nil
}

func (tx *KernelTx) PutEndpoint(ctx context.Context, e *domain.EndpointState) error {
	return putJSON(ctx, tx.raw, keyEndpoint(string(e.ID)), e)
}

// --- c-list ---

func (tx *KernelTx) CListLookupE2K(ctx context.Context, endpoint domain.EndpointID, eref domain.ERef) (domain.KRef, bool, error) {
	v, ok, err := tx.raw.Get(ctx, keyClistE2K(string(endpoint), string(eref)))
	if err != nil || !ok {
		return "", ok, err
	}
	return domain.KRef(v), true, nil
}

func (tx *KernelTx) CListLookupK2E(ctx context.Context, endpoint domain.EndpointID, kref domain.KRef) (domain.ERef, bool, error) {
	v, ok, err := tx.raw.Get(ctx, keyClistK2E(string(endpoint), string(kref)))
	if err != nil || !ok {
		return "", ok, err
	}
	return domain.ERef(v), true, nil
}

func (tx *KernelTx) CListInsert(ctx context.Context, endpoint domain.EndpointID, eref domain.ERef, kref domain.KRef) error {
	if err := tx.raw.Put(ctx, keyClistE2K(string(endpoint), string(eref)), string(kref)); err != nil {
		return err
	}
	return tx.raw.Put(ctx, keyClistK2E(string(endpoint), string(kref)), string(eref))
}

func (tx *KernelTx) CListDelete(ctx context.Context, endpoint domain.EndpointID, eref domain.ERef, kref domain.KRef) error {
	if err := tx.raw.Delete(ctx, keyClistE2K(string(endpoint), string(eref))); err != nil {
		return err
	}
	return tx.raw.Delete(ctx, keyClistK2E(string(endpoint), string(kref)))
}

// CListEndpointsFor returns those of endpoints that currently hold a c-list
// entry for kref, looking each one up on the k2e side; endpoints not in the
// list are not examined.
func (tx *KernelTx) CListEndpointsFor(ctx context.Context, kref domain.KRef, endpoints []domain.EndpointID) ([]domain.EndpointID, error) {
	var holders []domain.EndpointID
	for _, ep := range endpoints {
		if _, ok, err := tx.CListLookupK2E(ctx, ep, kref); err != nil {
			return nil, err
		} else if ok {
			holders = append(holders, ep)
		}
	}
	return holders, nil
}

// --- run queue ---

func (tx *KernelTx) queueTail(ctx context.Context) (uint64, error) {
	v, ok, err := tx.raw.Get(ctx, keyQueueTail)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var n uint64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("store: decode queue tail: %w", err)
	}
	return n, nil
}

func (tx *KernelTx) queueHeadSeq(ctx context.Context) (uint64, error) {
	v, ok, err := tx.raw.Get(ctx, keyQueueHead)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var n uint64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("store: decode queue head: %w", err)
	}
	return n, nil
}

// QueueDepth returns the number of items currently waiting on the run
// queue (tail - head), for the control plane's getStatus.
func (tx *KernelTx) QueueDepth(ctx context.Context) (uint64, error) {
	tail, err := tx.queueTail(ctx)
	if err != nil {
		return 0, err
	}
	head, err := tx.queueHeadSeq(ctx)
	if err != nil {
		return 0, err
	}
	if tail < head {
		return 0, nil
	}
	return tail - head, nil
}

// EnqueueRunQueueItem appends item to the tail of the persisted run queue,
// assigning it the next sequence number.
func (tx *KernelTx) EnqueueRunQueueItem(ctx context.Context, item domain.RunQueueItem) (uint64, error) {
	tail, err := tx.queueTail(ctx)
	if err != nil {
		return 0, err
	}
	item.Seq = tail
	if err := putJSON(ctx, tx.raw, keyQueueRun(tail), &item); err != nil {
		return 0, err
	}
	if err := tx.raw.Put(ctx, keyQueueTail, fmt.Sprintf("%d", tail+1)); err != nil {
		return 0, err
	}
	return tail, nil
}

// PeekRunQueueHead returns the item at the queue head, or nil if the queue
// is empty.
func (tx *KernelTx) PeekRunQueueHead(ctx context.Context) (*domain.RunQueueItem, error) {
	head, err := tx.queueHeadSeq(ctx)
	if err != nil {
		return nil, err
	}
	tail, err := tx.queueTail(ctx)
	if err != nil {
		return nil, err
	}
	if head >= tail {
		return nil, nil
	}
	item, ok, err := getJSON[domain.RunQueueItem](ctx, tx.raw, keyQueueRun(head))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: run queue head %d missing", head)
	}
	return item, nil
}

// AdvanceRunQueueHead pops the head item (by sequence number consistency
// check) and deletes its storage. Exactly-once semantics (Testable
// Property 5) come from this call happening in the same transaction as the
// rest of the cycle: if commit fails, the head advance never took effect.
func (tx *KernelTx) AdvanceRunQueueHead(ctx context.Context, seq uint64) error {
	head, err := tx.queueHeadSeq(ctx)
	if err != nil {
		return err
	}
	if seq != head {
		return fmt.Errorf("store: advance queue head: expected seq %d, got %d", head, seq)
	}
	if err := tx.raw.Delete(ctx, keyQueueRun(head)); err != nil {
		return err
	}
	return tx.raw.Put(ctx, keyQueueHead, fmt.Sprintf("%d", head+1))
}

// IterateQueue replays every item currently on the run queue in order, for
// startup recovery (spec.md §6 "Persisted state layout").
func (tx *KernelTx) IterateQueue(ctx context.Context, fn func(domain.RunQueueItem) (bool, error)) error {
	return tx.raw.IteratePrefix(ctx, queueRunPrefix, func(_, v string) (bool, error) {
		var item domain.RunQueueItem
		if err := json.Unmarshal([]byte(v), &item); err != nil {
			return false, fmt.Errorf("store: decode queue item: %w", err)
		}
		return fn(item)
	})
}

// --- vatstore (§4.5 vatstoreGet/Set/Delete/GetNextKey) ---

func (tx *KernelTx) VatstoreGet(ctx context.Context, vat domain.EndpointID, key string) (string, bool, error) {
	return tx.raw.Get(ctx, keyVatstore(string(vat), key))
}

func (tx *KernelTx) VatstoreSet(ctx context.Context, vat domain.EndpointID, key, value string) error {
	return tx.raw.Put(ctx, keyVatstore(string(vat), key), value)
}

func (tx *KernelTx) VatstoreDelete(ctx context.Context, vat domain.EndpointID, key string) error {
	return tx.raw.Delete(ctx, keyVatstore(string(vat), key))
}

// VatstoreGetNextKey returns the first vatstore key strictly greater than
// priorKey (lexicographically), enabling a vat to iterate its own
// namespace without the kernel exposing arbitrary range scans.
func (tx *KernelTx) VatstoreGetNextKey(ctx context.Context, vat domain.EndpointID, priorKey string) (string, bool, error) {
	prefix := keyVatstorePrefix(string(vat))
	after := prefix + priorKey
	var found string
	var ok bool
	err := tx.raw.IteratePrefix(ctx, prefix, func(key, _ string) (bool, error) {
		if key > after {
			found = key[len(prefix):]
			ok = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return "", false, err
	}
	return found, ok, nil
}

// ApplyCheckpoint applies a worker-returned kv checkpoint into the vat's own
// keyspace (spec.md §4.4 step 7).
func (tx *KernelTx) ApplyCheckpoint(ctx context.Context, vat domain.EndpointID, cp domain.Checkpoint) error {
	for _, kv := range cp.Mutations {
		if err := tx.VatstoreSet(ctx, vat, kv[0], kv[1]); err != nil {
			return err
		}
	}
	for _, k := range cp.Deletions {
		if err := tx.VatstoreDelete(ctx, vat, k); err != nil {
			return err
		}
	}
	return nil
}

// Clear wipes every key in the store, for the control plane's clearState
// operator escape hatch. Not used on any hot path.
func (tx *KernelTx) Clear(ctx context.Context) error {
	var keys []string
	if err := tx.raw.IteratePrefix(ctx, "", func(k, _ string) (bool, error) {
		keys = append(keys, k)
		return true, nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.raw.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// --- vat ids ---

// AllocVatID mints a fresh vat endpoint id ("v<n>"); the caller is
// responsible for creating the EndpointState (it is synthesized on first
// GetEndpoint anyway, per the zero-value default above).
func (tx *KernelTx) AllocVatID(ctx context.Context) (domain.EndpointID, error) {
	n, err := tx.nextCounter(ctx, "vat")
	if err != nil {
		return "", err
	}
	return domain.EndpointID(fmt.Sprintf("v%d", n+1)), nil
}

// --- subclusters ---

func (tx *KernelTx) PutSubcluster(ctx context.Context, sc *domain.Subcluster) error {
	return putJSON(ctx, tx.raw, keySubcluster(sc.ID), sc)
}

func (tx *KernelTx) GetSubcluster(ctx context.Context, id string) (*domain.Subcluster, error) {
	sc, ok, err := getJSON[domain.Subcluster](ctx, tx.raw, keySubcluster(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.New(kernelerr.SubclusterNotFound, "subcluster %q not found", id)
	}
	return sc, nil
}

func (tx *KernelTx) DeleteSubcluster(ctx context.Context, id string) error {
	return tx.raw.Delete(ctx, keySubcluster(id))
}

// ScanSubclusters calls fn for every persisted subcluster record, for the
// control plane's getStatus.
func (tx *KernelTx) ScanSubclusters(ctx context.Context, fn func(*domain.Subcluster) error) error {
	return tx.raw.IteratePrefix(ctx, "subcluster.", func(_, v string) (bool, error) {
		var sc domain.Subcluster
		if err := json.Unmarshal([]byte(v), &sc); err != nil {
			return false, fmt.Errorf("store: decode subcluster: %w", err)
		}
		if err := fn(&sc); err != nil {
			return false, err
		}
		return true, nil
	})
}
