// Package store is the kernel's transactional key/value persistence layer
// and the typed accessors derived from it (spec.md §4.1). RawStore is the
// untyped transactional kv substrate; KernelStore layers typed views
// (objects, promises, c-lists, run queue, vat partitions, counters) on top,
// so that swapping RawStore implementations (in-memory for tests,
// PostgreSQL for production) never touches the typed logic.
package store

import "context"

// RawTx is one atomic transaction over the kv namespace. Every delivery
// cycle opens exactly one RawTx; all mutations observed during that cycle
// (c-list edits, ref-count deltas, queue appends, queue advance, vat
// checkpoint) are written through it and committed together.
type RawTx interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// IteratePrefix calls fn for every key with the given prefix, in
	// lexicographic key order, until fn returns false or an error. Used for
	// startup recovery range-iteration (e.g. replaying queue.run.<seq>).
	IteratePrefix(ctx context.Context, prefix string, fn func(key, value string) (bool, error)) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RawStore is the transactional kv substrate. Implementations: MemRawStore
// (in-process map, for tests and single-node dev mode) and PostgresRawStore
// (pgx-backed, for production).
type RawStore interface {
	BeginTx(ctx context.Context) (RawTx, error)
	Close() error
	Ping(ctx context.Context) error
}
