package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemRawStore is an in-process RawStore backed by a map guarded by a single
// mutex. Transactions are copy-on-write: BeginTx snapshots nothing eagerly,
// reads go straight to the live map (single-writer model, matching the
// router's single-threaded cycle, spec.md §5), writes are buffered in the
// tx and applied atomically on Commit. Suitable for tests and single-node
// dev mode; grounded on the in-memory TTL-map style of
// checkpoint.Store in the teacher repo, without the TTL (kernel state has
// no expiry).
type MemRawStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemRawStore() *MemRawStore {
	return &MemRawStore{data: make(map[string]string)}
}

func (s *MemRawStore) Close() error            { return nil }
func (s *MemRawStore) Ping(_ context.Context) error { return nil }

func (s *MemRawStore) BeginTx(_ context.Context) (RawTx, error) {
	return &memRawTx{store: s, puts: make(map[string]string), deletes: make(map[string]bool)}, nil
}

type memRawTx struct {
	store   *MemRawStore
	puts    map[string]string
	deletes map[string]bool
	done    bool
}

func (tx *memRawTx) Get(_ context.Context, key string) (string, bool, error) {
	if tx.deletes[key] {
		return "", false, nil
	}
	if v, ok := tx.puts[key]; ok {
		return v, true, nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	v, ok := tx.store.data[key]
	return v, ok, nil
}

func (tx *memRawTx) Put(_ context.Context, key, value string) error {
	delete(tx.deletes, key)
	tx.puts[key] = value
	return nil
}

func (tx *memRawTx) Delete(_ context.Context, key string) error {
	delete(tx.puts, key)
	tx.deletes[key] = true
	return nil
}

func (tx *memRawTx) IteratePrefix(_ context.Context, prefix string, fn func(key, value string) (bool, error)) error {
	tx.store.mu.Lock()
	keys := make([]string, 0, len(tx.store.data))
	merged := make(map[string]string, len(tx.store.data))
	for k, v := range tx.store.data {
		merged[k] = v
	}
	tx.store.mu.Unlock()

	for k, v := range tx.puts {
		merged[k] = v
	}
	for k := range tx.deletes {
		delete(merged, k)
	}
	for k := range merged {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		cont, err := fn(k, merged[k])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (tx *memRawTx) Commit(_ context.Context) error {
	if tx.done {
		return fmt.Errorf("store: transaction already closed")
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for k, v := range tx.puts {
		tx.store.data[k] = v
	}
	for k := range tx.deletes {
		delete(tx.store.data, k)
	}
	return nil
}

func (tx *memRawTx) Rollback(_ context.Context) error {
	tx.done = true
	tx.puts = nil
	tx.deletes = nil
	return nil
}
