package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRawStore is a RawStore backed by a single logical kv table in
// Postgres, reusing pgxpool the way the teacher's PostgresStore does for
// its domain tables (internal/store/postgres.go). One flat table is enough
// here because the typed views in kernelstore.go already encode the key
// schema from spec.md §4.1; a single WHERE key LIKE $1 query backs
// IteratePrefix.
type PostgresRawStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRawStore(ctx context.Context, dsn string) (*PostgresRawStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	s := &PostgresRawStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresRawStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresRawStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("store: postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresRawStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS kernel_kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresRawStore) BeginTx(ctx context.Context) (RawTx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &pgRawTx{tx: tx}, nil
}

type pgRawTx struct {
	tx pgx.Tx
}

func (t *pgRawTx) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.tx.QueryRow(ctx, `SELECT value FROM kernel_kv WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, true, nil
}

func (t *pgRawTx) Put(ctx context.Context, key, value string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO kernel_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

func (t *pgRawTx) Delete(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM kernel_kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

func (t *pgRawTx) IteratePrefix(ctx context.Context, prefix string, fn func(key, value string) (bool, error)) error {
	like := strings.ReplaceAll(prefix, "%", `\%`) + "%"
	rows, err := t.tx.Query(ctx, `SELECT key, value FROM kernel_kv WHERE key LIKE $1 ORDER BY key`, like)
	if err != nil {
		return fmt.Errorf("store: iterate prefix %q: %w", prefix, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("store: scan row: %w", err)
		}
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return rows.Err()
}

func (t *pgRawTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *pgRawTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
