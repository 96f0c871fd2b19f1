package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amishk599/autobid/internal/model"
)

var _ model.KVStore = (*PostgresKV)(nil)

// PostgresKV is the multi-host KV store. The rate-limit window belongs to the
// marketplace account, so daemons on different machines must see one window.
type PostgresKV struct {
	pool *pgxpool.Pool
}

// NewPostgresKV connects to dsn and ensures the autobid_kv table exists.
func NewPostgresKV(ctx context.Context, dsn string) (*PostgresKV, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS autobid_kv (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating autobid_kv table: %w", err)
	}
	return &PostgresKV{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresKV) Close() {
	p.pool.Close()
}

func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, "SELECT value FROM autobid_kv WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading key %s: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO autobid_kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing key %s: %w", key, err)
	}
	return nil
}

func (p *PostgresKV) CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error) {
	var sql string
	var args []any
	switch {
	case old == nil && next == nil:
		_, ok, err := p.Get(ctx, key)
		return !ok, err
	case old == nil:
		sql = "INSERT INTO autobid_kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING"
		args = []any{key, next}
	case next == nil:
		sql = "DELETE FROM autobid_kv WHERE key = $1 AND value = $2"
		args = []any{key, old}
	default:
		sql = "UPDATE autobid_kv SET value = $3, updated_at = now() WHERE key = $1 AND value = $2"
		args = []any{key, old, next}
	}
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresKV) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM autobid_kv WHERE key = $1", key); err != nil {
		return fmt.Errorf("deleting key %s: %w", key, err)
	}
	return nil
}

func (p *PostgresKV) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT key, value FROM autobid_kv WHERE left(key, $1) = $2", len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("listing prefix %s: %w", prefix, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
