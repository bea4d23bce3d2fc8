package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables backing PostgresStore. Plain values live in kv;
// sets and sorted sets share kv_members, with their TTL tracked in kv_collections.
const Schema = `
CREATE SCHEMA IF NOT EXISTS jobhook;
CREATE TABLE IF NOT EXISTS jobhook.kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS jobhook.kv_members (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (key, member)
);
CREATE INDEX IF NOT EXISTS kv_members_score_idx ON jobhook.kv_members (key, score);
CREATE TABLE IF NOT EXISTS jobhook.kv_collections (
	key        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);`

// PostgresStore implements Store on top of a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps pool. Call EnsureSchema once before use.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the backing tables if they do not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure kv schema: %w", err)
	}
	return nil
}

func expiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl).UTC()
	return &t
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM jobhook.kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO jobhook.kv(key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// An expired row counts as absent and may be taken over.
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO jobhook.kv(key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE jobhook.kv.expires_at IS NOT NULL AND jobhook.kv.expires_at <= now()`,
		key, value, expiresAt(ttl))
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (p *PostgresStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM jobhook.kv WHERE key = ANY($1)`, keys)
	batch.Queue(`DELETE FROM jobhook.kv_members WHERE key = ANY($1)`, keys)
	batch.Queue(`DELETE FROM jobhook.kv_collections WHERE key = ANY($1)`, keys)
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("kv del: %w", err)
	}
	return nil
}

func (p *PostgresStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	exp := expiresAt(ttl)
	batch := &pgx.Batch{}
	batch.Queue(`UPDATE jobhook.kv SET expires_at = $2 WHERE key = $1`, key, exp)
	if exp == nil {
		batch.Queue(`DELETE FROM jobhook.kv_collections WHERE key = $1`, key)
	} else {
		batch.Queue(`
			INSERT INTO jobhook.kv_collections(key, expires_at)
			SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM jobhook.kv_members WHERE key = $1)
			ON CONFLICT (key) DO UPDATE SET expires_at = excluded.expires_at`, key, *exp)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}

// purgeExpired drops an expired collection so that writes start from empty.
func (p *PostgresStore) purgeExpired(ctx context.Context, key string) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		DELETE FROM jobhook.kv_members WHERE key = $1 AND EXISTS (
			SELECT 1 FROM jobhook.kv_collections WHERE key = $1 AND expires_at <= now())`, key)
	batch.Queue(`DELETE FROM jobhook.kv_collections WHERE key = $1 AND expires_at <= now()`, key)
	return p.pool.SendBatch(ctx, batch).Close()
}

const liveCollection = `NOT EXISTS (
	SELECT 1 FROM jobhook.kv_collections c WHERE c.key = $1 AND c.expires_at <= now())`

func (p *PostgresStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := p.purgeExpired(ctx, key); err != nil {
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`
			INSERT INTO jobhook.kv_members(key, member) VALUES ($1, $2)
			ON CONFLICT (key, member) DO NOTHING`, key, m)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM jobhook.kv_members WHERE key = $1 AND member = ANY($2)`, key, members)
	if err != nil {
		return fmt.Errorf("kv srem %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT member FROM jobhook.kv_members
		WHERE key = $1 AND `+liveCollection+`
		ORDER BY member`, key)
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	return members, nil
}

func (p *PostgresStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := p.purgeExpired(ctx, key); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO jobhook.kv_members(key, member, score) VALUES ($1, $2, $3)
		ON CONFLICT (key, member) DO UPDATE SET score = excluded.score`, key, member, score)
	if err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) ZRem(ctx context.Context, key string, member string) (bool, error) {
	ct, err := p.pool.Exec(ctx, `DELETE FROM jobhook.kv_members WHERE key = $1 AND member = $2`, key, member)
	if err != nil {
		return false, fmt.Errorf("kv zrem %s: %w", key, err)
	}
	return ct.RowsAffected() > 0, nil
}

func (p *PostgresStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	q := `
		SELECT member FROM jobhook.kv_members
		WHERE key = $1 AND score <= $2 AND ` + liveCollection + `
		ORDER BY score, member`
	args := []any{key, max}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("kv zrangebyscore %s: %w", key, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("kv zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (p *PostgresStore) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobhook.kv_members WHERE key = $1 AND `+liveCollection, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kv zcard %s: %w", key, err)
	}
	return n, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
