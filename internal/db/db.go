// Package db opens the key-value backend the services run on.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/jobhook/internal/config"
	"github.com/austindbirch/jobhook/internal/kv"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// OpenStore opens the backend named by cfg.Store.Backend. The Postgres
// backend creates its schema on open.
func OpenStore(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch cfg.Store.Backend {
	case "redis", "":
		return kv.NewRedis(ctx, cfg.Store.RedisURL)
	case "postgres":
		pool, err := Connect(ctx, cfg.DSN(), 10)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		store := kv.NewPostgres(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case "memory":
		return kv.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
