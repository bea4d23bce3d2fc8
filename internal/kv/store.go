// Package kv is the single shared persistence layer of the delivery engine.
//
// Every engine component reads and writes through Store. There are no
// transactions: each call is an independent round trip, and concurrent
// writers to the same key race with last-write-wins semantics. SetNX is the
// only conditional primitive and is used for leases and append-only records.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the generic key-value abstraction. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRem reports whether member was present; callers use it to claim work.
	ZRem(ctx context.Context, key string, member string) (bool, error)
	// ZRangeByScore returns up to limit members with score <= max, lowest first.
	ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
