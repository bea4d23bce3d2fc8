package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a single Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedis parses a redis:// URL, connects and pings the server.
func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond
	opts.DialTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisFromClient wraps an existing client, for callers that manage their own options.
func NewRedisFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.client.Persist(ctx, key).Err()
	}
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return r.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return r.client.SRem(ctx, key, toAny(members)...).Err()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisStore) ZRem(ctx context.Context, key string, member string) (bool, error) {
	n, err := r.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return r.client.ZRangeByScore(ctx, key, by).Result()
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

var _ Store = (*RedisStore)(nil)
