package kv

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type backend struct {
	name    string
	store   Store
	advance func(d time.Duration)
}

// backends returns every Store implementation that can run without external services.
func backends(t *testing.T) []backend {
	t.Helper()

	mem := NewMemory()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mem.Now = func() time.Time { return clock }

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []backend{
		{
			name:    "memory",
			store:   mem,
			advance: func(d time.Duration) { clock = clock.Add(d) },
		},
		{
			name:    "redis",
			store:   NewRedisFromClient(client),
			advance: mr.FastForward,
		},
	}
}

func TestStore_GetSet(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := b.store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}

			payload := []byte(`{"a": 1,  "b":[true,null]}`)
			if err := b.store.Set(ctx, "k", payload, 0); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := b.store.Get(ctx, "k")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != string(payload) {
				t.Errorf("Get() = %q, want %q", got, payload)
			}

			if err := b.store.Del(ctx, "k"); err != nil {
				t.Fatalf("Del() error = %v", err)
			}
			if _, err := b.store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after Del error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_TTL(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.store.Set(ctx, "short", []byte("v"), time.Minute); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := b.store.SAdd(ctx, "set", "a"); err != nil {
				t.Fatalf("SAdd() error = %v", err)
			}
			if err := b.store.Expire(ctx, "set", time.Minute); err != nil {
				t.Fatalf("Expire() error = %v", err)
			}

			b.advance(30 * time.Second)
			if _, err := b.store.Get(ctx, "short"); err != nil {
				t.Errorf("Get() before expiry error = %v", err)
			}

			b.advance(31 * time.Second)
			if _, err := b.store.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after expiry error = %v, want ErrNotFound", err)
			}
			members, err := b.store.SMembers(ctx, "set")
			if err != nil {
				t.Fatalf("SMembers() error = %v", err)
			}
			if len(members) != 0 {
				t.Errorf("SMembers() after expiry = %v, want empty", members)
			}
		})
	}
}

func TestStore_SetNX(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := b.store.SetNX(ctx, "lease", []byte("one"), time.Minute)
			if err != nil || !ok {
				t.Fatalf("SetNX() first = %v, %v, want true, nil", ok, err)
			}
			ok, err = b.store.SetNX(ctx, "lease", []byte("two"), time.Minute)
			if err != nil || ok {
				t.Fatalf("SetNX() second = %v, %v, want false, nil", ok, err)
			}
			got, _ := b.store.Get(ctx, "lease")
			if string(got) != "one" {
				t.Errorf("Get() = %q, want %q", got, "one")
			}

			b.advance(2 * time.Minute)
			ok, err = b.store.SetNX(ctx, "lease", []byte("three"), time.Minute)
			if err != nil || !ok {
				t.Errorf("SetNX() after expiry = %v, %v, want true, nil", ok, err)
			}
		})
	}
}

func TestStore_Sets(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.store.SAdd(ctx, "s", "b", "a", "c", "a"); err != nil {
				t.Fatalf("SAdd() error = %v", err)
			}
			if err := b.store.SRem(ctx, "s", "c"); err != nil {
				t.Fatalf("SRem() error = %v", err)
			}
			members, err := b.store.SMembers(ctx, "s")
			if err != nil {
				t.Fatalf("SMembers() error = %v", err)
			}
			got := map[string]bool{}
			for _, m := range members {
				got[m] = true
			}
			want := map[string]bool{"a": true, "b": true}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("SMembers() = %v, want %v", got, want)
			}
		})
	}
}

func TestStore_SortedSets(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			for member, score := range map[string]float64{"late": 300, "early": 100, "mid": 200} {
				if err := b.store.ZAdd(ctx, "z", score, member); err != nil {
					t.Fatalf("ZAdd(%s) error = %v", member, err)
				}
			}

			due, err := b.store.ZRangeByScore(ctx, "z", 250, 0)
			if err != nil {
				t.Fatalf("ZRangeByScore() error = %v", err)
			}
			if want := []string{"early", "mid"}; !reflect.DeepEqual(due, want) {
				t.Errorf("ZRangeByScore(250) = %v, want %v", due, want)
			}

			limited, _ := b.store.ZRangeByScore(ctx, "z", 1000, 1)
			if want := []string{"early"}; !reflect.DeepEqual(limited, want) {
				t.Errorf("ZRangeByScore(limit 1) = %v, want %v", limited, want)
			}

			removed, err := b.store.ZRem(ctx, "z", "early")
			if err != nil || !removed {
				t.Errorf("ZRem(early) = %v, %v, want true, nil", removed, err)
			}
			removed, _ = b.store.ZRem(ctx, "z", "early")
			if removed {
				t.Errorf("ZRem(early) twice = true, want false")
			}

			n, err := b.store.ZCard(ctx, "z")
			if err != nil || n != 2 {
				t.Errorf("ZCard() = %d, %v, want 2, nil", n, err)
			}
		})
	}
}
