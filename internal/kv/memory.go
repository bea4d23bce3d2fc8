package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memValue struct {
	data      []byte
	expiresAt time.Time
}

type memCollection struct {
	members   map[string]float64
	expiresAt time.Time
}

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu          sync.Mutex
	values      map[string]memValue
	collections map[string]*memCollection

	// Now is used for expiry checks and can be replaced in tests.
	Now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		values:      map[string]memValue{},
		collections: map[string]*memCollection{},
		Now:         time.Now,
	}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

// liveValue must be called with mu held.
func (m *MemoryStore) liveValue(key string) (memValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memValue{}, false
	}
	if m.expired(v.expiresAt) {
		delete(m.values, key)
		return memValue{}, false
	}
	return v, true
}

// liveCollection must be called with mu held.
func (m *MemoryStore) liveCollection(key string, create bool) *memCollection {
	c, ok := m.collections[key]
	if ok && m.expired(c.expiresAt) {
		delete(m.collections, key)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		c = &memCollection{members: map[string]float64{}}
		m.collections[key] = c
	}
	return c
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.liveValue(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([]byte, len(value))
	copy(data, value)
	m.values[key] = memValue{data: data, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveValue(key); ok {
		return false, nil
	}
	data := make([]byte, len(value))
	copy(data, value)
	m.values[key] = memValue{data: data, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.collections, k)
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.liveValue(key); ok {
		v.expiresAt = m.deadline(ttl)
		m.values[key] = v
	}
	if c := m.liveCollection(key, false); c != nil {
		c.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveCollection(key, true)
	for _, member := range members {
		c.members[member] = 0
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveCollection(key, false)
	if c == nil {
		return nil
	}
	for _, member := range members {
		delete(c.members, member)
	}
	if len(c.members) == 0 {
		delete(m.collections, key)
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveCollection(key, false)
	if c == nil {
		return []string{}, nil
	}
	out := make([]string, 0, len(c.members))
	for member := range c.members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveCollection(key, true).members[member] = score
	return nil
}

func (m *MemoryStore) ZRem(_ context.Context, key string, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveCollection(key, false)
	if c == nil {
		return false, nil
	}
	if _, ok := c.members[member]; !ok {
		return false, nil
	}
	delete(c.members, member)
	if len(c.members) == 0 {
		delete(m.collections, key)
	}
	return true, nil
}

func (m *MemoryStore) ZRangeByScore(_ context.Context, key string, max float64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveCollection(key, false)
	if c == nil {
		return []string{}, nil
	}
	type scored struct {
		member string
		score  float64
	}
	var due []scored
	for member, score := range c.members {
		if score <= max {
			due = append(due, scored{member, score})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score == due[j].score {
			return due[i].member < due[j].member
		}
		return due[i].score < due[j].score
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, s := range due {
		out[i] = s.member
	}
	return out, nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveCollection(key, false)
	if c == nil {
		return 0, nil
	}
	return int64(len(c.members)), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
