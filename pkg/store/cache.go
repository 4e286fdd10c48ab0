package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"contain/pkg/models"
)

// Cache is the small key/value surface the policy cache needs. redis.Nil is
// the miss sentinel for both implementations.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache wraps go-redis.
type RedisCache struct{ client *redis.Client }

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache is a simple in-memory TTL cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", redis.Nil
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[key] = memItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) cleanupLocked() {
	now := time.Now()
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewCache tries redis, falls back to memory.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisCache{client: client}
		}
	}
	return NewMemoryCache()
}

const policyStateKey = "containd:policy:v1"

// PolicyCache holds the assembled policy snapshot for a short window so the
// hot authorize path does not hit postgres per request. Cache failures
// degrade to a database read, never to a wrong answer.
type PolicyCache struct {
	cache Cache
	ttl   time.Duration
}

func NewPolicyCache(cache Cache, ttl time.Duration) *PolicyCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &PolicyCache{cache: cache, ttl: ttl}
}

func (p *PolicyCache) Get(ctx context.Context) (*models.PolicyState, bool) {
	raw, err := p.cache.Get(ctx, policyStateKey)
	if err != nil {
		return nil, false
	}
	var state models.PolicyState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		_ = p.cache.Del(ctx, policyStateKey)
		return nil, false
	}
	return &state, true
}

func (p *PolicyCache) Put(ctx context.Context, state *models.PolicyState) {
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = p.cache.Set(ctx, policyStateKey, string(raw), p.ttl)
}

// Invalidate drops the snapshot after any rule mutation.
func (p *PolicyCache) Invalidate(ctx context.Context) {
	_ = p.cache.Del(ctx, policyStateKey)
}
