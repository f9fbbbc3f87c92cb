// Package cache is the small key/value store shared by the webhook dedupe
// and the marketplace token cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store interface {
	// Get returns ok=false when the key is missing or expired.
	Get(ctx context.Context, key string) (val string, ok bool, err error)
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	// SetNX stores val only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

const keyPrefix = "orderhub:"

// Redis implements Store on a go-redis client. A ttl of 0 means no expiry.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis { return &Redis{client: client} }

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{client: rdb}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return r.client.Set(ctx, keyPrefix+key, val, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyPrefix+key, val, ttl).Result()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

type entry struct {
	val     string
	expires time.Time
}

// Memory is the in-process fallback when no Redis is configured.
type Memory struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: map[string]entry{}, now: time.Now}
}

func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.items[key]
	if !ok {
		return e, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.items, key)
		return e, false
	}
	return e, true
}

func (m *Memory) put(key, val string, ttl time.Duration) {
	e := entry{val: val}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.items[key] = e
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	e, ok := m.live(key)
	return e.val, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.put(key, val, ttl)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.put(key, val, ttl)
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
