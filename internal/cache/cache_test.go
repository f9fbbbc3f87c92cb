package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	set, err := r.SetNX(ctx, "webhook:abc", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = r.SetNX(ctx, "webhook:abc", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)
	assert.True(t, mr.Exists("orderhub:webhook:abc"))

	mr.FastForward(2 * time.Minute)
	set, err = r.SetNX(ctx, "webhook:abc", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, set, "expired key can be claimed again")

	require.NoError(t, r.Set(ctx, "marketb:token", "tok", 0))
	v, ok, err := r.Get(ctx, "marketb:token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", v)

	require.NoError(t, r.Delete(ctx, "marketb:token"))
	_, ok, err = r.Get(ctx, "marketb:token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	r.Close()

	_, err = DialRedis(context.Background(), "::bad")
	assert.Error(t, err)
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := m.SetNX(ctx, "k", "v", time.Minute)
	assert.True(t, ok)
	ok, _ = m.SetNX(ctx, "k", "v", time.Minute)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	_, found, _ := m.Get(ctx, "k")
	assert.False(t, found)

	require.NoError(t, m.Set(ctx, "forever", "x", 0))
	now = now.Add(24 * time.Hour)
	v, found, _ := m.Get(ctx, "forever")
	assert.True(t, found)
	assert.Equal(t, "x", v)

	require.NoError(t, m.Delete(ctx, "forever"))
	_, found, _ = m.Get(ctx, "forever")
	assert.False(t, found)
}
