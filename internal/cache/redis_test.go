package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/internal/cache"
	"tiercache/internal/redis"
)

func newL2(t *testing.T, defaultTTL time.Duration) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)

	store := cache.NewRedisStore(client, "tc:", defaultTTL)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_SetGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "user:42", []byte(`{"name":"ada"}`), time.Minute, []string{"users"}))

	value, found, err := store.Get(ctx, "user:42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"name":"ada"}`), value)
}

func TestRedisStore_GetMiss(t *testing.T) {
	ctx := context.Background()
	store, _ := newL2(t, 0)

	_, found, err := store.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_KeyNamespaces(t *testing.T) {
	ctx := context.Background()
	store, mr := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute, []string{"users"}))

	assert.True(t, mr.Exists("tc:v:k"), "value key")
	assert.True(t, mr.Exists("tc:m:k"), "metadata side-record")
	assert.True(t, mr.Exists("tc:t:users"), "tag reverse index")
}

func TestRedisStore_BackendTTL(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit ttl is enforced by the backend", func(t *testing.T) {
		store, mr := newL2(t, 0)

		require.NoError(t, store.Set(ctx, "short", []byte("v"), 50*time.Millisecond, nil))
		mr.FastForward(100 * time.Millisecond)

		_, found, err := store.Get(ctx, "short")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("zero ttl uses the tier default", func(t *testing.T) {
		store, mr := newL2(t, 50*time.Millisecond)

		require.NoError(t, store.Set(ctx, "defaulted", []byte("v"), 0, nil))
		mr.FastForward(100 * time.Millisecond)

		_, found, _ := store.Get(ctx, "defaulted")
		assert.False(t, found)
	})

	t.Run("NoExpiry bypasses the tier default", func(t *testing.T) {
		store, mr := newL2(t, 50*time.Millisecond)

		require.NoError(t, store.Set(ctx, "forever", []byte("v"), cache.NoExpiry, nil))
		mr.FastForward(time.Hour)

		_, found, _ := store.Get(ctx, "forever")
		assert.True(t, found)
	})
}

func TestRedisStore_AccessMetadata(t *testing.T) {
	ctx := context.Background()
	store, mr := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute, nil))
	_, _, _ = store.Get(ctx, "k")
	_, _, _ = store.Get(ctx, "k")

	raw, err := mr.Get("tc:m:k")
	require.NoError(t, err)

	var meta struct {
		AccessCount    int64     `json:"access_count"`
		CreatedAt      time.Time `json:"created_at"`
		LastAccessedAt time.Time `json:"last_accessed_at"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &meta))
	assert.Equal(t, int64(2), meta.AccessCount)
	assert.False(t, meta.LastAccessedAt.Before(meta.CreatedAt))

	// the touched record keeps its remaining lifetime instead of resetting it
	ttl := mr.TTL("tc:m:k")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisStore_OverwriteReplacesTags(t *testing.T) {
	ctx := context.Background()
	store, mr := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Minute, []string{"old"}))
	require.NoError(t, store.Set(ctx, "k", []byte("v2"), time.Minute, []string{"new"}))

	assert.False(t, mr.Exists("tc:t:old"), "old tag set pruned once empty")

	count, err := store.InvalidateByTag(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, count)

	value, found, _ := store.Get(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)
}

func TestRedisStore_DeleteIdempotence(t *testing.T) {
	ctx := context.Background()
	store, mr := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute, []string{"t"}))

	removed, err := store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	assert.False(t, mr.Exists("tc:v:k"))
	assert.False(t, mr.Exists("tc:m:k"), "metadata record removed with the value")
	assert.False(t, mr.Exists("tc:t:t"), "tag membership removed with the value")

	removed, err = store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisStore_InvalidateByTag(t *testing.T) {
	ctx := context.Background()
	store, mr := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "u1", []byte("v"), time.Minute, []string{"users"}))
	require.NoError(t, store.Set(ctx, "u2", []byte("v"), time.Minute, []string{"users"}))
	require.NoError(t, store.Set(ctx, "p1", []byte("v"), time.Minute, []string{"posts"}))

	count, err := store.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, found, _ := store.Get(ctx, "u1")
	assert.False(t, found)
	_, found, _ = store.Get(ctx, "p1")
	assert.True(t, found)
	assert.False(t, mr.Exists("tc:t:users"))

	t.Run("stale index members are no-ops", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "x", []byte("v"), time.Minute, []string{"stale"}))
		// simulate a value expiring out from under its index
		mr.Del("tc:v:x")
		mr.Del("tc:m:x")

		count, err := store.InvalidateByTag(ctx, "stale")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("unknown tag is a no-op", func(t *testing.T) {
		count, err := store.InvalidateByTag(ctx, "nope")
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestRedisStore_InvalidateByPrefix(t *testing.T) {
	ctx := context.Background()
	store, mr := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "user:1", []byte("v"), time.Minute, []string{"users"}))
	require.NoError(t, store.Set(ctx, "user:2", []byte("v"), time.Minute, nil))
	require.NoError(t, store.Set(ctx, "post:1", []byte("v"), time.Minute, nil))

	count, err := store.InvalidateByPrefix(ctx, "user:")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "metadata and tag keys in other namespaces are never counted")

	_, found, _ := store.Get(ctx, "user:1")
	assert.False(t, found)
	assert.False(t, mr.Exists("tc:m:user:1"), "derived records removed with the value")
	_, found, _ = store.Get(ctx, "post:1")
	assert.True(t, found)
}

func TestRedisStore_InvalidateByPrefixMatchesLiterally(t *testing.T) {
	ctx := context.Background()
	store, _ := newL2(t, 0)

	// keys whose names contain scan-pattern metacharacters
	require.NoError(t, store.Set(ctx, "a[1]:x", []byte("v"), time.Minute, nil))
	require.NoError(t, store.Set(ctx, "a[1]:y", []byte("v"), time.Minute, nil))
	require.NoError(t, store.Set(ctx, "a1:z", []byte("v"), time.Minute, nil))

	count, err := store.InvalidateByPrefix(ctx, "a[1]:")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "the bracket is a literal, not a character class")

	_, found, _ := store.Get(ctx, "a1:z")
	assert.True(t, found)

	t.Run("star in the prefix", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "q*a", []byte("v"), time.Minute, nil))
		require.NoError(t, store.Set(ctx, "qqa", []byte("v"), time.Minute, nil))

		count, err := store.InvalidateByPrefix(ctx, "q*")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		_, found, _ := store.Get(ctx, "qqa")
		assert.True(t, found)
	})
}

func TestRedisStore_Clear(t *testing.T) {
	ctx := context.Background()
	store, mr := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute, []string{"t"}))
	require.NoError(t, mr.Set("unrelated", "x"))

	require.NoError(t, store.Clear(ctx))

	assert.False(t, mr.Exists("tc:v:k"))
	assert.False(t, mr.Exists("tc:m:k"))
	assert.False(t, mr.Exists("tc:t:t"))
	assert.True(t, mr.Exists("unrelated"), "keys outside the store prefix survive")

	require.NoError(t, store.Clear(ctx))
}

func TestRedisStore_Stats(t *testing.T) {
	ctx := context.Background()
	store, _ := newL2(t, 0)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute, nil))
	_, _, _ = store.Get(ctx, "k")
	_, _, _ = store.Get(ctx, "missing")

	stats := store.Stats()
	assert.Equal(t, cache.TierL2, stats.Tier)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
