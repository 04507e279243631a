package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/internal/cache"
	"tiercache/internal/config"
	"tiercache/internal/redis"
)

// newTieredManager builds a full L1+L2+L3 manager over miniredis and a
// temp directory
func newTieredManager(t *testing.T) (*cache.Manager, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)

	disk, err := cache.NewDiskStore(t.TempDir(), time.Hour, time.Hour)
	require.NoError(t, err)

	mgr, err := cache.NewManager(map[cache.Tier]cache.Store{
		cache.TierL1: cache.NewMemoryStore(100, time.Minute, config.EvictLRU),
		cache.TierL2: cache.NewRedisStore(client, "tc:", 30*time.Minute),
		cache.TierL3: disk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return mgr, mr
}

func TestNewManager(t *testing.T) {
	t.Run("requires at least one tier", func(t *testing.T) {
		_, err := cache.NewManager(nil)
		assert.Error(t, err)
	})

	t.Run("rejects unknown tiers", func(t *testing.T) {
		_, err := cache.NewManager(map[cache.Tier]cache.Store{
			cache.Tier("l9"): cache.NewMemoryStore(10, 0, config.EvictLRU),
		})
		assert.Error(t, err)
	})
}

func TestManager_Tiers(t *testing.T) {
	mgr, _ := newTieredManager(t)
	assert.Equal(t, []cache.Tier{cache.TierL1, cache.TierL2, cache.TierL3}, mgr.Tiers())
}

func TestManager_SetGet(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "user:42", []byte(`{"name":"ada"}`), cache.WriteOptions{
		Tags: []string{"users"},
	}))

	value, found, err := mgr.Get(ctx, "user:42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"name":"ada"}`), value)

	// the fan-out reached every tier
	for _, tier := range mgr.Tiers() {
		value, found, err := mgr.Get(ctx, "user:42", tier)
		require.NoError(t, err)
		assert.True(t, found, "tier %s", tier)
		assert.Equal(t, []byte(`{"name":"ada"}`), value)
	}
}

func TestManager_RejectsEmptyKey(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	assert.Error(t, mgr.Set(ctx, "", []byte("v"), cache.WriteOptions{}))
}

func TestManager_ExplicitTierGet(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "k", []byte("v"), cache.WriteOptions{
		Tiers: []cache.Tier{cache.TierL1},
	}))

	t.Run("queries only the named tier", func(t *testing.T) {
		_, found, err := mgr.Get(ctx, "k", cache.TierL2)
		require.NoError(t, err)
		assert.False(t, found, "the L1-only write never reached L2")
	})

	t.Run("unconfigured tier is an error", func(t *testing.T) {
		l1only, err := cache.NewManager(map[cache.Tier]cache.Store{
			cache.TierL1: cache.NewMemoryStore(10, 0, config.EvictLRU),
		})
		require.NoError(t, err)

		_, _, err = l1only.Get(ctx, "k", cache.TierL3)
		assert.Error(t, err)
	})
}

func TestManager_PromotionOnSlowTierHit(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "cold", []byte("v"), cache.WriteOptions{
		Tiers: []cache.Tier{cache.TierL3},
	}))

	_, found, err := mgr.Get(ctx, "cold", cache.TierL1)
	require.NoError(t, err)
	require.False(t, found, "precondition: not yet in L1")

	value, found, err := mgr.Get(ctx, "cold")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	// the L3 hit was promoted into both faster tiers
	_, found, err = mgr.Get(ctx, "cold", cache.TierL1)
	require.NoError(t, err)
	assert.True(t, found, "promoted into L1")
	_, found, err = mgr.Get(ctx, "cold", cache.TierL2)
	require.NoError(t, err)
	assert.True(t, found, "promoted into L2")
}

func TestManager_FailedTierFallsThrough(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)

	disk, err := cache.NewDiskStore(t.TempDir(), time.Hour, time.Hour)
	require.NoError(t, err)

	mgr, err := cache.NewManager(map[cache.Tier]cache.Store{
		cache.TierL2: cache.NewRedisStore(client, "tc:", 0),
		cache.TierL3: disk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	require.NoError(t, mgr.Set(ctx, "k", []byte("v"), cache.WriteOptions{
		Tiers: []cache.Tier{cache.TierL3},
	}))

	// take the L2 backend down; reads must still succeed from L3
	mr.Close()

	value, found, err := mgr.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	t.Run("fan-out write surfaces the failed tier", func(t *testing.T) {
		err := mgr.Set(ctx, "k2", []byte("v"), cache.WriteOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tier l2")

		// the healthy tier still has the value
		_, found, getErr := mgr.Get(ctx, "k2", cache.TierL3)
		require.NoError(t, getErr)
		assert.True(t, found)
	})
}

func TestManager_Delete(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "k", []byte("v"), cache.WriteOptions{}))

	removed, err := mgr.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err := mgr.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	removed, err = mgr.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed, "nothing left to remove anywhere")

	t.Run("tier subset leaves other tiers intact", func(t *testing.T) {
		require.NoError(t, mgr.Set(ctx, "partial", []byte("v"), cache.WriteOptions{}))

		removed, err := mgr.Delete(ctx, "partial", cache.TierL1, cache.TierL2)
		require.NoError(t, err)
		assert.True(t, removed)

		_, found, _ := mgr.Get(ctx, "partial", cache.TierL3)
		assert.True(t, found)
	})
}

func TestManager_InvalidateByTag(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "user:1", []byte("v"), cache.WriteOptions{Tags: []string{"users"}}))
	require.NoError(t, mgr.Set(ctx, "user:2", []byte("v"), cache.WriteOptions{Tags: []string{"users"}}))
	require.NoError(t, mgr.Set(ctx, "post:1", []byte("v"), cache.WriteOptions{Tags: []string{"posts"}}))

	count, err := mgr.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 6, count, "two keys in three tiers each")

	_, found, err := mgr.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = mgr.Get(ctx, "post:1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestManager_InvalidateByPrefix(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "user:1", []byte("v"), cache.WriteOptions{}))
	require.NoError(t, mgr.Set(ctx, "user:2", []byte("v"), cache.WriteOptions{}))
	require.NoError(t, mgr.Set(ctx, "post:1", []byte("v"), cache.WriteOptions{}))

	count, err := mgr.InvalidateByPrefix(ctx, "user:")
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	_, found, err := mgr.Get(ctx, "user:2")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = mgr.Get(ctx, "post:1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestManager_PerTierTTLs(t *testing.T) {
	ctx := context.Background()
	mgr, mr := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "k", []byte("v"), cache.WriteOptions{
		TTLs: map[cache.Tier]time.Duration{
			cache.TierL1: 20 * time.Millisecond,
			cache.TierL2: 50 * time.Millisecond,
			cache.TierL3: time.Hour,
		},
	}))

	time.Sleep(30 * time.Millisecond)
	mr.FastForward(100 * time.Millisecond)

	_, found, err := mgr.Get(ctx, "k", cache.TierL1)
	require.NoError(t, err)
	assert.False(t, found, "expired out of L1")

	_, found, err = mgr.Get(ctx, "k", cache.TierL2)
	require.NoError(t, err)
	assert.False(t, found, "expired out of L2")

	_, found, err = mgr.Get(ctx, "k", cache.TierL3)
	require.NoError(t, err)
	assert.True(t, found, "still durable in L3")
}

func TestManager_TaggedEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	payload := []byte(`{"name":"ada","plan":"pro"}`)
	require.NoError(t, mgr.Set(ctx, "user:42", payload, cache.WriteOptions{
		TTLs: map[cache.Tier]time.Duration{
			cache.TierL1: time.Minute,
			cache.TierL2: time.Minute,
			cache.TierL3: time.Minute,
		},
		Tags: []string{"users"},
	}))

	value, found, err := mgr.Get(ctx, "user:42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, payload, value)

	count, err := mgr.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	for _, tier := range mgr.Tiers() {
		_, found, err := mgr.Get(ctx, "user:42", tier)
		require.NoError(t, err)
		assert.False(t, found, "tier %s still serves the invalidated entry", tier)
	}
}

func TestManager_Clear(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "k", []byte("v"), cache.WriteOptions{}))
	require.NoError(t, mgr.Clear(ctx))

	_, found, err := mgr.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_Stats(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Set(ctx, "k", []byte("v"), cache.WriteOptions{}))
	_, _, _ = mgr.Get(ctx, "k")

	stats := mgr.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, cache.TierL1, stats[0].Tier)
	assert.Equal(t, cache.TierL2, stats[1].Tier)
	assert.Equal(t, cache.TierL3, stats[2].Tier)
	assert.Equal(t, int64(1), stats[0].Hits, "walk stopped at the first hit")
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	mgr, _ := newTieredManager(t)

	require.NoError(t, mgr.Shutdown())
	require.NoError(t, mgr.Shutdown())
}
