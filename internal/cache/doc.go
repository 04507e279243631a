// Package cache implements a tiered caching engine over three backing
// stores with one read/write surface.
//
// The tiers, fastest first:
//
// 1. MemoryStore (L1) - bounded in-process map
//   - LRU, FIFO or TTL eviction, expired entries reclaimed first
//   - capacity is a hard invariant, never exceeded
//
// 2. RedisStore (L2) - networked key-value backend
//   - backend-native expiring keys, so expiry needs no sweeping
//   - access metadata kept in best-effort JSON side-records
//   - tag reverse indices as backend sets
//
// 3. DiskStore (L3) - durable file-backed store
//   - one data file and one metadata sidecar per key, names hashed
//   - background sweep reclaims expired entries
//
// Manager composes the tiers: reads walk L1 to L3 and promote hits into
// the faster tiers, writes and invalidations fan out to a configurable
// tier subset. Every tier supports tag and prefix invalidation.
//
// Usage:
//
//	mgr, err := cache.NewManager(map[cache.Tier]cache.Store{
//		cache.TierL1: cache.NewMemoryStore(1000, 5*time.Minute, config.EvictLRU),
//		cache.TierL2: cache.NewRedisStore(client, "app:", 30*time.Minute),
//		cache.TierL3: disk,
//	})
//
//	err = mgr.Set(ctx, "user:42", payload, cache.WriteOptions{
//		Tags: []string{"users"},
//	})
//	value, found, err := mgr.Get(ctx, "user:42")
//	count, err := mgr.InvalidateByTag(ctx, "users")
//
// Memoize wraps a function so its results are cached in a manager, keyed
// by function identity and scalar arguments.
package cache
