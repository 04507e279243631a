package cache

import (
	"context"
	"time"
)

// Tier identifies one backing store in the hierarchy
type Tier string

const (
	// TierL1 is the in-process bounded tier
	TierL1 Tier = "l1"
	// TierL2 is the networked key-value tier
	TierL2 Tier = "l2"
	// TierL3 is the durable file-backed tier
	TierL3 Tier = "l3"
)

// tierOrder is the read path: fastest first
var tierOrder = []Tier{TierL1, TierL2, TierL3}

// Store is the contract every tier implements. A miss is reported through
// the found return, never as an error; errors mean the tier itself failed.
type Store interface {
	// Get returns the stored value, recording the access. Expired entries
	// are treated as misses (and may be removed as a side effect).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value, replacing any existing entry and its tag
	// associations. A non-positive ttl falls back to the tier default;
	// NoExpiry stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error

	// Delete removes an entry and its tag associations, reporting whether
	// anything was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// InvalidateByTag deletes every key currently associated with tag,
	// returning the number removed.
	InvalidateByTag(ctx context.Context, tag string) (int, error)

	// InvalidateByPrefix deletes every key whose name starts with prefix,
	// returning the number removed.
	InvalidateByPrefix(ctx context.Context, prefix string) (int, error)

	// Clear drops all entries, indices and orderings.
	Clear(ctx context.Context) error

	// Stats returns a point-in-time snapshot of tier counters.
	Stats() Stats

	// Close releases tier resources. Idempotent.
	Close() error
}

// NoExpiry as a TTL stores an entry that never expires, bypassing the
// tier's default TTL.
const NoExpiry time.Duration = -1

// effectiveTTL resolves the ttl a caller passed against a tier default.
func effectiveTTL(ttl, tierDefault time.Duration) time.Duration {
	if ttl == NoExpiry {
		return 0
	}
	if ttl <= 0 {
		return tierDefault
	}
	return ttl
}

// Stats is a snapshot of per-tier counters
type Stats struct {
	Tier      Tier  `json:"tier"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size,omitempty"`
}

// KVClient is the boundary to the L2 backend: any networked key-value
// service exposing expiring keys, key scans and set membership is
// pluggable here.
type KVClient interface {
	// Get returns the raw value for key, with found=false on a miss
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key; ttl <= 0 means no backend expiry
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys, returning how many existed
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Keys returns all keys matching a glob-style pattern
	Keys(ctx context.Context, pattern string) ([]string, error)
	// SetAdd adds members to the set stored at key
	SetAdd(ctx context.Context, key string, members ...string) error
	// SetRemove removes members from the set stored at key
	SetRemove(ctx context.Context, key string, members ...string) error
	// SetMembers returns all members of the set stored at key
	SetMembers(ctx context.Context, key string) ([]string, error)
	// Close releases the client's resources
	Close() error
}

// KVWriter is the write surface available inside a batched pipeline
type KVWriter interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
}

// KVPipeliner is implemented by clients whose backend can batch a group of
// writes atomically. The L2 tier upgrades to it when available; otherwise
// writes apply value first, then metadata, then tag indices.
type KVPipeliner interface {
	Pipelined(ctx context.Context, fn func(w KVWriter) error) error
}
