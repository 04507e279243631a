package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tiercache/internal/common/logging"
)

// Key namespaces under the store prefix. Values, metadata side-records and
// tag reverse indices live in disjoint namespaces so a prefix scan over
// values can never count derived keys.
const (
	nsValue = "v:"
	nsMeta  = "m:"
	nsTag   = "t:"
)

// RedisStore is the L2 tier: values live in a networked key-value backend
// with native expiring keys, so TTL enforcement belongs to the backend and
// expired keys simply come back as misses. Access metadata is a JSON
// side-record updated best-effort on read. The multi-step write sequence
// (value, then metadata, then tag indices) is not atomic unless the client
// supports pipelining; a crash mid-write leaves the value readable and at
// worst a stale index.
type RedisStore struct {
	kv         KVClient
	prefix     string
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// entryMeta is the per-key metadata side-record
type entryMeta struct {
	Key            string     `json:"key"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	AccessCount    int64      `json:"access_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// NewRedisStore creates an L2 store on top of a key-value client. All keys
// the store writes are namespaced under prefix.
func NewRedisStore(kv KVClient, prefix string, defaultTTL time.Duration) *RedisStore {
	return &RedisStore{
		kv:         kv,
		prefix:     prefix,
		defaultTTL: defaultTTL,
	}
}

func (r *RedisStore) valueKey(key string) string { return r.prefix + nsValue + key }
func (r *RedisStore) metaKey(key string) string  { return r.prefix + nsMeta + key }
func (r *RedisStore) tagKey(tag string) string   { return r.prefix + nsTag + tag }

// Get returns the stored value. The access-metadata update is best-effort:
// its failure is logged and never fails the read.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := r.kv.Get(ctx, r.valueKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("l2 get %q: %w", key, err)
	}
	if !found {
		r.misses.Add(1)
		return nil, false, nil
	}

	r.touchMeta(ctx, key)
	r.hits.Add(1)
	return value, true, nil
}

// touchMeta bumps the access metadata side-record, preserving its
// remaining lifetime. Never fails the caller.
func (r *RedisStore) touchMeta(ctx context.Context, key string) {
	meta, ok := r.readMeta(ctx, key)
	if !ok {
		return
	}

	meta.Touch(time.Now())

	var remaining time.Duration
	if meta.ExpiresAt != nil {
		remaining = time.Until(*meta.ExpiresAt)
		if remaining <= 0 {
			return
		}
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := r.kv.Set(ctx, r.metaKey(key), data, remaining); err != nil {
		logging.Debug("l2 metadata update failed", logging.String("key", key), logging.Err(err))
	}
}

// Touch records an access on the metadata record
func (m *entryMeta) Touch(now time.Time) {
	if now.After(m.LastAccessedAt) {
		m.LastAccessedAt = now
	}
	m.AccessCount++
}

func (r *RedisStore) readMeta(ctx context.Context, key string) (*entryMeta, bool) {
	data, found, err := r.kv.Get(ctx, r.metaKey(key))
	if err != nil || !found {
		return nil, false
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		logging.Warn("l2 metadata record corrupt", logging.String("key", key), logging.Err(err))
		return nil, false
	}
	return &meta, true
}

// Set stores a value with backend-native TTL. Old tag associations are
// cleared before the new ones are installed. When the client supports
// pipelining all steps ship as one batch; otherwise the value is written
// first so a failure partway never loses it.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	resolved := effectiveTTL(ttl, r.defaultTTL)

	var oldTags []string
	if old, ok := r.readMeta(ctx, key); ok {
		oldTags = old.Tags
	}
	removedTags := diffTags(oldTags, tags)

	now := time.Now()
	meta := &entryMeta{
		Key:            key,
		Tags:           tags,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if resolved > 0 {
		expires := now.Add(resolved)
		meta.ExpiresAt = &expires
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("l2 set %q: marshal metadata: %w", key, err)
	}

	write := func(w KVWriter) error {
		if err := w.Set(ctx, r.valueKey(key), value, resolved); err != nil {
			return err
		}
		if err := w.Set(ctx, r.metaKey(key), metaData, resolved); err != nil {
			return err
		}
		for _, tag := range removedTags {
			if err := w.SetRemove(ctx, r.tagKey(tag), key); err != nil {
				return err
			}
		}
		for _, tag := range tags {
			if err := w.SetAdd(ctx, r.tagKey(tag), key); err != nil {
				return err
			}
		}
		return nil
	}

	if pipeliner, ok := r.kv.(KVPipeliner); ok {
		if err := pipeliner.Pipelined(ctx, write); err != nil {
			return fmt.Errorf("l2 set %q: %w", key, err)
		}
		return nil
	}

	if err := write(sequentialWriter{r.kv}); err != nil {
		return fmt.Errorf("l2 set %q: %w", key, err)
	}
	return nil
}

// Delete removes the value, its metadata record and its tag memberships
func (r *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	var tags []string
	if meta, ok := r.readMeta(ctx, key); ok {
		tags = meta.Tags
	}

	removed, err := r.kv.Delete(ctx, r.valueKey(key))
	if err != nil {
		return false, fmt.Errorf("l2 delete %q: %w", key, err)
	}
	if _, err := r.kv.Delete(ctx, r.metaKey(key)); err != nil {
		logging.Warn("l2 metadata delete failed", logging.String("key", key), logging.Err(err))
	}
	for _, tag := range tags {
		if err := r.kv.SetRemove(ctx, r.tagKey(tag), key); err != nil {
			logging.Warn("l2 tag index update failed",
				logging.String("key", key), logging.String("tag", tag), logging.Err(err))
		}
	}

	return removed > 0, nil
}

// InvalidateByTag deletes every key in the tag's reverse index. Members
// whose value is already gone (stale index) count as no-ops.
func (r *RedisStore) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	members, err := r.kv.SetMembers(ctx, r.tagKey(tag))
	if err != nil {
		return 0, fmt.Errorf("l2 invalidate tag %q: %w", tag, err)
	}

	count := 0
	for _, key := range members {
		removed, err := r.Delete(ctx, key)
		if err != nil {
			return count, err
		}
		if removed {
			count++
		}
	}

	if _, err := r.kv.Delete(ctx, r.tagKey(tag)); err != nil {
		logging.Warn("l2 tag index delete failed", logging.String("tag", tag), logging.Err(err))
	}
	return count, nil
}

// InvalidateByPrefix scans the value namespace for matching keys. The
// backend has no native prefix index, so this is a full key-space scan;
// metadata and tag-index keys live in other namespaces and are never
// counted.
func (r *RedisStore) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(r.valueKey(prefix)) + "*"
	keys, err := r.kv.Keys(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("l2 invalidate prefix %q: %w", prefix, err)
	}

	count := 0
	for _, full := range keys {
		key := strings.TrimPrefix(full, r.prefix+nsValue)
		removed, err := r.Delete(ctx, key)
		if err != nil {
			return count, err
		}
		if removed {
			count++
		}
	}
	return count, nil
}

// Clear removes every key under the store prefix
func (r *RedisStore) Clear(ctx context.Context) error {
	keys, err := r.kv.Keys(ctx, escapeGlob(r.prefix)+"*")
	if err != nil {
		return fmt.Errorf("l2 clear: %w", err)
	}
	if len(keys) > 0 {
		if _, err := r.kv.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("l2 clear: %w", err)
		}
	}
	return nil
}

// Stats returns a snapshot of the tier's counters. Entry counts live in
// the backend and are not tracked here.
func (r *RedisStore) Stats() Stats {
	return Stats{
		Tier:   TierL2,
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
	}
}

// Close releases the underlying client
func (r *RedisStore) Close() error {
	return r.kv.Close()
}

// sequentialWriter applies pipeline-style writes one by one for clients
// without batching support
type sequentialWriter struct {
	kv KVClient
}

func (s sequentialWriter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.kv.Set(ctx, key, value, ttl)
}

func (s sequentialWriter) Delete(ctx context.Context, keys ...string) error {
	_, err := s.kv.Delete(ctx, keys...)
	return err
}

func (s sequentialWriter) SetAdd(ctx context.Context, key string, members ...string) error {
	return s.kv.SetAdd(ctx, key, members...)
}

func (s sequentialWriter) SetRemove(ctx context.Context, key string, members ...string) error {
	return s.kv.SetRemove(ctx, key, members...)
}

// escapeGlob backslash-escapes SCAN MATCH metacharacters so key prefixes
// match literally
func escapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '^', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// diffTags returns the tags present in old but not in new
func diffTags(old, new []string) []string {
	if len(old) == 0 {
		return nil
	}
	keep := make(map[string]struct{}, len(new))
	for _, tag := range new {
		keep[tag] = struct{}{}
	}
	var removed []string
	for _, tag := range old {
		if _, ok := keep[tag]; !ok {
			removed = append(removed, tag)
		}
	}
	return removed
}
