package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tiercache/internal/config"
)

// MemoryStore is the L1 tier: a bounded in-process map with pluggable
// eviction and a tag index. A single lock covers the map, the ordering
// lists and the tag index so an LRU touch on Get can never interleave
// with structural mutation from Set or Delete.
type MemoryStore struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	strategy   config.EvictionStrategy

	entries   map[string]*memoryEntry
	access    *list.List                     // front = most recently used
	insertion *list.List                     // front = oldest insertion
	tagIndex  map[string]map[string]struct{} // tag -> set of keys

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type memoryEntry struct {
	entry      *Entry
	accessElem *list.Element
	insertElem *list.Element
}

// NewMemoryStore creates an L1 store. Capacity must be positive; the
// default TTL applies to writes that don't specify one (zero = no expiry).
func NewMemoryStore(capacity int, defaultTTL time.Duration, strategy config.EvictionStrategy) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		strategy:   strategy,
		entries:    make(map[string]*memoryEntry),
		access:     list.New(),
		insertion:  list.New(),
		tagIndex:   make(map[string]map[string]struct{}),
	}
}

// Get returns the stored value. Expired entries are removed as a side
// effect and reported as misses. Under the LRU strategy a hit moves the
// key to the most-recently-used position.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[key]
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}

	now := time.Now()
	if me.entry.Expired(now) {
		m.removeLocked(key)
		m.misses.Add(1)
		return nil, false, nil
	}

	me.entry.Touch(now)
	if m.strategy == config.EvictLRU {
		m.access.MoveToFront(me.accessElem)
	}

	m.hits.Add(1)
	return me.entry.Value, true, nil
}

// Set stores a value. An existing entry's tag associations are cleared
// before the new ones are installed. Inserting a brand-new key at capacity
// triggers eviction first.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	resolved := effectiveTTL(ttl, m.defaultTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok {
		m.removeTagsLocked(key, existing.entry.Tags)
		existing.entry = NewEntry(key, value, resolved, tags)
		m.access.MoveToFront(existing.accessElem)
		m.insertion.MoveToBack(existing.insertElem)
		m.addTagsLocked(key, tags)
		return nil
	}

	if len(m.entries) >= m.capacity {
		m.evictLocked()
	}

	me := &memoryEntry{entry: NewEntry(key, value, resolved, tags)}
	me.accessElem = m.access.PushFront(key)
	me.insertElem = m.insertion.PushBack(key)
	m.entries[key] = me
	m.addTagsLocked(key, tags)
	return nil
}

// Delete removes an entry, its tag associations and its ordering positions
func (m *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(key), nil
}

// InvalidateByTag deletes every key currently associated with tag
func (m *MemoryStore) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.tagIndex[tag]
	if len(keys) == 0 {
		return 0, nil
	}

	count := 0
	for key := range keys {
		if m.removeLocked(key) {
			count++
		}
	}
	return count, nil
}

// InvalidateByPrefix deletes every key whose name starts with prefix
func (m *MemoryStore) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []string
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}

	count := 0
	for _, key := range matched {
		if m.removeLocked(key) {
			count++
		}
	}
	return count, nil
}

// Clear drops all entries, indices and orderings
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*memoryEntry)
	m.access.Init()
	m.insertion.Init()
	m.tagIndex = make(map[string]map[string]struct{})
	return nil
}

// Stats returns a snapshot of the tier's counters
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	size := len(m.entries)
	m.mu.Unlock()

	return Stats{
		Tier:      TierL1,
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Size:      size,
		MaxSize:   m.capacity,
	}
}

// Len returns the number of live entries
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close is a no-op for the in-process tier
func (m *MemoryStore) Close() error {
	return nil
}

// evictLocked makes room for exactly one new key. The first pass removes
// everything already expired; if that doesn't free enough room, the
// strategy pass evicts one victim at a time until under capacity. The TTL
// strategy has no second pass of its own and falls back to FIFO so
// insertion always makes progress.
func (m *MemoryStore) evictLocked() {
	now := time.Now()
	for key, me := range m.entries {
		if me.entry.Expired(now) {
			m.removeLocked(key)
		}
	}

	strategy := m.strategy
	if strategy == config.EvictTTL {
		strategy = config.EvictFIFO
	}

	for len(m.entries) >= m.capacity {
		var victim *list.Element
		switch strategy {
		case config.EvictLRU:
			victim = m.access.Back()
		default: // FIFO
			victim = m.insertion.Front()
		}
		if victim == nil {
			return
		}
		m.removeLocked(victim.Value.(string))
		m.evictions.Add(1)
	}
}

// removeLocked deletes an entry and all bookkeeping; callers hold m.mu
func (m *MemoryStore) removeLocked(key string) bool {
	me, ok := m.entries[key]
	if !ok {
		return false
	}

	m.access.Remove(me.accessElem)
	m.insertion.Remove(me.insertElem)
	m.removeTagsLocked(key, me.entry.Tags)
	delete(m.entries, key)
	return true
}

func (m *MemoryStore) addTagsLocked(key string, tags []string) {
	for _, tag := range tags {
		if m.tagIndex[tag] == nil {
			m.tagIndex[tag] = make(map[string]struct{})
		}
		m.tagIndex[tag][key] = struct{}{}
	}
}

// removeTagsLocked drops key from each tag's keyset, pruning emptied sets
func (m *MemoryStore) removeTagsLocked(key string, tags []string) {
	for _, tag := range tags {
		if set, ok := m.tagIndex[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.tagIndex, tag)
			}
		}
	}
}
