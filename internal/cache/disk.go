package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tiercache/internal/common/errors"
	"tiercache/internal/common/logging"
)

// DiskStore is the L3 tier: one data file and one metadata sidecar per
// key, plus one index file per tag, all named by content hash under three
// subdirectories of the root. Multi-step operations (set and delete touch
// data, metadata and tag-index files) are not atomic across a crash; the
// accepted inconsistency is a stale tag index, and deleting an
// already-gone key through it is a no-op. A background sweep removes
// expired entries on a fixed interval.
type DiskStore struct {
	root       string
	dataDir    string
	metaDir    string
	tagDir     string
	defaultTTL time.Duration

	// serializes multi-file read-modify-write sequences in-process
	mu sync.Mutex

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closeOnce   sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

// diskMeta is the metadata sidecar record
type diskMeta struct {
	Key            string     `json:"key"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	AccessCount    int64      `json:"access_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// tagIndexFile is the tag-index record: the keys currently carrying a tag
type tagIndexFile struct {
	Tag  string   `json:"tag"`
	Keys []string `json:"keys"`
}

// NewDiskStore creates an L3 store rooted at dir and starts the expired-
// entry sweep on the given interval (non-positive falls back to 5m).
func NewDiskStore(dir string, defaultTTL, sweepInterval time.Duration) (*DiskStore, error) {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	d := &DiskStore{
		root:       dir,
		dataDir:    filepath.Join(dir, "data"),
		metaDir:    filepath.Join(dir, "meta"),
		tagDir:     filepath.Join(dir, "tags"),
		defaultTTL: defaultTTL,
		sweepDone:  make(chan struct{}),
	}

	for _, sub := range []string{d.dataDir, d.metaDir, d.tagDir} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, errors.IOError("failed to create cache directory", err).WithContext("path", sub)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.sweepCancel = cancel
	go d.sweepLoop(ctx, sweepInterval)

	return d, nil
}

func hashName(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (d *DiskStore) dataPath(key string) string { return filepath.Join(d.dataDir, hashName(key)) }
func (d *DiskStore) metaPath(key string) string {
	return filepath.Join(d.metaDir, hashName(key)+".json")
}
func (d *DiskStore) tagPath(tag string) string {
	return filepath.Join(d.tagDir, hashName(tag)+".json")
}

// Get reads the metadata sidecar first; an expired entry has its files
// removed and reads as a miss. On a hit the access metadata is persisted
// back before returning the data.
func (d *DiskStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, err := d.readMeta(key)
	if err != nil {
		if os.IsNotExist(err) {
			d.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, errors.IOError("l3 read metadata", err).WithContext("key", key)
	}

	now := time.Now()
	if meta.ExpiresAt != nil && now.After(*meta.ExpiresAt) {
		d.removeEntryLocked(key, meta)
		d.misses.Add(1)
		return nil, false, nil
	}

	value, err := os.ReadFile(d.dataPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			// torn write: metadata without data; clean up and miss
			d.removeEntryLocked(key, meta)
			d.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, errors.IOError("l3 read data", err).WithContext("key", key)
	}

	if now.After(meta.LastAccessedAt) {
		meta.LastAccessedAt = now
	}
	meta.AccessCount++
	if err := d.writeMeta(key, meta); err != nil {
		logging.Warn("l3 access metadata update failed", logging.String("key", key), logging.Err(err))
	}

	d.hits.Add(1)
	return value, true, nil
}

// Set writes the data file, then the metadata sidecar, then updates every
// referenced tag-index file. Old tag associations are cleared first.
func (d *DiskStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	resolved := effectiveTTL(ttl, d.defaultTTL)

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, err := d.readMeta(key); err == nil {
		for _, tag := range diffTags(old.Tags, tags) {
			if err := d.removeKeyFromTag(tag, key); err != nil {
				logging.Warn("l3 tag index update failed",
					logging.String("key", key), logging.String("tag", tag), logging.Err(err))
			}
		}
	}

	if err := os.WriteFile(d.dataPath(key), value, 0o644); err != nil {
		return errors.IOError("l3 write data", err).WithContext("key", key)
	}

	now := time.Now()
	meta := &diskMeta{
		Key:            key,
		Tags:           tags,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if resolved > 0 {
		expires := now.Add(resolved)
		meta.ExpiresAt = &expires
	}
	if err := d.writeMeta(key, meta); err != nil {
		return errors.IOError("l3 write metadata", err).WithContext("key", key)
	}

	for _, tag := range tags {
		if err := d.addKeyToTag(tag, key); err != nil {
			return errors.IOError("l3 write tag index", err).WithContext("key", key).WithContext("tag", tag)
		}
	}

	return nil
}

// Delete removes the key from every tag index it references, then removes
// the data and metadata files
func (d *DiskStore) Delete(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteLocked(key)
}

func (d *DiskStore) deleteLocked(key string) (bool, error) {
	meta, err := d.readMeta(key)
	if err != nil {
		if os.IsNotExist(err) {
			// data without metadata is a torn write; reap the orphan
			if rmErr := os.Remove(d.dataPath(key)); rmErr == nil {
				return true, nil
			}
			return false, nil
		}
		return false, errors.IOError("l3 read metadata", err).WithContext("key", key)
	}

	d.removeEntryLocked(key, meta)
	return true, nil
}

// InvalidateByTag deletes every key listed in the tag's index file. Keys
// already gone are no-ops, not errors.
func (d *DiskStore) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	index, err := d.readTagIndex(tag)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.IOError("l3 read tag index", err).WithContext("tag", tag)
	}

	count := 0
	for _, key := range index.Keys {
		removed, err := d.deleteLocked(key)
		if err != nil {
			logging.Warn("l3 tag invalidation: delete failed",
				logging.String("key", key), logging.String("tag", tag), logging.Err(err))
			continue
		}
		if removed {
			count++
		}
	}

	if err := os.Remove(d.tagPath(tag)); err != nil && !os.IsNotExist(err) {
		logging.Warn("l3 tag index delete failed", logging.String("tag", tag), logging.Err(err))
	}
	return count, nil
}

// InvalidateByPrefix scans every metadata sidecar, comparing the recorded
// key against the prefix. There is no native index for this.
func (d *DiskStore) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.metaDir)
	if err != nil {
		return 0, errors.IOError("l3 scan metadata", err)
	}

	count := 0
	for _, dirEntry := range entries {
		meta, err := d.readMetaFile(filepath.Join(d.metaDir, dirEntry.Name()))
		if err != nil {
			logging.Warn("l3 prefix scan: unreadable sidecar",
				logging.String("file", dirEntry.Name()), logging.Err(err))
			continue
		}
		if !strings.HasPrefix(meta.Key, prefix) {
			continue
		}
		removed, err := d.deleteLocked(meta.Key)
		if err != nil {
			logging.Warn("l3 prefix invalidation: delete failed",
				logging.String("key", meta.Key), logging.Err(err))
			continue
		}
		if removed {
			count++
		}
	}
	return count, nil
}

// Clear removes and recreates the three storage subdirectories
func (d *DiskStore) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sub := range []string{d.dataDir, d.metaDir, d.tagDir} {
		if err := os.RemoveAll(sub); err != nil {
			return errors.IOError("l3 clear", err).WithContext("path", sub)
		}
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return errors.IOError("l3 clear", err).WithContext("path", sub)
		}
	}
	return nil
}

// Stats returns a snapshot of the tier's counters
func (d *DiskStore) Stats() Stats {
	size := 0
	if entries, err := os.ReadDir(d.metaDir); err == nil {
		size = len(entries)
	}
	return Stats{
		Tier:   TierL3,
		Hits:   d.hits.Load(),
		Misses: d.misses.Load(),
		Size:   size,
	}
}

// Close stops the background sweep and waits for it to exit. Idempotent.
func (d *DiskStore) Close() error {
	d.closeOnce.Do(func() {
		d.sweepCancel()
		<-d.sweepDone
	})
	return nil
}

// sweepLoop runs the expired-entry sweep on a fixed interval until the
// context is cancelled
func (d *DiskStore) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(d.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpired(ctx)
		}
	}
}

// sweepExpired scans all metadata sidecars and removes entries whose
// expiry has passed. Per-entry errors are logged and skipped; cancellation
// is checked between entries so shutdown stays prompt.
func (d *DiskStore) sweepExpired(ctx context.Context) {
	entries, err := os.ReadDir(d.metaDir)
	if err != nil {
		logging.Error("l3 sweep: metadata scan failed", err)
		return
	}

	now := time.Now()
	removed := 0
	for _, dirEntry := range entries {
		if ctx.Err() != nil {
			return
		}

		meta, err := d.readMetaFile(filepath.Join(d.metaDir, dirEntry.Name()))
		if err != nil {
			logging.Warn("l3 sweep: unreadable sidecar",
				logging.String("file", dirEntry.Name()), logging.Err(err))
			continue
		}
		if meta.ExpiresAt == nil || now.Before(*meta.ExpiresAt) {
			continue
		}

		if d.reapIfExpired(meta.Key) {
			removed++
		}
	}

	if removed > 0 {
		logging.Debug("l3 sweep complete", logging.Int("removed", removed))
	}
}

// reapIfExpired re-reads the entry's sidecar under the lock and removes it
// only if its expiry has still passed. The sweep's candidate scan runs
// unlocked and can be stale against a concurrent Set refreshing the key.
func (d *DiskStore) reapIfExpired(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, err := d.readMeta(key)
	if err != nil {
		return false
	}
	if meta.ExpiresAt == nil || time.Now().Before(*meta.ExpiresAt) {
		return false
	}

	d.removeEntryLocked(key, meta)
	return true
}

// removeEntryLocked removes an entry's tag memberships, data file and
// metadata sidecar; callers hold d.mu
func (d *DiskStore) removeEntryLocked(key string, meta *diskMeta) {
	for _, tag := range meta.Tags {
		if err := d.removeKeyFromTag(tag, key); err != nil {
			logging.Warn("l3 tag index cleanup failed",
				logging.String("key", key), logging.String("tag", tag), logging.Err(err))
		}
	}
	if err := os.Remove(d.dataPath(key)); err != nil && !os.IsNotExist(err) {
		logging.Warn("l3 data file delete failed", logging.String("key", key), logging.Err(err))
	}
	if err := os.Remove(d.metaPath(key)); err != nil && !os.IsNotExist(err) {
		logging.Warn("l3 metadata file delete failed", logging.String("key", key), logging.Err(err))
	}
}

func (d *DiskStore) readMeta(key string) (*diskMeta, error) {
	return d.readMetaFile(d.metaPath(key))
}

func (d *DiskStore) readMetaFile(path string) (*diskMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

func (d *DiskStore) writeMeta(key string, meta *diskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(d.metaPath(key), data, 0o644)
}

func (d *DiskStore) readTagIndex(tag string) (*tagIndexFile, error) {
	data, err := os.ReadFile(d.tagPath(tag))
	if err != nil {
		return nil, err
	}
	var index tagIndexFile
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decode tag index %q: %w", tag, err)
	}
	return &index, nil
}

// addKeyToTag loads the tag's index file, appends the key if absent and
// persists it back
func (d *DiskStore) addKeyToTag(tag, key string) error {
	index, err := d.readTagIndex(tag)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		index = &tagIndexFile{Tag: tag}
	}

	for _, existing := range index.Keys {
		if existing == key {
			return nil
		}
	}
	index.Keys = append(index.Keys, key)

	data, err := json.Marshal(index)
	if err != nil {
		return err
	}
	return os.WriteFile(d.tagPath(tag), data, 0o644)
}

// removeKeyFromTag drops the key from the tag's index file, deleting the
// file entirely once it holds no keys
func (d *DiskStore) removeKeyFromTag(tag, key string) error {
	index, err := d.readTagIndex(tag)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	kept := index.Keys[:0]
	for _, existing := range index.Keys {
		if existing != key {
			kept = append(kept, existing)
		}
	}
	index.Keys = kept

	if len(index.Keys) == 0 {
		if err := os.Remove(d.tagPath(tag)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	data, err := json.Marshal(index)
	if err != nil {
		return err
	}
	return os.WriteFile(d.tagPath(tag), data, 0o644)
}
