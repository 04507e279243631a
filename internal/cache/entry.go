package cache

import "time"

// Entry is the value container stored by every tier. Value is an opaque
// payload the cache never interprets; L1 holds it by reference, L2/L3
// serialize it at their own boundary.
type Entry struct {
	Key            string     `json:"key"`
	Value          []byte     `json:"-"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	AccessCount    int64      `json:"access_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// NewEntry creates an entry for a fresh write. A non-positive ttl means the
// entry never expires.
func NewEntry(key string, value []byte, ttl time.Duration, tags []string) *Entry {
	now := time.Now()
	e := &Entry{
		Key:            key,
		Value:          value,
		Tags:           tags,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		e.ExpiresAt = &expires
	}
	return e
}

// Expired reports whether the entry's expiry has passed at the given time.
// Entries without an expiry never expire.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Touch records an access. LastAccessedAt never moves backwards and
// AccessCount only grows.
func (e *Entry) Touch(now time.Time) {
	if now.After(e.LastAccessedAt) {
		e.LastAccessedAt = now
	}
	e.AccessCount++
}
