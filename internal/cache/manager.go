package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tiercache/internal/common/logging"
)

// Manager composes the tiers behind one API. Reads walk L1 through L3,
// promoting hits into the faster tiers; writes, deletes and invalidations
// fan out to a configurable tier subset and aggregate per-tier results
// best-effort. A tier that errors is a failed participant for that call
// only; it is never marked permanently down.
type Manager struct {
	stores map[Tier]Store

	closeOnce sync.Once
	closeErr  error
}

// WriteOptions controls a fan-out write. Zero value means: every
// configured tier, each tier's default TTL, no tags.
type WriteOptions struct {
	// TTLs maps a tier to the TTL for this write; unspecified tiers use
	// their configured default
	TTLs map[Tier]time.Duration
	// Tags to associate with the entry in every targeted tier
	Tags []string
	// Tiers restricts the operation to a subset; empty means all
	Tiers []Tier
}

// NewManager creates a manager over the given tiers. At least one tier is
// required; missing tiers are simply skipped on every operation (degraded
// operation is explicit, never silent).
func NewManager(stores map[Tier]Store) (*Manager, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("cache manager requires at least one tier")
	}
	for tier := range stores {
		switch tier {
		case TierL1, TierL2, TierL3:
		default:
			return nil, fmt.Errorf("unknown tier %q", tier)
		}
	}
	return &Manager{stores: stores}, nil
}

// Tiers returns the configured tiers in read order
func (m *Manager) Tiers() []Tier {
	var tiers []Tier
	for _, tier := range tierOrder {
		if _, ok := m.stores[tier]; ok {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

// Get returns the cached value for key. With an explicit tier only that
// tier is queried. Otherwise tiers are walked fastest-first and a hit in a
// slower tier is promoted into every faster one using their default TTLs.
// A tier error falls through to the next tier.
func (m *Manager) Get(ctx context.Context, key string, tier ...Tier) ([]byte, bool, error) {
	if len(tier) > 0 {
		store, ok := m.stores[tier[0]]
		if !ok {
			return nil, false, fmt.Errorf("tier %q not configured", tier[0])
		}
		return store.Get(ctx, key)
	}

	var missed []Tier
	for _, t := range tierOrder {
		store, ok := m.stores[t]
		if !ok {
			continue
		}

		value, found, err := store.Get(ctx, key)
		if err != nil {
			logging.Warn("tier get failed, falling through",
				logging.String("tier", string(t)), logging.String("key", key), logging.Err(err))
			continue
		}
		if !found {
			missed = append(missed, t)
			continue
		}

		m.promote(ctx, key, value, missed)
		return value, true, nil
	}

	return nil, false, nil
}

// promote writes a value found in a slower tier back into the faster
// tiers that missed, using each tier's default TTL. Promotion failures are
// logged, never surfaced: the read already succeeded.
func (m *Manager) promote(ctx context.Context, key string, value []byte, missed []Tier) {
	for _, t := range missed {
		store, ok := m.stores[t]
		if !ok {
			continue
		}
		if err := store.Set(ctx, key, value, 0, nil); err != nil {
			logging.Warn("promotion write failed",
				logging.String("tier", string(t)), logging.String("key", key), logging.Err(err))
		}
	}
}

// Set writes the value to every targeted tier. It succeeds only if every
// tier's write succeeded; tiers that already succeeded are not rolled back
// on partial failure.
func (m *Manager) Set(ctx context.Context, key string, value []byte, opts WriteOptions) error {
	if key == "" {
		return fmt.Errorf("cache key must be non-empty")
	}

	var errs []error
	for _, t := range m.targets(opts.Tiers) {
		store := m.stores[t]
		ttl := time.Duration(0)
		if opts.TTLs != nil {
			if tierTTL, ok := opts.TTLs[t]; ok {
				ttl = tierTTL
			}
		}
		if err := store.Set(ctx, key, value, ttl, opts.Tags); err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// Delete removes the key from the targeted tiers, reporting whether any
// tier removed an entry
func (m *Manager) Delete(ctx context.Context, key string, tiers ...Tier) (bool, error) {
	removed := false
	var errs []error
	for _, t := range m.targets(tiers) {
		ok, err := m.stores[t].Delete(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", t, err))
			continue
		}
		removed = removed || ok
	}
	return removed, errors.Join(errs...)
}

// Clear drops all entries from the targeted tiers
func (m *Manager) Clear(ctx context.Context, tiers ...Tier) error {
	var errs []error
	for _, t := range m.targets(tiers) {
		if err := m.stores[t].Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// InvalidateByTag removes every entry tagged with tag from the targeted
// tiers. The count sums per-tier entries: a key present in two tiers
// counts twice. A failed tier contributes zero.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string, tiers ...Tier) (int, error) {
	total := 0
	var errs []error
	for _, t := range m.targets(tiers) {
		count, err := m.stores[t].InvalidateByTag(ctx, tag)
		total += count
		if err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", t, err))
		}
	}
	return total, errors.Join(errs...)
}

// InvalidateByPrefix removes every entry whose key starts with prefix from
// the targeted tiers, summing per-tier counts
func (m *Manager) InvalidateByPrefix(ctx context.Context, prefix string, tiers ...Tier) (int, error) {
	total := 0
	var errs []error
	for _, t := range m.targets(tiers) {
		count, err := m.stores[t].InvalidateByPrefix(ctx, prefix)
		total += count
		if err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", t, err))
		}
	}
	return total, errors.Join(errs...)
}

// Stats returns per-tier counter snapshots in read order
func (m *Manager) Stats() []Stats {
	var stats []Stats
	for _, t := range tierOrder {
		if store, ok := m.stores[t]; ok {
			stats = append(stats, store.Stats())
		}
	}
	return stats
}

// Shutdown stops background work (the L3 sweep) and releases tier
// resources. Idempotent.
func (m *Manager) Shutdown() error {
	m.closeOnce.Do(func() {
		var errs []error
		for _, t := range tierOrder {
			store, ok := m.stores[t]
			if !ok {
				continue
			}
			if err := store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tier %s: %w", t, err))
			}
		}
		m.closeErr = errors.Join(errs...)
		logging.Info("cache manager shut down")
	})
	return m.closeErr
}

// targets resolves a requested tier subset against the configured tiers,
// preserving read order. Unknown or unconfigured tiers are skipped.
func (m *Manager) targets(requested []Tier) []Tier {
	if len(requested) == 0 {
		return m.Tiers()
	}

	want := make(map[Tier]struct{}, len(requested))
	for _, t := range requested {
		want[t] = struct{}{}
	}

	var tiers []Tier
	for _, t := range tierOrder {
		if _, ok := want[t]; !ok {
			continue
		}
		if _, ok := m.stores[t]; ok {
			tiers = append(tiers, t)
		}
	}
	return tiers
}
