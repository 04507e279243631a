package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	"tiercache/internal/common/logging"
)

// MemoOptions configures a memoized function
type MemoOptions struct {
	// Prefix namespaces the derived cache keys
	Prefix string
	// TTLs maps a tier to the TTL for cached results
	TTLs map[Tier]time.Duration
	// Tags associated with every cached result, for bulk invalidation
	Tags []string
	// Tiers restricts caching to a subset; empty means all
	Tiers []Tier
}

// MemoFunc is the shape of functions the memoization wrapper accepts
type MemoFunc[T any] func(ctx context.Context, args ...any) (T, error)

// Memoize wraps fn so its results are cached in the manager. The cache key
// is derived from the function's identity plus its scalar arguments;
// non-scalar arguments do not participate in the key. With a nil manager
// the wrapper degrades to calling fn directly, so callers never have to
// care whether a cache is wired in. Results round-trip through JSON, and a
// failure on either side of that trip falls back to calling fn.
func Memoize[T any](mgr *Manager, opts MemoOptions, fn MemoFunc[T]) MemoFunc[T] {
	name := funcName(fn)

	return func(ctx context.Context, args ...any) (T, error) {
		if mgr == nil {
			return fn(ctx, args...)
		}

		key := memoKey(opts.Prefix, name, args)

		if data, found, err := mgr.Get(ctx, key); err == nil && found {
			var result T
			if err := json.Unmarshal(data, &result); err == nil {
				return result, nil
			}
			logging.Debug("memoized result undecodable, recomputing", logging.String("key", key))
		}

		result, err := fn(ctx, args...)
		if err != nil {
			return result, err
		}

		data, err := json.Marshal(result)
		if err != nil {
			logging.Debug("memoized result unencodable, not cached",
				logging.String("key", key), logging.Err(err))
			return result, nil
		}

		if err := mgr.Set(ctx, key, data, WriteOptions{
			TTLs:  opts.TTLs,
			Tags:  opts.Tags,
			Tiers: opts.Tiers,
		}); err != nil {
			logging.Warn("memoized result store failed", logging.String("key", key), logging.Err(err))
		}

		return result, nil
	}
}

// funcName resolves a function value to its package-qualified name
func funcName(fn any) string {
	pc := reflect.ValueOf(fn).Pointer()
	if f := runtime.FuncForPC(pc); f != nil {
		return f.Name()
	}
	return fmt.Sprintf("func@%x", pc)
}

// memoKey builds the cache key from the function identity and the scalar
// arguments only
func memoKey(prefix, name string, args []any) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte(':')
	}
	b.WriteString(name)

	for _, arg := range args {
		if s, ok := scalarString(arg); ok {
			b.WriteByte(':')
			b.WriteString(s)
		}
	}
	return b.String()
}

// scalarString renders bools, integers, floats and strings; everything
// else is excluded from key derivation
func scalarString(v any) (string, bool) {
	switch v.(type) {
	case bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		string:
		return fmt.Sprintf("%v", v), true
	default:
		return "", false
	}
}
