// Package cache holds the read-result cache: pluggable key/value stores and
// the policy that decides keys, TTLs and invalidation scope.
package cache

import (
	"context"
	"time"
)

// Store is a byte-oriented key/value cache with expiry and glob
// invalidation. Patterns use '*' as the only wildcard.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	InvalidatePattern(ctx context.Context, pattern string) error
	// Incr atomically bumps an integer counter and returns the new value.
	// Counters never expire.
	Incr(ctx context.Context, key string) (int64, error)
	// Counter reads a counter, 0 when it was never bumped.
	Counter(ctx context.Context, key string) (int64, error)
	Close() error
}
