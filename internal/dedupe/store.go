// Package dedupe provides the TTL key-value contract the trading core uses
// for idempotency and rate counting. All exactly-once semantics (advice
// creation dedupe, stop-loss recording) go through a Store; process-local
// caches may sit in front of it as a latency optimization but never replace
// it.
package dedupe

import (
	"context"
	"time"
)

// Store is a key-value store with TTL semantics. Implementations must make
// SetIfAbsent and Incr atomic with respect to concurrent callers.
type Store interface {
	// SetIfAbsent stores value under key only when no live entry exists.
	// Returns true when the value was stored (the caller won the race).
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set unconditionally stores value under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments the counter at key, creating it with the
	// given TTL when absent or expired, and returns the new count. The
	// decimal form of the count is readable back through Get.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the live value for key, with ok=false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
}
