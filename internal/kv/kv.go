// Package kv defines the ephemeral atomic key-value store shared by the
// governor and the streaming coordinator. All mutations are expressed as
// atomic primitives; callers never read-then-write without atomicity.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	// Increment atomically increments the counter at key by 1 and refreshes
	// its TTL. Missing keys start at 0, so the first call returns 1.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetIfAbsent sets key to value only if it does not exist.
	// Returns true if the value was set by this call.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap sets key to new only if its current value equals old.
	// Returns true if the swap happened.
	CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
