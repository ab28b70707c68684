// Package cachestore is the in-memory KV used for hot item bytes, the
// in-flight coordination lock, distributed locks, and rate-limit
// counters (spec §2 "Cache store"). Grounded on redis/go-redis/v9 usage
// in the pack (LerianStudio-midaz, VidIsWandering-secure-payment-gateway,
// Pay-Chain-pay-chain.backend).
package cachestore

import (
	"context"
	"time"
)

// Store is the cache-store surface the rest of the system depends on.
type Store interface {
	// Get returns the bytes at key, or ok=false if absent.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)

	// Set writes val at key with ttl (0 = no expiry).
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// SetNX atomically sets key to val only if absent, for TTL. Returns
	// true if this call won the race (used for the in-flight lock and
	// distributed locks per spec §4.1 step 4 and §4.10).
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals
	// owner, so a lock can only be released by the owner that holds it
	// (spec §4.10: "released by owner on success or failure").
	CompareAndDelete(ctx context.Context, key string, owner []byte) (bool, error)

	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer counter at key, creating it
	// with ttl if absent, and returns the new value. Used for
	// rate-limit counters (spec's RATE_LIMIT_* config keys).
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
