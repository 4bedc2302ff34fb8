// Package cache provides the shared lookaside cache used for company
// profiles, channel mappings and quota counters. The store stays the source
// of truth; every cached value can be rebuilt from it.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the backend-neutral interface. Values are opaque bytes; callers
// own serialization.
type Cache interface {
	// Get returns the value for key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// IncrBy atomically adds delta to the integer at key (missing key
	// counts as zero) and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// Close releases backend resources.
	Close() error
}
