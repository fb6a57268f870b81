// Package cache provides the short-TTL lookup caches used in front of
// read-mostly remote lookups (party records, TIN verification results,
// static resource lists).
//
// Fresh entries are returned directly. Stale entries may be served while a
// background refresh is in flight, but never two refreshes concurrently for
// the same key. A failed refresh leaves the previous value untouched:
// old-but-stale is preferred over no value.
package cache

import (
	"context"
	"time"
)

// Loader fetches the upstream value for a key during a refresh
type Loader func(ctx context.Context) (any, error)

// Store is the lookup cache contract
type Store interface {
	// Get returns the cached value. A stale entry is only returned when
	// allowStale is true; the second return reports a usable hit.
	Get(ctx context.Context, key string, allowStale bool) (any, bool)

	// Set stores a value with the given freshness TTL
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete invalidates an entry, e.g. when a party is re-registered
	Delete(ctx context.Context, key string) error

	// GetOrLoad returns a fresh value when cached; serves a stale value
	// (when allowed) while scheduling at most one background refresh per
	// key; and loads synchronously on a miss.
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, allowStale bool, loader Loader) (any, error)

	// Stop joins all in-flight background refreshes
	Stop(ctx context.Context) error
}
