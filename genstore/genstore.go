// Package genstore holds per-key invalidation generations. Every invalidation
// bumps a key's generation; a cache entry written under an older generation
// fails validation on read. This is what makes a populate racing an
// invalidation safe without cross-key locking.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live. Use LocalGenStore (default) for
// in-process gens, or RedisGenStore when several replicas of one service
// share a cache and must observe each other's invalidations.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
