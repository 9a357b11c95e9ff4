// Package dedup records recently processed change-event ids so consumers can
// turn at-least-once redelivery into idempotent no-ops. A dedup store is an
// optimization, never a source of truth: a miss only costs a redundant
// invalidation, which is idempotent by construction.
package dedup

import "context"

// Store tracks processed event ids over a bounded recent window.
type Store interface {
	// Seen reports whether eventID was recorded within the window.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Record remembers eventID with the entity version it carried.
	Record(ctx context.Context, eventID string, version uint64) error
	// Close releases resources (no-op ok).
	Close(ctx context.Context) error
}
