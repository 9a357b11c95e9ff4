package refcache

import (
	"fmt"
)

// PersistenceError wraps a RecordStore failure. It is fatal to the mutation
// that hit it: no invalidation or publish runs after one.
type PersistenceError struct {
	Op  string // "write", "delete"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("record store %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CacheUnavailableError wraps a cache provider failure. Never fatal: reads
// treat it as a miss, writes log it and rely on TTL expiry.
type CacheUnavailableError struct {
	Key string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable for %q: %v", e.Key, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }

// PublishError wraps a bus publish failure for an already-persisted change.
// The local invalidation has run by the time this occurs; only downstream
// notification is at risk. Recoverable through the outbox relay.
type PublishError struct {
	Topic   string
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q failed (event %s): %v", e.Topic, e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumerProcessingError means an event could not be fully applied (cache
// unreachable mid key set). The event must not be acknowledged; the bus will
// redeliver and idempotent invalidation makes the retry safe.
type ConsumerProcessingError struct {
	EventID string
	Key     string
	Err     error
}

func (e *ConsumerProcessingError) Error() string {
	return fmt.Sprintf("processing event %s: invalidate %q failed: %v", e.EventID, e.Key, e.Err)
}

func (e *ConsumerProcessingError) Unwrap() error { return e.Err }

// InvalidateError reports what failed inside a single key invalidation.
// A failed generation bump is fatal to the invalidation (stale entries could
// survive validation); a failed delete alone is not, since the bumped
// generation already makes the old entry unreadable.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
