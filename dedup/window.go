package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultCapacity is sized for the redelivery burst after a consumer
	// restart (pending-entry reclaim), not for long-term history.
	DefaultCapacity = 4096
	DefaultMaxAge   = 30 * time.Minute
)

// Window is the in-process dedup store: bounded by entry count and age,
// evicted inline on access (no background goroutine). Oldest entries go
// first; an evicted id is simply "not seen", which degrades to a redundant
// idempotent invalidation.
type Window struct {
	capacity int
	maxAge   time.Duration
	clock    clockwork.Clock

	mu   sync.Mutex
	byID map[string]uint64
	fifo []windowEntry
}

type windowEntry struct {
	id     string
	seenAt time.Time
}

// NewWindow builds a window. capacity 0 => DefaultCapacity, maxAge 0 =>
// DefaultMaxAge, clock nil => wall clock.
func NewWindow(capacity int, maxAge time.Duration, clock clockwork.Clock) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{
		capacity: capacity,
		maxAge:   maxAge,
		clock:    clock,
		byID:     make(map[string]uint64, capacity),
	}
}

var _ Store = (*Window)(nil)

func (w *Window) Seen(_ context.Context, eventID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictExpired()
	_, ok := w.byID[eventID]
	return ok, nil
}

func (w *Window) Record(_ context.Context, eventID string, version uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictExpired()

	if _, ok := w.byID[eventID]; !ok {
		w.fifo = append(w.fifo, windowEntry{id: eventID, seenAt: w.clock.Now()})
		for len(w.fifo) > w.capacity {
			delete(w.byID, w.fifo[0].id)
			w.fifo = w.fifo[1:]
		}
	}
	w.byID[eventID] = version
	return nil
}

// LastVersion returns the version recorded for eventID, if still windowed.
func (w *Window) LastVersion(eventID string) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.byID[eventID]
	return v, ok
}

// Len reports the current window population.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictExpired()
	return len(w.byID)
}

func (w *Window) Close(context.Context) error { return nil }

// evictExpired drops entries older than maxAge from the head. Caller holds mu.
func (w *Window) evictExpired() {
	cutoff := w.clock.Now().Add(-w.maxAge)
	for len(w.fifo) > 0 && w.fifo[0].seenAt.Before(cutoff) {
		delete(w.byID, w.fifo[0].id)
		w.fifo = w.fifo[1:]
	}
}
