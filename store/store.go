// Package store declares the durable entity store collaborator. The real
// implementation (SQL, document store, ...) lives outside this module; the
// cache layer only relies on the contract below plus an in-memory stub for
// tests and single-process deployments.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ReadByID and Delete for absent ids.
var ErrNotFound = errors.New("store: entity not found")

// WriteResult reports what a mutation did. Version is monotonic per id and
// becomes the ChangeEvent version; Created distinguishes insert from update.
type WriteResult struct {
	ID      string
	Version uint64
	Created bool
}

// RecordStore is the source of truth. It provides read-after-write
// consistency within one client but no cross-service guarantees; caches are
// reconciled through change events and TTLs, never by the store itself.
type RecordStore[V any] interface {
	// Write persists v, assigning an id when it has none, and bumps the
	// per-id version.
	Write(ctx context.Context, v V) (WriteResult, error)

	// Delete removes the entity. Returns ErrNotFound for absent ids.
	Delete(ctx context.Context, id string) (WriteResult, error)

	// ReadAll returns every entity in stable id order.
	ReadAll(ctx context.Context) ([]V, error)

	// ReadByID returns the entity or ErrNotFound.
	ReadByID(ctx context.Context, id string) (V, error)
}
