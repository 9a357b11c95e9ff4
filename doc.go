// Package refcache keeps per-service caches of shared, read-mostly reference
// data consistent with the source-of-truth store under asynchronous,
// at-least-once, possibly reordered change-event delivery.
//
// Three paths cooperate:
//
//   - ReadThrough: cache-aside reads. A hit wins for the entry's TTL; a miss
//     is coalesced (singleflight), fetched from the RecordStore, and written
//     back with a generation CAS so a populate racing an invalidation is
//     skipped instead of resurrecting pre-mutation data.
//   - Mutation: persist to the RecordStore, invalidate the entity's full
//     local key set, then publish a ChangeEvent partitioned by entity id
//     (directly or through a durable outbox).
//   - Consumer: per downstream service, receives ChangeEvents, deduplicates
//     by event id, invalidates the same key set locally, and acknowledges
//     only after the invalidation completed.
//
// Components:
//   - provider.Provider: byte store with TTL (Redis, Ristretto, BigCache).
//   - codec.Codec[V]: (de)serializes V <-> []byte.
//   - genstore.GenStore: per-key generation counters backing invalidation.
//     Local (in-process) by default, Redis for multi-replica services.
//   - bus.Publisher / bus.Subscriber: at-least-once delivery, FIFO per
//     partition key, explicit acknowledgment.
//   - KeySpace: the one place cache keys are derived. Reads populate and
//     writes invalidate the exact same key set.
//
// Keys:
//
//	item:<entity>:<id>  - one entity
//	all:<entity>        - the full collection
//	q:<entity>:<hash>   - query-shaped reads
//
// CAS populate pattern:
//
//	obs := cache.SnapshotGen(key) // before the store read
//	v   := readFromStore(id)
//	_   = cache.SetWithGen(ctx, key, v, obs, 0) // write iff gen still == obs
package refcache
