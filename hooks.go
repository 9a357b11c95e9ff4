package refcache

// Hooks are lightweight callbacks for high-signal events. Implementations
// MUST be cheap and non-blocking; they run on hot paths. Wrap with
// hooks/async if a sink may block.
type Hooks interface {
	// A cache entry was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// A CAS populate was skipped because the key's generation moved between
	// the snapshot and the write (an invalidation won the race).
	PopulateRaced(storageKey string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// A local invalidation failed on the write path and was tolerated;
	// staleness is now bounded by the entry TTL.
	InvalidateDegraded(key string, err error)

	// The outbox relay failed a publish attempt and will retry.
	PublishRetry(topic, eventID string, attempt int, err error)

	// A direct (outbox-less) publish failed; downstream caches will not hear
	// about this change before their TTLs expire.
	PublishDropped(topic, eventID string, err error)

	// A consumer skipped an already-processed event id.
	DedupHit(group, eventID string)

	// A consumer dropped an undecodable bus payload.
	// reason ∈ {"corrupt", "decode"}
	EventRejected(topic, reason string)

	// GenStore errors. op ∈ {"snapshot", "bump"}.
	GenError(op, storageKey string, err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                  {}
func (NopHooks) PopulateRaced(string)                     {}
func (NopHooks) ProviderSetRejected(string)               {}
func (NopHooks) InvalidateDegraded(string, error)         {}
func (NopHooks) PublishRetry(string, string, int, error)  {}
func (NopHooks) PublishDropped(string, string, error)     {}
func (NopHooks) DedupHit(string, string)                  {}
func (NopHooks) EventRejected(string, string)             {}
func (NopHooks) GenError(string, string, error)           {}
