package refcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/nuchit2019/microservices-cache-redis-kafka/bus"
	"github.com/nuchit2019/microservices-cache-redis-kafka/codec"
	"github.com/nuchit2019/microservices-cache-redis-kafka/store"
)

// Mutation is the write path: persist to the record store, invalidate the
// entity's full local key set, then publish a ChangeEvent partitioned by
// entity id.
//
// The ordering matters. Local invalidation runs before publish so a read in
// this process that starts after AddOrUpdate returned can never observe the
// pre-mutation cache value. The store write and the publish are not atomic;
// wire Publisher to an outbox.Outbox to close that gap durably, or accept a
// staleness window bounded by downstream TTLs.
type Mutation[V any] struct {
	store store.RecordStore[V]
	inv   *Invalidator
	keys  KeySpace
	pub   bus.Publisher
	topic string
	ecod  EventCodec
	log   Logger
	hooks Hooks
	clock clockwork.Clock
}

// MutationOptions wire the write path. Store, Invalidator and Keys are
// required. A nil Publisher disables events (single-service deployments).
type MutationOptions[V any] struct {
	Store       store.RecordStore[V]
	Invalidator *Invalidator
	Keys        KeySpace

	Publisher  bus.Publisher   // nil => no events published
	Topic      string          // "" => Keys.DefaultTopic()
	EventCodec EventCodec      // nil => codec.JSON[ChangeEvent]
	Logger     Logger          // nil => NopLogger
	Hooks      Hooks           // nil => NopHooks
	Clock      clockwork.Clock // nil => wall clock
}

func NewMutation[V any](opts MutationOptions[V]) (*Mutation[V], error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("refcache: record store is required")
	}
	if opts.Invalidator == nil {
		return nil, fmt.Errorf("refcache: invalidator is required")
	}
	if opts.Keys.EntityType() == "" {
		return nil, fmt.Errorf("refcache: key space is required")
	}
	m := &Mutation[V]{
		store: opts.Store,
		inv:   opts.Invalidator,
		keys:  opts.Keys,
		pub:   opts.Publisher,
		topic: coalesce(opts.Topic, opts.Keys.DefaultTopic()),
		log:   coalesce[Logger](opts.Logger, NopLogger{}),
		hooks: coalesce[Hooks](opts.Hooks, NopHooks{}),
	}
	if opts.EventCodec != nil {
		m.ecod = opts.EventCodec
	} else {
		m.ecod = codec.JSON[ChangeEvent]{}
	}
	if opts.Clock != nil {
		m.clock = opts.Clock
	} else {
		m.clock = clockwork.NewRealClock()
	}
	return m, nil
}

// AddOrUpdate persists the entity and returns its store-assigned id. A store
// failure aborts with a PersistenceError and nothing else runs. Cache and
// bus failures never fail the call: they are logged, reported through hooks,
// and bounded by TTLs.
func (m *Mutation[V]) AddOrUpdate(ctx context.Context, v V) (string, error) {
	res, err := m.store.Write(ctx, v)
	if err != nil {
		return "", &PersistenceError{Op: "write", Err: err}
	}
	kind := KindUpdated
	if res.Created {
		kind = KindCreated
	}
	m.invalidateLocal(ctx, res.ID)
	m.publish(ctx, res, kind)
	return res.ID, nil
}

// Delete removes the entity and publishes a Deleted event. Returns
// store.ErrNotFound unwrapped for absent ids so callers can branch on it.
func (m *Mutation[V]) Delete(ctx context.Context, id string) error {
	res, err := m.store.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	m.invalidateLocal(ctx, id)
	m.publish(ctx, res, KindDeleted)
	return nil
}

// invalidateLocal removes the entity's full key set from this service's
// cache. Failures leave a stale entry until TTL expiry or the next
// successful invalidation; the write itself stays committed.
func (m *Mutation[V]) invalidateLocal(ctx context.Context, id string) {
	for _, k := range m.keys.KeysFor(id) {
		if err := m.inv.Invalidate(ctx, k); err != nil {
			m.hooks.InvalidateDegraded(k, err)
			m.log.Warn("local invalidation failed; stale until TTL", Fields{"key": k, "err": err})
		}
	}
}

func (m *Mutation[V]) publish(ctx context.Context, res store.WriteResult, kind ChangeKind) {
	if m.pub == nil {
		return
	}
	ev := NewChangeEvent(res.ID, kind, res.Version, m.clock.Now())
	payload, err := EncodeEvent(m.ecod, ev)
	if err != nil {
		m.hooks.PublishDropped(m.topic, ev.EventID, err)
		m.log.Error("change event encode failed; downstream caches rely on TTL", Fields{
			"topic": m.topic, "entity": res.ID, "err": err,
		})
		return
	}
	err = m.pub.Publish(ctx, bus.Message{
		Topic:        m.topic,
		PartitionKey: res.ID,
		ID:           ev.EventID,
		Payload:      payload,
	})
	if err != nil {
		perr := &PublishError{Topic: m.topic, EventID: ev.EventID, Err: err}
		m.hooks.PublishDropped(m.topic, ev.EventID, perr)
		m.log.Error("publish failed; downstream caches rely on TTL", Fields{
			"topic": m.topic, "entity": res.ID, "event": ev.EventID, "err": err,
		})
		return
	}
	m.log.Debug("published change event", Fields{
		"topic": m.topic, "entity": res.ID, "event": ev.EventID, "kind": string(kind),
	})
}
