package refcache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nuchit2019/microservices-cache-redis-kafka/store"
)

// ReadThrough is the cache-aside read path. A hit is authoritative for its
// TTL; a miss is coalesced per key (one in-flight store fetch, concurrent
// callers await its result) and populated with a generation CAS, so a fetch
// that raced an invalidation is discarded instead of cached.
//
// Cache errors are never surfaced to readers: a failing cache degrades to
// reading the store directly.
type ReadThrough[V any] struct {
	items *Cache[V]
	coll  *Cache[[]V]
	store store.RecordStore[V]
	keys  KeySpace
	log   Logger

	itemTTL time.Duration
	collTTL time.Duration

	sf singleflight.Group
}

// ReadThroughOptions wire the read path. Items, Collection, Store and Keys
// are required; both caches must share one Invalidator so their storage keys
// line up with the invalidation paths.
type ReadThroughOptions[V any] struct {
	Items      *Cache[V]
	Collection *Cache[[]V]
	Store      store.RecordStore[V]
	Keys       KeySpace

	ItemTTL       time.Duration // 0 => item cache default
	CollectionTTL time.Duration // 0 => collection cache default
	Logger        Logger
}

func NewReadThrough[V any](opts ReadThroughOptions[V]) (*ReadThrough[V], error) {
	if opts.Items == nil || opts.Collection == nil {
		return nil, fmt.Errorf("refcache: item and collection caches are required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("refcache: record store is required")
	}
	if opts.Keys.EntityType() == "" {
		return nil, fmt.Errorf("refcache: key space is required")
	}
	if opts.Items.inv != opts.Collection.inv {
		return nil, fmt.Errorf("refcache: item and collection caches must share an invalidator")
	}
	return &ReadThrough[V]{
		items:   opts.Items,
		coll:    opts.Collection,
		store:   opts.Store,
		keys:    opts.Keys,
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		itemTTL: opts.ItemTTL,
		collTTL: opts.CollectionTTL,
	}, nil
}

// GetByID returns the entity, from cache when fresh, otherwise from the
// store. Returns store.ErrNotFound for absent ids.
func (r *ReadThrough[V]) GetByID(ctx context.Context, id string) (V, error) {
	var zero V
	key := r.keys.ItemKey(id)

	v, ok, err := r.items.Get(ctx, key)
	if err != nil {
		r.log.Warn("cache read failed; falling through to store", Fields{"key": key, "err": err})
	}
	if ok {
		return v, nil
	}

	out, err, _ := r.sf.Do(key, func() (any, error) {
		obs := r.items.SnapshotGen(ctx, key)
		v, err := r.store.ReadByID(ctx, id)
		if err != nil {
			return nil, err
		}
		r.populateItem(ctx, key, v, obs)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return out.(V), nil
}

// GetAll returns the full collection in the store's stable order.
func (r *ReadThrough[V]) GetAll(ctx context.Context) ([]V, error) {
	key := r.keys.CollectionKey()

	vs, ok, err := r.coll.Get(ctx, key)
	if err != nil {
		r.log.Warn("cache read failed; falling through to store", Fields{"key": key, "err": err})
	}
	if ok {
		return vs, nil
	}

	out, err, _ := r.sf.Do(key, func() (any, error) {
		obs := r.coll.SnapshotGen(ctx, key)
		vs, err := r.store.ReadAll(ctx)
		if err != nil {
			return nil, err
		}
		if perr := r.coll.SetWithGen(ctx, key, vs, obs, r.collTTL); perr != nil {
			r.log.Warn("cache populate failed; serving store result", Fields{"key": key, "err": perr})
		}
		return vs, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]V), nil
}

func (r *ReadThrough[V]) populateItem(ctx context.Context, key string, v V, obs uint64) {
	if err := r.items.SetWithGen(ctx, key, v, obs, r.itemTTL); err != nil {
		r.log.Warn("cache populate failed; serving store result", Fields{"key": key, "err": err})
	}
}
