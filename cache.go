package refcache

import (
	"context"
	"fmt"
	"time"

	"github.com/nuchit2019/microservices-cache-redis-kafka/codec"
	"github.com/nuchit2019/microservices-cache-redis-kafka/genstore"
	"github.com/nuchit2019/microservices-cache-redis-kafka/internal/wire"
	pr "github.com/nuchit2019/microservices-cache-redis-kafka/provider"
)

const (
	defaultGenRetention = 30 * 24 * time.Hour
	defaultGenSweep     = time.Hour
	defaultTTL          = 10 * time.Minute
)

// SetCostFunc computes the provider cost of a cache write (for cost-based
// providers like Ristretto). The default charges 1 per entry.
type SetCostFunc func(storageKey string, raw []byte) int64

// Invalidator is the shared invalidation core of one service: a namespace, a
// byte provider and a generation store. Every typed cache view of the service
// and its invalidation consumer hold the same Invalidator, which is what
// guarantees that a key invalidated by one path is the same storage key a
// read populated.
//
// Invalidation is bump-then-delete: the generation bump fences out any
// populate that observed the old generation, the delete frees the entry
// early. Only a failed bump fails the invalidation.
type Invalidator struct {
	ns       string
	provider pr.Provider
	gen      genstore.GenStore
	log      Logger
	hooks    Hooks

	ownsGen bool
}

// InvalidatorOptions configure the shared invalidation core. Namespace and
// Provider are required.
type InvalidatorOptions struct {
	// Namespace isolates one service's keys, e.g. "ordersvc".
	Namespace string
	Provider  pr.Provider

	Logger Logger            // nil => NopLogger
	Hooks  Hooks             // nil => NopHooks
	Gens   genstore.GenStore // nil => LocalGenStore

	// LocalGenStore tuning, ignored when Gens is set.
	GenSweepInterval time.Duration // 0 => 1h
	GenRetention     time.Duration // 0 => 30d
}

func NewInvalidator(opts InvalidatorOptions) (*Invalidator, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("refcache: namespace is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("refcache: provider is required")
	}

	i := &Invalidator{
		ns:       opts.Namespace,
		provider: opts.Provider,
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
	}
	if opts.Gens != nil {
		i.gen = opts.Gens
	} else {
		sweep := coalesce(opts.GenSweepInterval, defaultGenSweep)
		retention := coalesce(opts.GenRetention, defaultGenRetention)
		i.gen = genstore.NewLocalGenStore(sweep, retention)
		i.ownsGen = true
	}
	return i, nil
}

// Namespace returns the service namespace.
func (i *Invalidator) Namespace() string { return i.ns }

func (i *Invalidator) storageKey(key string) string { return i.ns + ":" + key }

// Invalidate removes one logical key: bump its generation, then best-effort
// delete the entry. A failed delete is tolerated (the bumped generation
// already makes the stale entry unreadable); a failed bump is not.
func (i *Invalidator) Invalidate(ctx context.Context, key string) error {
	k := i.storageKey(key)
	newGen, bumpErr := i.gen.Bump(ctx, k)
	delErr := i.provider.Del(ctx, k)
	if bumpErr != nil {
		i.hooks.GenError("bump", k, bumpErr)
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	}
	if delErr != nil {
		// stale entry stays until TTL but fails gen validation on read
		i.log.Warn("invalidate: delete failed after gen bump", Fields{"key": key, "err": delErr})
	}
	i.log.Debug("invalidated key", Fields{"key": key, "newGen": newGen})
	return nil
}

// InvalidateSet invalidates every key, stopping at the first failure so the
// caller can treat the set as not applied and retry. Keys already bumped by a
// partial pass are harmless: their entries are simply absent until the next
// populate re-reads current truth.
func (i *Invalidator) InvalidateSet(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := i.Invalidate(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (i *Invalidator) snapshotGen(ctx context.Context, storageKey string) uint64 {
	g, err := i.gen.Snapshot(ctx, storageKey)
	if err != nil {
		// Conservative: report 0 so CAS writes skip; reads self-heal.
		i.hooks.GenError("snapshot", storageKey, err)
		i.log.Warn("gen snapshot error", Fields{"key": storageKey, "err": err})
		return 0
	}
	return g
}

// Close releases the gen store when this Invalidator created it, then the
// provider. When the gen store was injected, the injector owns it.
func (i *Invalidator) Close(ctx context.Context) error {
	if i.ownsGen && i.gen != nil {
		_ = i.gen.Close(ctx)
	}
	if i.provider != nil {
		return i.provider.Close(ctx)
	}
	return nil
}

// Cache is a typed, TTL'd view over an Invalidator's provider. Several Cache
// instances (items, collections, query results) share one Invalidator.
type Cache[V any] struct {
	inv        *Invalidator
	codec      codec.Codec[V]
	defaultTTL time.Duration
	cost       SetCostFunc
}

// CacheOptions configure one typed view. Invalidator and Codec are required.
type CacheOptions[V any] struct {
	Invalidator *Invalidator
	Codec       codec.Codec[V]
	DefaultTTL  time.Duration // 0 => 10m
	SetCost     SetCostFunc   // nil => 1 per entry
}

func NewCache[V any](opts CacheOptions[V]) (*Cache[V], error) {
	if opts.Invalidator == nil {
		return nil, fmt.Errorf("refcache: invalidator is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("refcache: codec is required")
	}
	c := &Cache[V]{
		inv:        opts.Invalidator,
		codec:      opts.Codec,
		defaultTTL: coalesce(opts.DefaultTTL, defaultTTL),
	}
	if opts.SetCost != nil {
		c.cost = opts.SetCost
	} else {
		c.cost = func(_ string, _ []byte) int64 { return 1 }
	}
	return c, nil
}

// Get returns the cached value for key. Corrupt entries, entries whose
// generation moved, and undecodable payloads are deleted and reported as
// misses (self-heal); the next populate re-reads current truth.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	k := c.inv.storageKey(key)
	raw, ok, err := c.inv.provider.Get(ctx, k)
	if err != nil {
		return zero, false, &CacheUnavailableError{Key: key, Err: err}
	}
	if !ok {
		return zero, false, nil
	}
	gen, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		c.selfHeal(ctx, k, "corrupt")
		return zero, false, nil
	}
	if gen != c.inv.snapshotGen(ctx, k) {
		c.selfHeal(ctx, k, "gen_mismatch")
		return zero, false, nil
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		c.selfHeal(ctx, k, "value_decode")
		return zero, false, nil
	}
	return v, true, nil
}

// SnapshotGen observes the key's generation. Take the snapshot before the
// backing-store read that produces the value passed to SetWithGen.
func (c *Cache[V]) SnapshotGen(ctx context.Context, key string) uint64 {
	return c.inv.snapshotGen(ctx, c.inv.storageKey(key))
}

// SetWithGen populates key iff its generation still equals observedGen. A
// skipped write means an invalidation ran since the snapshot; the caller's
// value may predate that mutation and must not be cached. ttl == 0 uses the
// cache default.
func (c *Cache[V]) SetWithGen(ctx context.Context, key string, value V, observedGen uint64, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	k := c.inv.storageKey(key)
	if c.inv.snapshotGen(ctx, k) != observedGen {
		c.inv.hooks.PopulateRaced(k)
		c.inv.log.Debug("populate skipped (gen moved)", Fields{"key": key, "obs": observedGen})
		return nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	raw := wire.EncodeEntry(observedGen, payload)
	ok, err := c.inv.provider.Set(ctx, k, raw, c.cost(k, raw), ttl)
	if err != nil {
		return &CacheUnavailableError{Key: key, Err: err}
	}
	if !ok {
		c.inv.hooks.ProviderSetRejected(k)
		c.inv.log.Debug("populate rejected by provider (pressure)", Fields{"key": key})
	}
	return nil
}

// Invalidate removes key through the shared Invalidator.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) error {
	return c.inv.Invalidate(ctx, key)
}

func (c *Cache[V]) selfHeal(ctx context.Context, storageKey, reason string) {
	_ = c.inv.provider.Del(ctx, storageKey)
	c.inv.hooks.SelfHeal(storageKey, reason)
}
