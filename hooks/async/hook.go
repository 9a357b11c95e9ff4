// Package asynchook decouples hook sinks from hot paths: events are queued
// and replayed on background workers, and dropped when the queue is full.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
package asynchook

import (
	"sync"

	refcache "github.com/nuchit2019/microservices-cache-redis-kafka"
)

type Hooks struct {
	inner refcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ refcache.Hooks = (*Hooks)(nil)

func New(inner refcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHeal(k, r string)          { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) PopulateRaced(k string)        { h.try(func() { h.inner.PopulateRaced(k) }) }
func (h *Hooks) ProviderSetRejected(k string)  { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) DedupHit(g, id string)         { h.try(func() { h.inner.DedupHit(g, id) }) }
func (h *Hooks) EventRejected(t, r string)     { h.try(func() { h.inner.EventRejected(t, r) }) }
func (h *Hooks) InvalidateDegraded(k string, err error) {
	h.try(func() { h.inner.InvalidateDegraded(k, err) })
}
func (h *Hooks) PublishRetry(t, id string, n int, err error) {
	h.try(func() { h.inner.PublishRetry(t, id, n, err) })
}
func (h *Hooks) PublishDropped(t, id string, err error) {
	h.try(func() { h.inner.PublishDropped(t, id, err) })
}
func (h *Hooks) GenError(op, k string, err error) {
	h.try(func() { h.inner.GenError(op, k, err) })
}
