package refcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nuchit2019/microservices-cache-redis-kafka/genstore"
	pr "github.com/nuchit2019/microservices-cache-redis-kafka/provider"
	"github.com/nuchit2019/microservices-cache-redis-kafka/store"
)

type product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

func productID(p product) string            { return p.ID }
func productWithID(p product, id string) product { p.ID = id; return p }

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// memProvider is the in-memory provider fake. Error injection simulates an
// unavailable cache; the op log records call order for assertions.
type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry

	getErr error
	setErr error
	delErr error

	ops []string
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "get:"+key)
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "set:"+key)
	if p.setErr != nil {
		return false, p.setErr
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "del:"+key)
	if p.delErr != nil {
		return p.delErr
	}
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) opLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ops))
	copy(out, p.ops)
	return out
}

func (p *memProvider) countOps(prefix string) int {
	n := 0
	for _, op := range p.opLog() {
		if len(op) >= len(prefix) && op[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (p *memProvider) put(key string, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = memEntry{v: raw}
}

// flakyGens injects bump failures to simulate an unreachable shared gen store.
type flakyGens struct {
	inner   genstore.GenStore
	mu      sync.Mutex
	bumpErr error
}

var _ genstore.GenStore = (*flakyGens)(nil)

func newFlakyGens() *flakyGens {
	return &flakyGens{inner: genstore.NewLocalGenStore(0, 0)}
}

func (g *flakyGens) setBumpErr(err error) {
	g.mu.Lock()
	g.bumpErr = err
	g.mu.Unlock()
}

func (g *flakyGens) Snapshot(ctx context.Context, k string) (uint64, error) {
	return g.inner.Snapshot(ctx, k)
}

func (g *flakyGens) Bump(ctx context.Context, k string) (uint64, error) {
	g.mu.Lock()
	err := g.bumpErr
	g.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return g.inner.Bump(ctx, k)
}

func (g *flakyGens) Cleanup(retention time.Duration) { g.inner.Cleanup(retention) }
func (g *flakyGens) Close(ctx context.Context) error { return g.inner.Close(ctx) }

// trackingStore wraps the memory stub to count reads and optionally gate them
// for stampede tests.
type trackingStore struct {
	inner store.RecordStore[product]

	mu       sync.Mutex
	reads    int
	readGate chan struct{} // when set, ReadByID/ReadAll block until closed
	started  chan struct{} // signaled once when the first gated read begins
}

var _ store.RecordStore[product] = (*trackingStore)(nil)

func newTrackingStore() *trackingStore {
	return &trackingStore{inner: store.NewMemory[product](productID, productWithID)}
}

func (s *trackingStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *trackingStore) enter() {
	s.mu.Lock()
	s.reads++
	gate := s.readGate
	started := s.started
	s.started = nil
	s.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
}

func (s *trackingStore) Write(ctx context.Context, v product) (store.WriteResult, error) {
	return s.inner.Write(ctx, v)
}

func (s *trackingStore) Delete(ctx context.Context, id string) (store.WriteResult, error) {
	return s.inner.Delete(ctx, id)
}

func (s *trackingStore) ReadAll(ctx context.Context) ([]product, error) {
	s.enter()
	return s.inner.ReadAll(ctx)
}

func (s *trackingStore) ReadByID(ctx context.Context, id string) (product, error) {
	s.enter()
	return s.inner.ReadByID(ctx, id)
}

// hookRecorder captures hook invocations for assertions.
type hookRecorder struct {
	NopHooks
	mu     sync.Mutex
	events []string
}

func (h *hookRecorder) record(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *hookRecorder) has(ev string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == ev {
			return true
		}
	}
	return false
}

func (h *hookRecorder) InvalidateDegraded(string, error)        { h.record("invalidate_degraded") }
func (h *hookRecorder) PublishDropped(string, string, error)    { h.record("publish_dropped") }
func (h *hookRecorder) DedupHit(string, string)                 { h.record("dedup_hit") }
func (h *hookRecorder) EventRejected(string, string)            { h.record("event_rejected") }
func (h *hookRecorder) PopulateRaced(string)                    { h.record("populate_raced") }
func (h *hookRecorder) SelfHeal(string, string)                 { h.record("self_heal") }

func newTestInvalidator(t *testing.T, ns string, p pr.Provider) *Invalidator {
	t.Helper()
	inv, err := NewInvalidator(InvalidatorOptions{Namespace: ns, Provider: p})
	if err != nil {
		t.Fatalf("NewInvalidator: %v", err)
	}
	return inv
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
