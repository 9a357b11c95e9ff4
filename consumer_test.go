package refcache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nuchit2019/microservices-cache-redis-kafka/bus"
	"github.com/nuchit2019/microservices-cache-redis-kafka/codec"
	"github.com/nuchit2019/microservices-cache-redis-kafka/genstore"
)

type consumerFixture struct {
	provider *memProvider
	hooks    *hookRecorder
	inv      *Invalidator
	cons     *Consumer
	bus      *bus.Memory
}

func newConsumerFixture(t *testing.T, gens genstore.GenStore) *consumerFixture {
	t.Helper()
	f := &consumerFixture{
		provider: newMemProvider(),
		hooks:    &hookRecorder{},
		bus:      bus.NewMemory(bus.MemoryOptions{Partitions: 2, RedeliverAfter: 5 * time.Millisecond}),
	}
	var err error
	f.inv, err = NewInvalidator(InvalidatorOptions{
		Namespace: "pricing",
		Provider:  f.provider,
		Gens:      gens,
		Hooks:     f.hooks,
	})
	if err != nil {
		t.Fatalf("NewInvalidator: %v", err)
	}
	f.cons, err = NewConsumer(ConsumerOptions{
		Subscriber:  f.bus,
		Group:       "pricing",
		Invalidator: f.inv,
		Keys:        MustKeySpace("product"),
		Hooks:       f.hooks,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return f
}

func changeDelivery(t *testing.T, ev ChangeEvent) *bus.Delivery {
	t.Helper()
	payload, err := EncodeEvent(codec.JSON[ChangeEvent]{}, ev)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	return bus.NewDelivery(bus.Message{
		Topic:        "product.changes",
		PartitionKey: ev.EntityID,
		ID:           ev.EventID,
		Payload:      payload,
	}, "d-"+ev.EventID, 1, nil)
}

func TestConsumerInvalidatesAndAcks(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t, nil)
	defer f.inv.Close(ctx)

	ev := NewChangeEvent("42", KindUpdated, 3, time.Now())
	d := changeDelivery(t, ev)
	f.cons.handleDelivery(ctx, d)

	if !d.Acked() {
		t.Fatalf("processed event not acked")
	}
	// Both keys of the entity's key set were removed.
	if got := f.provider.countOps("del:"); got != 2 {
		t.Fatalf("provider deletes = %d, want 2", got)
	}
	if f.provider.countOps("del:pricing:item:product:42") != 1 {
		t.Fatalf("item key not invalidated: %v", f.provider.opLog())
	}
	if f.provider.countOps("del:pricing:all:product") != 1 {
		t.Fatalf("collection key not invalidated: %v", f.provider.opLog())
	}
}

func TestConsumerDeduplicatesRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t, nil)
	defer f.inv.Close(ctx)

	ev := NewChangeEvent("42", KindUpdated, 3, time.Now())

	first := changeDelivery(t, ev)
	f.cons.handleDelivery(ctx, first)
	if !first.Acked() {
		t.Fatalf("first delivery not acked")
	}
	dels := f.provider.countOps("del:")

	// Same event id again, as a broker redelivery would hand it over.
	second := changeDelivery(t, ev)
	f.cons.handleDelivery(ctx, second)

	if !second.Acked() {
		t.Fatalf("duplicate delivery must be acked, not redelivered forever")
	}
	if got := f.provider.countOps("del:"); got != dels {
		t.Fatalf("duplicate caused extra invalidations: %d -> %d", dels, got)
	}
	if !f.hooks.has("dedup_hit") {
		t.Fatalf("DedupHit hook not fired")
	}
}

func TestConsumerDropsCorruptPayload(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t, nil)
	defer f.inv.Close(ctx)

	d := bus.NewDelivery(bus.Message{
		Topic:   "product.changes",
		Payload: []byte("definitely not a framed event"),
	}, "d-corrupt", 1, nil)
	f.cons.handleDelivery(ctx, d)

	if !d.Acked() {
		t.Fatalf("corrupt event must be acked so it is not redelivered")
	}
	if !f.hooks.has("event_rejected") {
		t.Fatalf("EventRejected hook not fired")
	}
	if f.provider.countOps("del:") != 0 {
		t.Fatalf("corrupt event caused invalidations")
	}
}

func TestConsumerLeavesEventUnackedOnFailure(t *testing.T) {
	ctx := context.Background()
	gens := newFlakyGens()
	f := newConsumerFixture(t, gens)

	ev := NewChangeEvent("42", KindUpdated, 3, time.Now())

	gens.setBumpErr(errors.New("gen store down"))
	d := changeDelivery(t, ev)
	f.cons.handleDelivery(ctx, d)
	if d.Acked() {
		t.Fatalf("event acked despite failed invalidation")
	}

	// Recovery: the broker redelivers, invalidation succeeds, the event acks.
	gens.setBumpErr(nil)
	retry := changeDelivery(t, ev)
	f.cons.handleDelivery(ctx, retry)
	if !retry.Acked() {
		t.Fatalf("redelivered event not acked after recovery")
	}
}

func TestConsumerToleratesMixedOrdering(t *testing.T) {
	// Events for different entities may arrive in any interleaving; each must
	// land its own key-set invalidation.
	ctx := context.Background()
	f := newConsumerFixture(t, nil)
	defer f.inv.Close(ctx)

	evA := NewChangeEvent("a", KindUpdated, 2, time.Now())
	evB := NewChangeEvent("b", KindCreated, 1, time.Now())
	f.cons.handleDelivery(ctx, changeDelivery(t, evB))
	f.cons.handleDelivery(ctx, changeDelivery(t, evA))

	if f.provider.countOps("del:pricing:item:product:a") != 1 {
		t.Fatalf("entity a not invalidated")
	}
	if f.provider.countOps("del:pricing:item:product:b") != 1 {
		t.Fatalf("entity b not invalidated")
	}
}

func TestConsumerLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t, nil)
	defer f.inv.Close(ctx)

	if got := f.cons.State(); got != StateIdle {
		t.Fatalf("initial state = %s", got)
	}
	if err := f.cons.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.cons.State(); got != StateConsuming {
		t.Fatalf("state after start = %s", got)
	}
	if err := f.cons.Start(ctx); err == nil {
		t.Fatalf("second Start accepted")
	}

	ev := NewChangeEvent("42", KindUpdated, 1, time.Now())
	payload, err := EncodeEvent(codec.JSON[ChangeEvent]{}, ev)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	if err := f.bus.Publish(ctx, bus.Message{
		Topic:        "product.changes",
		PartitionKey: ev.EntityID,
		ID:           ev.EventID,
		Payload:      payload,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !waitFor(2*time.Second, func() bool {
		return f.provider.countOps("del:pricing:item:product:42") >= 1
	}) {
		t.Fatalf("event never invalidated the cache")
	}

	if err := f.cons.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.cons.State(); got != StateStopped {
		t.Fatalf("state after stop = %s", got)
	}
	if err := f.cons.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestConsumerStoppedLeavesDeliveryUnacked(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t, nil)
	if err := f.cons.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	d := changeDelivery(t, NewChangeEvent("42", KindUpdated, 1, time.Now()))
	f.cons.handleDelivery(ctx, d)
	if d.Acked() {
		t.Fatalf("stopped consumer acked a delivery")
	}
	if f.provider.countOps("del:") != 0 {
		t.Fatalf("stopped consumer invalidated keys")
	}

	// Stopped is terminal; a restart attempt must say so.
	err := f.cons.Start(ctx)
	if err == nil {
		t.Fatalf("Start accepted on a stopped consumer")
	}
	if !strings.Contains(err.Error(), "stopped") {
		t.Fatalf("restart error does not name the state: %v", err)
	}
}

func TestConsumerStateString(t *testing.T) {
	want := map[ConsumerState]string{
		StateIdle:       "idle",
		StateConsuming:  "consuming",
		StateProcessing: "processing",
		StateCommitting: "committing",
		StateStopping:   "stopping",
		StateStopped:    "stopped",
	}
	for s, name := range want {
		if s.String() != name {
			t.Fatalf("%d.String() = %q, want %q", s, s.String(), name)
		}
	}
}
