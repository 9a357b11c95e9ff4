package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

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

// collector accumulates deliveries and acks them according to ackWhen.
type collector struct {
	mu      sync.Mutex
	got     []*Delivery
	ackWhen func(d *Delivery) bool // nil => always ack
}

func (c *collector) handle(ctx context.Context, d *Delivery) {
	c.mu.Lock()
	c.got = append(c.got, d)
	ack := c.ackWhen == nil || c.ackWhen(d)
	c.mu.Unlock()
	if ack {
		_ = d.Ack(ctx)
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, d := range c.got {
		out[i] = d.ID
	}
	return out
}

func TestMemoryDeliversToGroup(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(MemoryOptions{})
	col := &collector{}

	sub, err := b.Subscribe(ctx, "t", "g", col.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close(ctx)

	if err := b.Publish(ctx, Message{Topic: "t", PartitionKey: "k", ID: "m1", Payload: []byte("x")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !waitFor(time.Second, func() bool { return col.count() == 1 }) {
		t.Fatalf("message not delivered")
	}
	d := col.got[0]
	if d.ID != "m1" || d.Attempt != 1 || string(d.Payload) != "x" {
		t.Fatalf("delivery wrong: %+v", d)
	}
}

// TestMemoryFIFOPerPartitionKey publishes a sequence under one key and checks
// the handler observes it in publish order.
func TestMemoryFIFOPerPartitionKey(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(MemoryOptions{Partitions: 2})
	col := &collector{}

	sub, err := b.Subscribe(ctx, "t", "g", col.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close(ctx)

	const n = 20
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, Message{Topic: "t", PartitionKey: "same", ID: fmt.Sprintf("m%02d", i)}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if !waitFor(2*time.Second, func() bool { return col.count() == n }) {
		t.Fatalf("delivered %d of %d", col.count(), n)
	}
	ids := col.ids()
	for i := 0; i < n; i++ {
		if want := fmt.Sprintf("m%02d", i); ids[i] != want {
			t.Fatalf("position %d: got %s, want %s (full: %v)", i, ids[i], want, ids)
		}
	}
}

// TestMemoryRedeliversUnacked leaves the first two attempts unacked and checks
// the same message comes back with increasing attempt counts, blocking the
// partition until acked.
func TestMemoryRedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(MemoryOptions{RedeliverAfter: 2 * time.Millisecond})
	col := &collector{
		ackWhen: func(d *Delivery) bool { return d.ID != "m1" || d.Attempt >= 3 },
	}

	sub, err := b.Subscribe(ctx, "t", "g", col.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close(ctx)

	if err := b.Publish(ctx, Message{Topic: "t", PartitionKey: "k", ID: "m1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, Message{Topic: "t", PartitionKey: "k", ID: "m2"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !waitFor(2*time.Second, func() bool { return col.count() == 4 }) {
		t.Fatalf("deliveries = %d, want 4", col.count())
	}
	ids := col.ids()
	// m1 three times (attempts 1..3), then m2 once: the unacked head blocks
	// the partition, preserving order.
	want := []string{"m1", "m1", "m1", "m2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("delivery sequence %v, want %v", ids, want)
		}
	}
	col.mu.Lock()
	attempts := []int{col.got[0].Attempt, col.got[1].Attempt, col.got[2].Attempt}
	col.mu.Unlock()
	if attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
		t.Fatalf("attempts = %v", attempts)
	}
}

func TestMemoryGroupsGetIndependentCopies(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(MemoryOptions{})
	a, z := &collector{}, &collector{}

	subA, err := b.Subscribe(ctx, "t", "ga", a.handle)
	if err != nil {
		t.Fatalf("Subscribe ga: %v", err)
	}
	defer subA.Close(ctx)
	subZ, err := b.Subscribe(ctx, "t", "gz", z.handle)
	if err != nil {
		t.Fatalf("Subscribe gz: %v", err)
	}
	defer subZ.Close(ctx)

	if err := b.Publish(ctx, Message{Topic: "t", PartitionKey: "k", ID: "m1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !waitFor(time.Second, func() bool { return a.count() == 1 && z.count() == 1 }) {
		t.Fatalf("fan-out incomplete: ga=%d gz=%d", a.count(), z.count())
	}
}

func TestMemoryDuplicateGroupRejected(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(MemoryOptions{})
	col := &collector{}

	sub, err := b.Subscribe(ctx, "t", "g", col.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close(ctx)

	if _, err := b.Subscribe(ctx, "t", "g", col.handle); err == nil {
		t.Fatalf("duplicate (topic, group) subscription accepted")
	}
}

func TestMemoryCloseWaitsForHandler(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(MemoryOptions{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(1)
	handlerDone := false
	var mu sync.Mutex

	sub, err := b.Subscribe(ctx, "t", "g", func(ctx context.Context, d *Delivery) {
		close(entered)
		<-release
		mu.Lock()
		handlerDone = true
		mu.Unlock()
		_ = d.Ack(ctx)
		finished.Done()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, Message{Topic: "t", PartitionKey: "k", ID: "m1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- sub.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatalf("Close returned while handler in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	finished.Wait()
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !handlerDone {
		t.Fatalf("handler did not finish before Close returned")
	}
}

// TestMemoryPublishDuringSubscribeChurn hammers Publish while groups come and
// go on the same topic; publishers must never observe the group map
// mid-mutation.
func TestMemoryPublishDuringSubscribeChurn(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(MemoryOptions{Partitions: 1})

	stop := make(chan struct{})
	var pubs sync.WaitGroup
	pubs.Add(1)
	go func() {
		defer pubs.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = b.Publish(ctx, Message{Topic: "t", PartitionKey: "k", ID: fmt.Sprintf("m%d", i)})
		}
	}()

	for i := 0; i < 200; i++ {
		sub, err := b.Subscribe(ctx, "t", fmt.Sprintf("g%d", i), func(ctx context.Context, d *Delivery) {
			_ = d.Ack(ctx)
		})
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		if err := sub.Close(ctx); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
	}
	close(stop)
	pubs.Wait()
}

func TestMemoryPublishRequiresTopic(t *testing.T) {
	b := NewMemory(MemoryOptions{})
	if err := b.Publish(context.Background(), Message{}); err == nil {
		t.Fatalf("empty topic accepted")
	}
}

func TestDeliveryAckIdempotent(t *testing.T) {
	calls := 0
	d := NewDelivery(Message{}, "d1", 1, func(context.Context) error {
		calls++
		return nil
	})
	if d.Acked() {
		t.Fatalf("fresh delivery reports acked")
	}
	_ = d.Ack(context.Background())
	_ = d.Ack(context.Background())
	if calls != 1 {
		t.Fatalf("ack callback ran %d times", calls)
	}
	if !d.Acked() {
		t.Fatalf("Acked false after Ack")
	}
}
