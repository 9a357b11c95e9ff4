package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is the in-process bus. It honors the full contract: per-partition-key
// FIFO, at-least-once with redelivery of unacked messages, graceful close.
// Messages published to a topic with no subscribed group are dropped, so
// subscribe before publishing; this bus is for tests and single-node wiring,
// not durability.
type Memory struct {
	partitions     int
	redeliverAfter time.Duration

	mu     sync.Mutex
	topics map[string]map[string]*memGroup
	seq    atomic.Uint64
}

type MemoryOptions struct {
	Partitions     int           // per group; 0 => 4
	RedeliverAfter time.Duration // pause before redelivering an unacked message; 0 => 20ms
}

func NewMemory(opts MemoryOptions) *Memory {
	p := opts.Partitions
	if p <= 0 {
		p = 4
	}
	r := opts.RedeliverAfter
	if r <= 0 {
		r = 20 * time.Millisecond
	}
	return &Memory{
		partitions:     p,
		redeliverAfter: r,
		topics:         make(map[string]map[string]*memGroup),
	}
}

var (
	_ Publisher  = (*Memory)(nil)
	_ Subscriber = (*Memory)(nil)
)

type memGroup struct {
	parts []*memPartition
	wg    sync.WaitGroup
}

type memPartition struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []memQueued
	closed bool
}

type memQueued struct {
	msg        Message
	deliveryID string
	attempt    int
}

func newMemPartition() *memPartition {
	p := &memPartition{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("bus: topic is required")
	}
	// Copy the group set under the lock; Subscribe and Close mutate the map
	// concurrently.
	m.mu.Lock()
	targets := make([]*memGroup, 0, len(m.topics[msg.Topic]))
	for _, g := range m.topics[msg.Topic] {
		targets = append(targets, g)
	}
	m.mu.Unlock()

	for _, g := range targets {
		part := g.parts[partitionOf(msg.PartitionKey, len(g.parts))]
		part.mu.Lock()
		part.queue = append(part.queue, memQueued{
			msg:        msg,
			deliveryID: fmt.Sprintf("mem-%d", m.seq.Add(1)),
			attempt:    0,
		})
		part.cond.Signal()
		part.mu.Unlock()
	}
	return nil
}

// Subscribe starts one worker per partition. A (topic, group) pair can be
// subscribed once per Memory instance.
func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error) {
	if topic == "" || group == "" {
		return nil, fmt.Errorf("bus: topic and group are required")
	}
	if h == nil {
		return nil, fmt.Errorf("bus: handler is required")
	}

	m.mu.Lock()
	groups := m.topics[topic]
	if groups == nil {
		groups = make(map[string]*memGroup)
		m.topics[topic] = groups
	}
	if _, dup := groups[group]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("bus: group %q already subscribed to %q", group, topic)
	}
	g := &memGroup{parts: make([]*memPartition, m.partitions)}
	for i := range g.parts {
		g.parts[i] = newMemPartition()
	}
	groups[group] = g
	m.mu.Unlock()

	for _, part := range g.parts {
		g.wg.Add(1)
		go m.run(ctx, g, part, h)
	}
	return &memSubscription{bus: m, topic: topic, group: group, g: g}, nil
}

func (m *Memory) run(ctx context.Context, g *memGroup, part *memPartition, h Handler) {
	defer g.wg.Done()
	for {
		part.mu.Lock()
		for len(part.queue) == 0 && !part.closed {
			part.cond.Wait()
		}
		if part.closed {
			part.mu.Unlock()
			return
		}
		q := part.queue[0]
		part.queue[0].attempt++
		attempt := q.attempt + 1
		part.mu.Unlock()

		d := NewDelivery(q.msg, q.deliveryID, attempt, nil)
		h(ctx, d)

		if d.Acked() {
			part.mu.Lock()
			part.queue = part.queue[1:]
			part.mu.Unlock()
			continue
		}
		// unacked: keep at head (FIFO per partition), redeliver after a pause
		if !m.pause(ctx, part) {
			return
		}
	}
}

// pause sleeps redeliverAfter, returning false when the subscription closed
// or ctx was canceled meanwhile.
func (m *Memory) pause(ctx context.Context, part *memPartition) bool {
	t := time.NewTimer(m.redeliverAfter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	part.mu.Lock()
	closed := part.closed
	part.mu.Unlock()
	return !closed
}

type memSubscription struct {
	bus   *Memory
	topic string
	group string
	g     *memGroup
	once  sync.Once
}

// Close stops the workers after their in-flight handler returns and detaches
// the group. Queued, unprocessed messages are discarded with it.
func (s *memSubscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		for _, part := range s.g.parts {
			part.mu.Lock()
			part.closed = true
			part.cond.Broadcast()
			part.mu.Unlock()
		}
		s.bus.mu.Lock()
		delete(s.bus.topics[s.topic], s.group)
		s.bus.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func partitionOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
